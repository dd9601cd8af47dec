package notification

import (
	"context"

	"slotwatch/models"

	"go.uber.org/zap"
)

// Notifier tells the instructor/pupil what happened to an attempt. Delivery
// channels (SMS, WhatsApp, email) are integrated outside this module.
type Notifier interface {
	NotifyBookingOutcome(ctx context.Context, record models.BookingRecord) error
}

// LogNotifier is the default Notifier: it only logs the outcome.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) NotifyBookingOutcome(_ context.Context, record models.BookingRecord) error {
	if n.Logger != nil {
		n.Logger.Info("booking outcome",
			zap.String("booking_id", record.ID),
			zap.String("pupil", record.PupilName),
			zap.String("outcome", record.Outcome),
			zap.String("new_test_date", record.NewTestDate))
	}
	return nil
}
