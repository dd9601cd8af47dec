package booking

import (
	"context"
	"time"

	auditRepo "slotwatch/database/repository/audit"
	"slotwatch/models"
	"slotwatch/services/notification"
	"slotwatch/services/tasks"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Attempt outcomes archived and reported by the workflow.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeDeclined = "declined"
	OutcomeTimeout  = "timeout"
	OutcomeNotFound = "not_found"
)

// DefaultBookingWorkflow sequences one booking attempt through the state
// machine: search, present for approval, execute, archive the outcome. The
// wiring of confirmation between CONFIRMING and BOOKING is convention, not
// enforced by the machine.
type DefaultBookingWorkflow struct {
	Machine   *BookingStateMachine
	Confirmer *ConfirmationManager
	Slots     SlotSource
	Executor  BookingExecutor
	AuditRepo auditRepo.BookingAuditRepository
	Notifier  notification.Notifier
	Logger    *zap.Logger

	// TaskClient schedules a deferred re-search when no earlier slot is found.
	// Optional; nil disables rechecks.
	TaskClient   *asynq.Client
	RecheckDelay time.Duration
}

// RunAttempt drives a single attempt for the given pupil. The returned record
// describes the terminal outcome; a declined confirmation or an empty search
// round is a normal outcome, not an error.
func (w *DefaultBookingWorkflow) RunAttempt(ctx context.Context, details models.BookingDetails) (*models.BookingRecord, error) {
	if details.BookingID == "" {
		details.BookingID = uuid.New().String()
	}
	baseCtx := map[string]any{
		"booking_id":        details.BookingID,
		"pupil_id":          details.PupilID,
		"pupil_name":        details.PupilName,
		"test_centre":       details.TestCentre,
		"current_test_date": details.CurrentTestDate,
	}

	if err := w.Machine.TransitionTo(ctx, StateSearching, baseCtx); err != nil {
		return nil, err
	}

	offer, err := w.Slots.FindEarlierSlot(ctx, details)
	if err != nil {
		w.transition(ctx, StateError, map[string]any{"error": err.Error()})
		w.transition(ctx, StateIdle, nil)
		return nil, err
	}
	if offer == nil {
		w.transition(ctx, StateNotFound, nil)
		w.scheduleRecheck(ctx, details)
		w.transition(ctx, StateIdle, nil)
		return w.record(details, OutcomeNotFound, "no_earlier_slot", ""), nil
	}

	details.NewTestDate = offer.Date
	if offer.TestCentre != "" {
		details.TestCentre = offer.TestCentre
	}
	foundCtx := map[string]any{
		"new_test_date": offer.Date,
		"test_centre":   details.TestCentre,
	}
	if err := w.Machine.TransitionTo(ctx, StateFound, foundCtx); err != nil {
		return nil, err
	}
	if err := w.Machine.TransitionTo(ctx, StateConfirming, nil); err != nil {
		return nil, err
	}

	result, err := w.Confirmer.RequestConfirmation(ctx, details)
	if err != nil {
		w.transition(ctx, StateCancelled, map[string]any{"reason": "confirmation_error", "error": err.Error()})
		w.transition(ctx, StateIdle, nil)
		return nil, err
	}
	if !result.Confirmed {
		w.transition(ctx, StateCancelled, map[string]any{"reason": result.Reason})
		w.transition(ctx, StateIdle, nil)
		return w.record(details, OutcomeDeclined, result.Reason, ""), nil
	}

	bookingCtx := map[string]any{"confirmation_id": result.ConfirmationID}
	if err := w.Machine.TransitionTo(ctx, StateBooking, bookingCtx); err != nil {
		return nil, err
	}

	if bookErr := w.Executor.Book(ctx, details, *offer); bookErr != nil {
		failCtx := map[string]any{"reason": "executor_failed", "error": bookErr.Error()}
		if err := w.Machine.TransitionTo(ctx, StateFailed, failCtx); err != nil {
			// The booking watchdog beat us to it.
			w.transition(ctx, StateIdle, nil)
			return w.finish(ctx, details, OutcomeTimeout, "booking_timeout", bookErr.Error()), nil
		}
		w.transition(ctx, StateIdle, nil)
		return w.finish(ctx, details, OutcomeFailed, "executor_failed", bookErr.Error()), nil
	}

	if err := w.Machine.TransitionTo(ctx, StateSuccess, nil); err != nil {
		w.transition(ctx, StateIdle, nil)
		return w.finish(ctx, details, OutcomeTimeout, "booking_timeout", ""), nil
	}
	w.transition(ctx, StateCompleted, nil)
	w.transition(ctx, StateIdle, nil)
	return w.finish(ctx, details, OutcomeSuccess, "", ""), nil
}

// transition applies a best-effort transition on a path where the attempt's
// outcome is already decided.
func (w *DefaultBookingWorkflow) transition(ctx context.Context, state State, transitionCtx map[string]any) {
	if err := w.Machine.TransitionTo(ctx, state, transitionCtx); err != nil && w.Logger != nil {
		w.Logger.Warn("workflow transition rejected",
			zap.String("to", string(state)), zap.Error(err))
	}
}

// finish archives and reports a terminal outcome.
func (w *DefaultBookingWorkflow) finish(ctx context.Context, details models.BookingDetails, outcome, reason, errMsg string) *models.BookingRecord {
	record := w.record(details, outcome, reason, errMsg)

	if w.AuditRepo != nil {
		if _, err := w.AuditRepo.Create(ctx, *record); err != nil && w.Logger != nil {
			w.Logger.Error("failed to archive booking record", zap.Error(err))
		}
	}
	if w.Notifier != nil {
		if err := w.Notifier.NotifyBookingOutcome(ctx, *record); err != nil && w.Logger != nil {
			w.Logger.Warn("failed to notify booking outcome", zap.Error(err))
		}
	}
	return record
}

func (w *DefaultBookingWorkflow) record(details models.BookingDetails, outcome, reason, errMsg string) *models.BookingRecord {
	return &models.BookingRecord{
		ID:           details.BookingID,
		PupilID:      details.PupilID,
		PupilName:    details.PupilName,
		TestCentre:   details.TestCentre,
		OldTestDate:  details.CurrentTestDate,
		NewTestDate:  details.NewTestDate,
		Outcome:      outcome,
		Reason:       reason,
		ErrorMessage: errMsg,
		CreatedAt:    time.Now(),
	}
}

// scheduleRecheck enqueues a deferred search round through asynq.
func (w *DefaultBookingWorkflow) scheduleRecheck(ctx context.Context, details models.BookingDetails) {
	if w.TaskClient == nil {
		return
	}
	delay := w.RecheckDelay
	if delay <= 0 {
		delay = 5 * time.Minute
	}
	// The next round is a fresh attempt.
	details.BookingID = ""
	details.NewTestDate = ""

	task, opts, err := tasks.NewRecheckTask(tasks.RecheckPayload{Details: details}, time.Now().Add(delay))
	if err != nil {
		if w.Logger != nil {
			w.Logger.Error("failed to build recheck task", zap.Error(err))
		}
		return
	}
	if _, err := w.TaskClient.EnqueueContext(ctx, task, opts...); err != nil && w.Logger != nil {
		w.Logger.Error("failed to enqueue recheck task", zap.Error(err))
	}
}
