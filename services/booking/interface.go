package booking

import (
	"context"

	"slotwatch/models"
)

// SlotSource finds earlier appointment slots. The scraping implementation
// lives outside this module; a nil offer with a nil error means no earlier
// slot is currently available.
type SlotSource interface {
	FindEarlierSlot(ctx context.Context, details models.BookingDetails) (*models.SlotOffer, error)
}

// BookingExecutor performs the irreversible booking on the third-party site.
type BookingExecutor interface {
	Book(ctx context.Context, details models.BookingDetails, offer models.SlotOffer) error
}

// BookingWorkflow drives one watched booking attempt end to end.
type BookingWorkflow interface {
	RunAttempt(ctx context.Context, details models.BookingDetails) (*models.BookingRecord, error)
}
