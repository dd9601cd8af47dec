package models

import "time"

// BookingDetails describes the slot swap put in front of the user for approval.
// All fields are required; dates are RFC 3339.
type BookingDetails struct {
	BookingID       string `json:"booking_id,omitempty"`
	PupilID         string `json:"pupil_id,omitempty"`
	PupilName       string `json:"pupil_name" validate:"required"`
	TestCentre      string `json:"test_centre" validate:"required"`
	CurrentTestDate string `json:"current_test_date" validate:"required"`
	NewTestDate     string `json:"new_test_date" validate:"required"`
}

// BookingRecord is the terminal outcome of one booking attempt, archived for
// later inspection.
type BookingRecord struct {
	ID           string    `bson:"id" json:"id"`                             // Unique booking identifier (UUID)
	PupilID      string    `bson:"pupil_id" json:"pupil_id"`                 // Pupil the slot was booked for
	PupilName    string    `bson:"pupil_name" json:"pupil_name"`
	TestCentre   string    `bson:"test_centre" json:"test_centre"`           // Centre the new slot belongs to
	OldTestDate  string    `bson:"old_test_date" json:"old_test_date"`       // Slot given up
	NewTestDate  string    `bson:"new_test_date" json:"new_test_date"`       // Slot secured (or attempted)
	Outcome      string    `bson:"outcome" json:"outcome"`                   // "success", "failed", "timeout"
	Reason       string    `bson:"reason,omitempty" json:"reason,omitempty"` // Failure reason, if any
	ErrorMessage string    `bson:"error,omitempty" json:"error,omitempty"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`             // When the outcome was recorded
}

// SlotOffer is an earlier slot reported by the search collaborator.
type SlotOffer struct {
	TestCentre string `json:"test_centre"`
	Date       string `json:"date"` // RFC 3339
}
