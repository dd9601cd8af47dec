package models

// ConfirmationResponseType is the message type the approval surface posts back.
const ConfirmationResponseType = "CONFIRMATION_RESPONSE"

// ConfirmationResponse is the message delivered from the approval surface back
// to the requesting context.
type ConfirmationResponse struct {
	Type           string `json:"type"`
	ConfirmationID string `json:"confirmation_id"`
	Confirmed      bool   `json:"confirmed"`
	Reason         string `json:"reason,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	SecurityToken  string `json:"security_token"`
}

// ConfirmationResult is what RequestConfirmation resolves with. A declined or
// timed-out confirmation is a normal result, not an error.
type ConfirmationResult struct {
	Confirmed      bool   `json:"confirmed"`
	Reason         string `json:"reason"`
	ConfirmationID string `json:"confirmation_id"`
	Timestamp      int64  `json:"timestamp"` // Unix milliseconds
}

// ConfirmationPrompt is what the approval surface renders: the booking details
// plus the session identifiers it must echo back.
type ConfirmationPrompt struct {
	ConfirmationID string         `json:"confirmation_id"`
	SecurityToken  string         `json:"security_token"`
	Details        BookingDetails `json:"details"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// AuditEntry is one append-only record of a confirmation request or response.
type AuditEntry struct {
	Type           string `bson:"type" json:"type"` // "confirmation_request" or "user_response"
	ConfirmationID string `bson:"confirmation_id" json:"confirmation_id"`
	Timestamp      int64  `bson:"timestamp" json:"timestamp"` // Unix milliseconds
	Confirmed      *bool  `bson:"confirmed,omitempty" json:"confirmed,omitempty"`
	Reason         string `bson:"reason,omitempty" json:"reason,omitempty"`
	LatencyMillis  int64  `bson:"latency_ms,omitempty" json:"latency_ms,omitempty"`
	PupilName      string `bson:"pupil_name,omitempty" json:"pupil_name,omitempty"`
	TestCentre     string `bson:"test_centre,omitempty" json:"test_centre,omitempty"`
}
