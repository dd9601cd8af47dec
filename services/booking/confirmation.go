package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"slotwatch/database/storage"
	"slotwatch/models"
	"slotwatch/utils"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	securityTokenLength       = 32
	defaultConfirmationWindow = 30 * time.Second

	auditTypeRequest  = "confirmation_request"
	auditTypeResponse = "user_response"

	// Reason codes carried on normal (non-error) resolutions.
	ReasonUserConfirmed       = "user_confirmed"
	ReasonUserDeclined        = "user_declined"
	ReasonConfirmationTimeout = "confirmation_timeout"
	ReasonDialogDismissed     = "dialog_dismissed"
)

// ApprovalSession is one live rendering of the approval surface. The protocol
// races its channels against the countdown and closes the session exactly once.
type ApprovalSession interface {
	// Responses delivers post-backs from the surface, valid or not.
	Responses() <-chan models.ConfirmationResponse
	// Dismissed is closed when the human dismisses the surface without responding.
	Dismissed() <-chan struct{}
	// Close tears the surface down and releases its listeners.
	Close()
}

// ApprovalSurface renders booking details in a human-visible context and
// relays the response back. Present must fail fast (ErrSurfaceUnavailable)
// when the surface cannot be created.
type ApprovalSurface interface {
	Present(ctx context.Context, prompt models.ConfirmationPrompt) (ApprovalSession, error)
}

// ConfirmationManager runs the human-approval protocol in front of the
// irreversible booking action: a per-session id/token pair, a countdown, and
// integrity validation of whatever comes back.
type ConfirmationManager struct {
	surface ApprovalSurface
	store   storage.KeyValueStore
	logger  *zap.Logger
	window  time.Duration

	validate *validator.Validate

	mu       sync.Mutex
	auditLog []models.AuditEntry
}

// NewConfirmationManager returns a manager with the given approval window.
// A non-positive window selects the default 30 seconds.
func NewConfirmationManager(surface ApprovalSurface, store storage.KeyValueStore, logger *zap.Logger, window time.Duration) *ConfirmationManager {
	if window <= 0 {
		window = defaultConfirmationWindow
	}
	return &ConfirmationManager{
		surface:  surface,
		store:    store,
		logger:   logger,
		window:   window,
		validate: validator.New(),
	}
}

// RequestConfirmation puts the slot swap in front of a human and waits for
// whichever comes first: a verified response, a dismissal, or the countdown.
// A decline or timeout is a normal result with Confirmed=false; only
// validation and integrity faults are errors.
func (cm *ConfirmationManager) RequestConfirmation(ctx context.Context, details models.BookingDetails) (*models.ConfirmationResult, error) {
	if err := cm.validateDetails(details); err != nil {
		return nil, err
	}

	confirmationID := uuid.New().String()
	token, err := utils.GenerateSecurityToken(securityTokenLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create confirmation session: %w", err)
	}

	startedAt := time.Now()
	cm.recordAudit(ctx, models.AuditEntry{
		Type:           auditTypeRequest,
		ConfirmationID: confirmationID,
		Timestamp:      startedAt.UnixMilli(),
		PupilName:      details.PupilName,
		TestCentre:     details.TestCentre,
	})

	prompt := models.ConfirmationPrompt{
		ConfirmationID: confirmationID,
		SecurityToken:  token,
		Details:        details,
		TimeoutSeconds: int(cm.window / time.Second),
	}
	session, err := cm.surface.Present(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSurfaceUnavailable, err)
	}
	defer session.Close()

	countdown := time.NewTimer(cm.window)
	defer countdown.Stop()

	for {
		select {
		case resp := <-session.Responses():
			if resp.ConfirmationID != confirmationID {
				// Stale or foreign message; not an error, keep waiting.
				if cm.logger != nil {
					cm.logger.Debug("ignoring response for unknown confirmation",
						zap.String("got", resp.ConfirmationID),
						zap.String("want", confirmationID))
				}
				continue
			}
			if resp.SecurityToken != token {
				cm.auditResponse(ctx, confirmationID, startedAt, nil, "token_mismatch")
				return nil, NewResponseError("security token mismatch")
			}

			reason := resp.Reason
			if reason == "" {
				if resp.Confirmed {
					reason = ReasonUserConfirmed
				} else {
					reason = ReasonUserDeclined
				}
			}
			return cm.resolve(ctx, confirmationID, startedAt, resp.Confirmed, reason), nil

		case <-session.Dismissed():
			return cm.resolve(ctx, confirmationID, startedAt, false, ReasonDialogDismissed), nil

		case <-countdown.C:
			return cm.resolve(ctx, confirmationID, startedAt, false, ReasonConfirmationTimeout), nil

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AuditLog returns a copy of the session-scoped audit trail.
func (cm *ConfirmationManager) AuditLog() []models.AuditEntry {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	entries := make([]models.AuditEntry, len(cm.auditLog))
	copy(entries, cm.auditLog)
	return entries
}

// ClearAuditLog drops the in-memory trail. Test hook only; persisted audit
// entries are never deleted.
func (cm *ConfirmationManager) ClearAuditLog() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.auditLog = nil
}

func (cm *ConfirmationManager) validateDetails(details models.BookingDetails) error {
	if err := cm.validate.Struct(details); err != nil {
		return NewDetailsError(fmt.Sprintf("missing required field: %v", err))
	}

	now := time.Now()
	current, err := time.Parse(time.RFC3339, details.CurrentTestDate)
	if err != nil {
		return NewDetailsError(fmt.Sprintf("invalid current test date %q", details.CurrentTestDate))
	}
	newDate, err := time.Parse(time.RFC3339, details.NewTestDate)
	if err != nil {
		return NewDetailsError(fmt.Sprintf("invalid new test date %q", details.NewTestDate))
	}
	if current.Before(now) {
		return NewDetailsError("current test date is in the past")
	}
	if !newDate.After(now) {
		return NewDetailsError("new test date must be in the future")
	}
	return nil
}

// resolve records the outcome and builds the caller's result.
func (cm *ConfirmationManager) resolve(ctx context.Context, confirmationID string, startedAt time.Time, confirmed bool, reason string) *models.ConfirmationResult {
	now := time.Now()
	cm.auditResponse(ctx, confirmationID, startedAt, &confirmed, reason)
	return &models.ConfirmationResult{
		Confirmed:      confirmed,
		Reason:         reason,
		ConfirmationID: confirmationID,
		Timestamp:      now.UnixMilli(),
	}
}

func (cm *ConfirmationManager) auditResponse(ctx context.Context, confirmationID string, startedAt time.Time, confirmed *bool, reason string) {
	now := time.Now()
	cm.recordAudit(ctx, models.AuditEntry{
		Type:           auditTypeResponse,
		ConfirmationID: confirmationID,
		Timestamp:      now.UnixMilli(),
		Confirmed:      confirmed,
		Reason:         reason,
		LatencyMillis:  now.Sub(startedAt).Milliseconds(),
	})
}

// recordAudit appends to the in-memory trail and persists the entry under
// confirmation_audit_<id>_<unix ms>. Persistence failures are logged only.
func (cm *ConfirmationManager) recordAudit(ctx context.Context, entry models.AuditEntry) {
	cm.mu.Lock()
	cm.auditLog = append(cm.auditLog, entry)
	cm.mu.Unlock()

	if cm.store == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		if cm.logger != nil {
			cm.logger.Error("failed to marshal audit entry", zap.Error(err))
		}
		return
	}
	key := fmt.Sprintf("confirmation_audit_%s_%d", entry.ConfirmationID, entry.Timestamp)
	if err := cm.store.Set(ctx, key, payload, 0); err != nil && cm.logger != nil {
		cm.logger.Error("failed to persist audit entry", zap.String("key", key), zap.Error(err))
	}
}
