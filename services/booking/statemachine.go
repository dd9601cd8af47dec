package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"slotwatch/database/storage"

	"go.uber.org/zap"
)

// State is one phase of a booking attempt's lifecycle.
type State string

const (
	StateIdle       State = "IDLE"
	StateSearching  State = "SEARCHING"
	StateFound      State = "FOUND"
	StateConfirming State = "CONFIRMING"
	StateBooking    State = "BOOKING"
	StateSuccess    State = "SUCCESS"
	StateFailed     State = "FAILED"
	StateCompleted  State = "COMPLETED"
	StateCancelled  State = "CANCELLED"
	StateNotFound   State = "NOT_FOUND"
	StateError      State = "ERROR"
	StateTimeout    State = "TIMEOUT"

	// stateEmergency only ever appears as the From of the history entry an
	// emergency stop appends. It is not a reachable state.
	stateEmergency State = "EMERGENCY"
)

// validTransitions is the whitelist of state changes. Anything not listed
// here fails with InvalidTransitionError and mutates nothing.
var validTransitions = map[State][]State{
	StateIdle:       {StateSearching, StateCancelled},
	StateSearching:  {StateFound, StateNotFound, StateError, StateCancelled},
	StateFound:      {StateConfirming, StateCancelled},
	StateConfirming: {StateBooking, StateCancelled, StateTimeout},
	StateBooking:    {StateSuccess, StateFailed, StateCancelled, StateTimeout},
	StateSuccess:    {StateCompleted},
	StateFailed:     {StateIdle, StateCancelled},
	StateCompleted:  {StateIdle},
	StateCancelled:  {StateIdle},
	StateNotFound:   {StateIdle, StateSearching},
	StateError:      {StateIdle},
	StateTimeout:    {StateIdle, StateCancelled},
}

// TransitionRecord is one entry of the machine's bounded, append-only history.
type TransitionRecord struct {
	From      State          `json:"from"`
	To        State          `json:"to"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
	Context   map[string]any `json:"context,omitempty"`
}

const (
	defaultBookingTimeout = 60 * time.Second
	defaultHistoryLimit   = 50
	defaultLockKey        = "booking_default"
)

// BookingStateMachine tracks the lifecycle of the current booking attempt.
// Every transition runs under the operation queue, keyed by the booking id
// from the merged context, so transitions for the same booking never race.
// The machine is reusable across attempts; IDLE is the only re-entry point.
type BookingStateMachine struct {
	queue  *OperationQueue
	store  storage.KeyValueStore
	logger *zap.Logger

	bookingTimeout time.Duration
	historyLimit   int

	mu           sync.Mutex
	state        State
	context      map[string]any
	history      []TransitionRecord
	timeoutTimer *time.Timer

	// cleanupHook runs after an automatic TIMEOUT transition so the caller can
	// tear down partial site state. No-op by default.
	cleanupHook func(ctx map[string]any)
}

// NewBookingStateMachine returns a machine at IDLE. Zero values for
// bookingTimeout and historyLimit select the defaults (60s, 50 entries).
func NewBookingStateMachine(queue *OperationQueue, store storage.KeyValueStore, logger *zap.Logger, bookingTimeout time.Duration, historyLimit int) *BookingStateMachine {
	if bookingTimeout <= 0 {
		bookingTimeout = defaultBookingTimeout
	}
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &BookingStateMachine{
		queue:          queue,
		store:          store,
		logger:         logger,
		bookingTimeout: bookingTimeout,
		historyLimit:   historyLimit,
		state:          StateIdle,
		context:        make(map[string]any),
	}
}

// Queue exposes the machine's serialization queue for introspection.
func (m *BookingStateMachine) Queue() *OperationQueue {
	return m.queue
}

// SetCleanupHook installs the hook invoked after a booking timeout.
func (m *BookingStateMachine) SetCleanupHook(hook func(ctx map[string]any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupHook = hook
}

// TransitionTo requests a state change. The transition is validated against
// the whitelist, recorded in history, and its side effects (timeout arming,
// result persistence) run as part of the same serialized operation. Context
// is merged, never replaced.
func (m *BookingStateMachine) TransitionTo(ctx context.Context, newState State, transitionCtx map[string]any) error {
	return m.queue.Acquire(ctx, m.lockKey(transitionCtx), func(ctx context.Context) error {
		return m.applyTransition(ctx, newState, transitionCtx)
	})
}

// Reset clears any armed timeout, forces the machine back to IDLE and drops
// context and history. Serialized like any other transition.
func (m *BookingStateMachine) Reset(ctx context.Context) error {
	return m.queue.Acquire(ctx, m.lockKey(nil), func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.disarmTimeoutLocked()
		m.state = StateIdle
		m.context = make(map[string]any)
		m.history = nil
		return nil
	})
}

// EmergencyStop is the operator escape hatch. It bypasses serialization:
// pending queue entries are rejected, any timer is disarmed, the machine is
// forced to IDLE and the sole surviving history entry is tagged
// EMERGENCY→IDLE. This is the only path allowed to ignore the whitelist.
func (m *BookingStateMachine) EmergencyStop() {
	m.queue.Clear()

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.disarmTimeoutLocked()
	m.state = StateIdle
	m.context = make(map[string]any)
	m.history = []TransitionRecord{{
		From:      stateEmergency,
		To:        StateIdle,
		Timestamp: time.Now().UnixMilli(),
		Context:   map[string]any{"previous_state": string(prev)},
	}}

	if m.logger != nil {
		m.logger.Warn("emergency stop", zap.String("previous_state", string(prev)))
	}
}

// State returns the current state.
func (m *BookingStateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a defensive copy of the merged booking context.
func (m *BookingStateMachine) Context() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyContext(m.context)
}

// History returns a defensive copy of the transition history, oldest first.
func (m *BookingStateMachine) History() []TransitionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]TransitionRecord, len(m.history))
	copy(history, m.history)
	return history
}

// IsBookingInProgress reports whether an attempt is actively underway.
func (m *BookingStateMachine) IsBookingInProgress() bool {
	switch m.State() {
	case StateSearching, StateFound, StateConfirming, StateBooking:
		return true
	}
	return false
}

// CanCancel reports whether a CANCELLED transition is currently meaningful.
func (m *BookingStateMachine) CanCancel() bool {
	return m.IsBookingInProgress()
}

// lockKey scopes serialization to the booking id, when one is known.
func (m *BookingStateMachine) lockKey(transitionCtx map[string]any) string {
	if id, ok := transitionCtx["booking_id"].(string); ok && id != "" {
		return "booking_" + id
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.context["booking_id"].(string); ok && id != "" {
		return "booking_" + id
	}
	return defaultLockKey
}

func (m *BookingStateMachine) applyTransition(ctx context.Context, newState State, transitionCtx map[string]any) error {
	m.mu.Lock()

	from := m.state
	if !transitionAllowed(from, newState) {
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: newState}
	}

	for k, v := range transitionCtx {
		m.context[k] = v
	}
	m.history = append(m.history, TransitionRecord{
		From:      from,
		To:        newState,
		Timestamp: time.Now().UnixMilli(),
		Context:   copyContext(transitionCtx),
	})
	if len(m.history) > m.historyLimit {
		m.history = m.history[len(m.history)-m.historyLimit:]
	}
	m.state = newState

	mergedCtx := copyContext(m.context)
	hook := m.cleanupHook

	// State-specific side effects run inside the same guarded operation.
	switch newState {
	case StateBooking:
		m.armTimeoutLocked()
	case StateSuccess:
		m.disarmTimeoutLocked()
	case StateFailed, StateCancelled, StateTimeout:
		m.disarmTimeoutLocked()
	}
	m.mu.Unlock()

	switch newState {
	case StateSuccess:
		m.persistSuccess(ctx, mergedCtx)
	case StateFailed:
		m.persistFailure(ctx, mergedCtx)
	case StateTimeout:
		if hook != nil {
			hook(mergedCtx)
		}
	}

	if m.logger != nil {
		m.logger.Info("booking state transition",
			zap.String("from", string(from)), zap.String("to", string(newState)))
	}
	return nil
}

func transitionAllowed(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// armTimeoutLocked starts the booking watchdog. If no further transition
// lands before it fires, the machine moves itself to TIMEOUT.
func (m *BookingStateMachine) armTimeoutLocked() {
	m.disarmTimeoutLocked()
	m.timeoutTimer = time.AfterFunc(m.bookingTimeout, func() {
		err := m.TransitionTo(context.Background(), StateTimeout, map[string]any{
			"reason": "booking_timeout",
		})
		if err != nil && m.logger != nil {
			// A transition won the race against the timer; nothing to do.
			m.logger.Debug("booking timeout fired after terminal transition", zap.Error(err))
		}
	})
}

func (m *BookingStateMachine) disarmTimeoutLocked() {
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
}

// persistSuccess writes the success record under booking_<id>. Persistence
// failures are logged only: the booking outcome must not be lost to a
// logging fault.
func (m *BookingStateMachine) persistSuccess(ctx context.Context, mergedCtx map[string]any) {
	id, _ := mergedCtx["booking_id"].(string)
	if id == "" {
		id = "unknown"
	}
	record := map[string]any{
		"booking_id":  id,
		"pupil_id":    mergedCtx["pupil_id"],
		"pupil_name":  mergedCtx["pupil_name"],
		"test_centre": mergedCtx["test_centre"],
		"test_date":   mergedCtx["new_test_date"],
		"status":      "success",
		"timestamp":   time.Now().UnixMilli(),
	}
	m.persist(ctx, "booking_"+id, record)
}

// persistFailure writes the failure record under booking_failure_<unix ms>.
func (m *BookingStateMachine) persistFailure(ctx context.Context, mergedCtx map[string]any) {
	now := time.Now().UnixMilli()
	record := map[string]any{
		"booking_id": mergedCtx["booking_id"],
		"reason":     mergedCtx["reason"],
		"error":      mergedCtx["error"],
		"status":     "failed",
		"timestamp":  now,
	}
	m.persist(ctx, fmt.Sprintf("booking_failure_%d", now), record)
}

func (m *BookingStateMachine) persist(ctx context.Context, key string, record map[string]any) {
	if m.store == nil {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("failed to marshal booking record", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if err := m.store.Set(ctx, key, payload, 0); err != nil && m.logger != nil {
		m.logger.Error("failed to persist booking record", zap.String("key", key), zap.Error(err))
	}
}

func copyContext(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
