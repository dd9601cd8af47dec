package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"slotwatch/database/storage"
	"slotwatch/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	responses chan models.ConfirmationResponse
	dismissed chan struct{}

	mu     sync.Mutex
	closed int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		responses: make(chan models.ConfirmationResponse, 4),
		dismissed: make(chan struct{}),
	}
}

func (s *fakeSession) Responses() <-chan models.ConfirmationResponse { return s.responses }
func (s *fakeSession) Dismissed() <-chan struct{}                    { return s.dismissed }
func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSurface struct {
	session    *fakeSession
	presentErr error

	mu        sync.Mutex
	presented []models.ConfirmationPrompt
	announce  chan models.ConfirmationPrompt
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		session:  newFakeSession(),
		announce: make(chan models.ConfirmationPrompt, 1),
	}
}

func (f *fakeSurface) Present(_ context.Context, prompt models.ConfirmationPrompt) (ApprovalSession, error) {
	if f.presentErr != nil {
		return nil, f.presentErr
	}
	f.mu.Lock()
	f.presented = append(f.presented, prompt)
	f.mu.Unlock()
	f.announce <- prompt
	return f.session, nil
}

func (f *fakeSurface) presentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.presented)
}

func validDetails() models.BookingDetails {
	return models.BookingDetails{
		BookingID:       "bk-1",
		PupilID:         "pp-1",
		PupilName:       "Ada Lovelace",
		TestCentre:      "Croydon",
		CurrentTestDate: time.Now().Add(60 * 24 * time.Hour).Format(time.RFC3339),
		NewTestDate:     time.Now().Add(7 * 24 * time.Hour).Format(time.RFC3339),
	}
}

func newTestConfirmer(surface ApprovalSurface, window time.Duration) (*ConfirmationManager, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewConfirmationManager(surface, store, zap.NewNop(), window), store
}

func TestRequestConfirmationRejectsInvalidDetails(t *testing.T) {
	past := time.Now().Add(-24 * time.Hour).Format(time.RFC3339)
	future := time.Now().Add(24 * time.Hour).Format(time.RFC3339)

	tests := []struct {
		name   string
		mutate func(*models.BookingDetails)
	}{
		{name: "missing pupil name", mutate: func(d *models.BookingDetails) { d.PupilName = "" }},
		{name: "missing test centre", mutate: func(d *models.BookingDetails) { d.TestCentre = "" }},
		{name: "missing current date", mutate: func(d *models.BookingDetails) { d.CurrentTestDate = "" }},
		{name: "missing new date", mutate: func(d *models.BookingDetails) { d.NewTestDate = "" }},
		{name: "garbage current date", mutate: func(d *models.BookingDetails) { d.CurrentTestDate = "next tuesday" }},
		{name: "garbage new date", mutate: func(d *models.BookingDetails) { d.NewTestDate = "2031-13-45" }},
		{name: "past current date", mutate: func(d *models.BookingDetails) { d.CurrentTestDate = past }},
		{name: "past new date", mutate: func(d *models.BookingDetails) { d.NewTestDate = past; d.CurrentTestDate = future }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			surface := newFakeSurface()
			cm, _ := newTestConfirmer(surface, time.Second)

			details := validDetails()
			tc.mutate(&details)

			_, err := cm.RequestConfirmation(context.Background(), details)
			var detailsErr *DetailsError
			require.ErrorAs(t, err, &detailsErr)

			// Fails fast: no approval surface, no audit entries.
			assert.Equal(t, 0, surface.presentCount())
			assert.Empty(t, cm.AuditLog())
		})
	}
}

func TestRequestConfirmationApproved(t *testing.T) {
	surface := newFakeSurface()
	cm, store := newTestConfirmer(surface, 5*time.Second)

	go func() {
		prompt := <-surface.announce
		surface.session.responses <- models.ConfirmationResponse{
			Type:           models.ConfirmationResponseType,
			ConfirmationID: prompt.ConfirmationID,
			Confirmed:      true,
			SecurityToken:  prompt.SecurityToken,
		}
	}()

	result, err := cm.RequestConfirmation(context.Background(), validDetails())
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
	assert.Equal(t, ReasonUserConfirmed, result.Reason)
	assert.NotEmpty(t, result.ConfirmationID)
	assert.Equal(t, 1, surface.session.closeCount())

	audit := cm.AuditLog()
	require.Len(t, audit, 2)
	assert.Equal(t, "confirmation_request", audit[0].Type)
	assert.Equal(t, "user_response", audit[1].Type)
	require.NotNil(t, audit[1].Confirmed)
	assert.True(t, *audit[1].Confirmed)
	assert.GreaterOrEqual(t, audit[1].LatencyMillis, int64(0))

	// Both entries were persisted too.
	assert.Len(t, store.Keys(), 2)
}

func TestRequestConfirmationDeclined(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 5*time.Second)

	go func() {
		prompt := <-surface.announce
		surface.session.responses <- models.ConfirmationResponse{
			Type:           models.ConfirmationResponseType,
			ConfirmationID: prompt.ConfirmationID,
			Confirmed:      false,
			SecurityToken:  prompt.SecurityToken,
		}
	}()

	result, err := cm.RequestConfirmation(context.Background(), validDetails())
	require.NoError(t, err)
	assert.False(t, result.Confirmed)
	assert.Equal(t, ReasonUserDeclined, result.Reason)
}

func TestRequestConfirmationTimesOut(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 50*time.Millisecond)

	start := time.Now()
	result, err := cm.RequestConfirmation(context.Background(), validDetails())
	require.NoError(t, err)
	assert.False(t, result.Confirmed)
	assert.Equal(t, ReasonConfirmationTimeout, result.Reason)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, surface.session.closeCount())
}

func TestRequestConfirmationDismissed(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 5*time.Second)

	go func() {
		<-surface.announce
		close(surface.session.dismissed)
	}()

	result, err := cm.RequestConfirmation(context.Background(), validDetails())
	require.NoError(t, err)
	assert.False(t, result.Confirmed)
	assert.Equal(t, ReasonDialogDismissed, result.Reason)
}

func TestMismatchedConfirmationIDIsIgnored(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 5*time.Second)

	go func() {
		prompt := <-surface.announce
		// Foreign message first; it must not resolve the session either way.
		surface.session.responses <- models.ConfirmationResponse{
			Type:           models.ConfirmationResponseType,
			ConfirmationID: "someone-else",
			Confirmed:      true,
			SecurityToken:  "whatever",
		}
		surface.session.responses <- models.ConfirmationResponse{
			Type:           models.ConfirmationResponseType,
			ConfirmationID: prompt.ConfirmationID,
			Confirmed:      true,
			SecurityToken:  prompt.SecurityToken,
		}
	}()

	result, err := cm.RequestConfirmation(context.Background(), validDetails())
	require.NoError(t, err)
	assert.True(t, result.Confirmed)
}

func TestMismatchedSecurityTokenRejectsCall(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 5*time.Second)

	go func() {
		prompt := <-surface.announce
		surface.session.responses <- models.ConfirmationResponse{
			Type:           models.ConfirmationResponseType,
			ConfirmationID: prompt.ConfirmationID,
			Confirmed:      true,
			SecurityToken:  "forged-token",
		}
	}()

	result, err := cm.RequestConfirmation(context.Background(), validDetails())
	assert.Nil(t, result)

	var respErr *ResponseError
	require.ErrorAs(t, err, &respErr)

	// The forged approval is audited as a rejection, not as confirmed.
	audit := cm.AuditLog()
	require.Len(t, audit, 2)
	assert.Equal(t, "token_mismatch", audit[1].Reason)
	assert.Nil(t, audit[1].Confirmed)
}

func TestSurfaceFailureFailsImmediately(t *testing.T) {
	surface := newFakeSurface()
	surface.presentErr = fmt.Errorf("popup blocked by host")
	cm, _ := newTestConfirmer(surface, 5*time.Second)

	start := time.Now()
	_, err := cm.RequestConfirmation(context.Background(), validDetails())
	require.ErrorIs(t, err, ErrSurfaceUnavailable)
	assert.Less(t, time.Since(start), time.Second, "must not wait for the countdown")
}

func TestSessionResolvesExactlyOnce(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 5*time.Second)

	go func() {
		prompt := <-surface.announce
		surface.session.responses <- models.ConfirmationResponse{
			Type:           models.ConfirmationResponseType,
			ConfirmationID: prompt.ConfirmationID,
			Confirmed:      false,
			SecurityToken:  prompt.SecurityToken,
		}
	}()

	result, err := cm.RequestConfirmation(context.Background(), validDetails())
	require.NoError(t, err)
	assert.False(t, result.Confirmed)

	entries := len(cm.AuditLog())

	// A late approval after resolution goes nowhere.
	surface.session.responses <- models.ConfirmationResponse{
		Type:           models.ConfirmationResponseType,
		ConfirmationID: result.ConfirmationID,
		Confirmed:      true,
	}
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, cm.AuditLog(), entries)
}

func TestTokensAreUniquePerSession(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 50*time.Millisecond)

	seenTokens := map[string]bool{}
	seenIDs := map[string]bool{}
	for i := 0; i < 3; i++ {
		go func() {
			prompt := <-surface.announce
			surface.session.responses <- models.ConfirmationResponse{
				Type:           models.ConfirmationResponseType,
				ConfirmationID: prompt.ConfirmationID,
				Confirmed:      false,
				SecurityToken:  prompt.SecurityToken,
			}
		}()
		result, err := cm.RequestConfirmation(context.Background(), validDetails())
		require.NoError(t, err)
		assert.False(t, seenIDs[result.ConfirmationID], "confirmation id reused")
		seenIDs[result.ConfirmationID] = true
	}

	for _, prompt := range surface.presented {
		assert.False(t, seenTokens[prompt.SecurityToken], "security token reused")
		assert.Len(t, prompt.SecurityToken, 32)
		seenTokens[prompt.SecurityToken] = true
	}
}

func TestRequestConfirmationHonoursContext(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-surface.announce
		cancel()
	}()

	_, err := cm.RequestConfirmation(ctx, validDetails())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestClearAuditLog(t *testing.T) {
	surface := newFakeSurface()
	cm, _ := newTestConfirmer(surface, 50*time.Millisecond)

	_, err := cm.RequestConfirmation(context.Background(), validDetails())
	require.NoError(t, err)
	require.NotEmpty(t, cm.AuditLog())

	cm.ClearAuditLog()
	assert.Empty(t, cm.AuditLog())
}
