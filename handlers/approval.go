package handlers

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"sync"

	"slotwatch/models"
	"slotwatch/services/booking"
	"slotwatch/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ApprovalHub is the HTTP-backed approval surface. Each confirmation session
// is served as a page at /confirm/<confirmationId>; the page posts the user's
// decision back with the session's security token.
type ApprovalHub struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*approvalSession
	closed   bool
}

func NewApprovalHub(logger *zap.Logger) *ApprovalHub {
	return &ApprovalHub{
		logger:   logger,
		sessions: make(map[string]*approvalSession),
	}
}

type approvalSession struct {
	prompt    models.ConfirmationPrompt
	responses chan models.ConfirmationResponse
	dismissed chan struct{}

	hub         *ApprovalHub
	dismissOnce sync.Once
	closeOnce   sync.Once
}

func (s *approvalSession) Responses() <-chan models.ConfirmationResponse {
	return s.responses
}

func (s *approvalSession) Dismissed() <-chan struct{} {
	return s.dismissed
}

func (s *approvalSession) Close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s.prompt.ConfirmationID)
	})
}

func (s *approvalSession) dismiss() {
	s.dismissOnce.Do(func() {
		close(s.dismissed)
	})
}

// Present registers a confirmation session with the hub. It fails immediately
// when the hub has been shut down or the id collides with a live session,
// which the protocol surfaces as its surface-unavailable error.
func (h *ApprovalHub) Present(_ context.Context, prompt models.ConfirmationPrompt) (booking.ApprovalSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fmt.Errorf("approval hub is shut down")
	}
	if _, exists := h.sessions[prompt.ConfirmationID]; exists {
		return nil, fmt.Errorf("confirmation %s already active", prompt.ConfirmationID)
	}

	session := &approvalSession{
		prompt:    prompt,
		responses: make(chan models.ConfirmationResponse, 4),
		dismissed: make(chan struct{}),
		hub:       h,
	}
	h.sessions[prompt.ConfirmationID] = session

	if h.logger != nil {
		h.logger.Info("approval required",
			zap.String("confirmation_id", prompt.ConfirmationID),
			zap.String("pupil", prompt.Details.PupilName),
			zap.String("url", "/confirm/"+prompt.ConfirmationID))
	}
	return session, nil
}

// Shutdown stops the hub accepting new sessions.
func (h *ApprovalHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *ApprovalHub) remove(confirmationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, confirmationID)
}

func (h *ApprovalHub) lookup(confirmationID string) (*approvalSession, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	session, ok := h.sessions[confirmationID]
	return session, ok
}

// GetConfirmationPage renders the approval page for a live session.
func (h *ApprovalHub) GetConfirmationPage(c *gin.Context) {
	confirmationID := c.Param("confirmationId")
	session, ok := h.lookup(confirmationID)
	if !ok {
		utils.JSONError(c, http.StatusNotFound, "unknown confirmation", confirmationID)
		return
	}

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := confirmationPage.Execute(c.Writer, session.prompt); err != nil && h.logger != nil {
		h.logger.Error("failed to render confirmation page", zap.Error(err))
	}
}

// PostConfirmationResponse accepts the decision posted back by the approval
// page and forwards it to the waiting session. An unknown confirmationId is
// ignored with a 404, not treated as a protocol error.
func (h *ApprovalHub) PostConfirmationResponse(c *gin.Context) {
	var resp models.ConfirmationResponse
	if err := c.ShouldBindJSON(&resp); err != nil {
		utils.JSONError(c, http.StatusBadRequest, "invalid response payload", err.Error())
		return
	}
	if resp.Type != models.ConfirmationResponseType {
		utils.JSONError(c, http.StatusBadRequest, "unexpected message type", resp.Type)
		return
	}
	if resp.UserAgent == "" {
		resp.UserAgent = c.Request.UserAgent()
	}

	session, ok := h.lookup(resp.ConfirmationID)
	if !ok {
		utils.JSONError(c, http.StatusNotFound, "unknown confirmation", resp.ConfirmationID)
		return
	}

	select {
	case session.responses <- resp:
		c.JSON(http.StatusOK, gin.H{"status": "received"})
	default:
		// The session already has an unread response in flight.
		c.JSON(http.StatusConflict, gin.H{"status": "busy"})
	}
}

// PostDismiss reports that the human closed the approval page without
// responding.
func (h *ApprovalHub) PostDismiss(c *gin.Context) {
	confirmationID := c.Param("confirmationId")
	session, ok := h.lookup(confirmationID)
	if !ok {
		utils.JSONError(c, http.StatusNotFound, "unknown confirmation", confirmationID)
		return
	}
	session.dismiss()
	c.JSON(http.StatusOK, gin.H{"status": "dismissed"})
}

var confirmationPage = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html>
<head><title>Confirm booking</title></head>
<body>
  <h1>Confirm test booking</h1>
  <p><strong>Warning:</strong> this action is irreversible. Your current test
  slot will be released as part of the rebooking.</p>
  <ul>
    <li>Pupil: {{.Details.PupilName}}</li>
    <li>Test centre: {{.Details.TestCentre}}</li>
    <li>Current test: {{.Details.CurrentTestDate}}</li>
    <li>New test: {{.Details.NewTestDate}}</li>
  </ul>
  <p>Time remaining: <span id="countdown">{{.TimeoutSeconds}}</span>s</p>
  <button onclick="respond(true)">Approve</button>
  <button onclick="respond(false)">Decline</button>
  <script>
    var remaining = {{.TimeoutSeconds}};
    var timer = setInterval(function () {
      remaining--;
      document.getElementById("countdown").textContent = remaining;
      if (remaining <= 0) { clearInterval(timer); }
    }, 1000);
    function respond(confirmed) {
      clearInterval(timer);
      fetch("/api/confirmation/response", {
        method: "POST",
        headers: {"Content-Type": "application/json"},
        body: JSON.stringify({
          type: "CONFIRMATION_RESPONSE",
          confirmation_id: "{{.ConfirmationID}}",
          confirmed: confirmed,
          reason: confirmed ? "user_confirmed" : "user_declined",
          user_agent: navigator.userAgent,
          security_token: "{{.SecurityToken}}"
        })
      }).then(function () { document.body.innerHTML = "<p>Response recorded.</p>"; });
    }
  </script>
</body>
</html>
`))
