package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// createElicitationHandler handles POST /api/v1/elicitation.
func (s *Server) createElicitationHandler(c *echo.Context) error {
	var req CreateElicitationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}

	elic, err := s.engine.Create(
		req.Token, req.ToAgent, req.Message, req.Schema, req.TimeoutSeconds, req.Nonce)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, &CreateElicitationResponse{
		ElicitationID: elic.ID,
		CreatedAt:     elic.CreatedAt.Format(time.RFC3339Nano),
	})
}

// pendingHandler handles GET /api/v1/elicitation/pending. The optional
// wait_ms parameter blocks up to the configured bound; a transport
// disconnect cancels the wait without consuming queued items.
func (s *Server) pendingHandler(c *echo.Context) error {
	var wait time.Duration
	if v := c.QueryParam("wait_ms"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return badRequest(c, "wait_ms must be a non-negative integer")
		}
		wait = time.Duration(ms) * time.Millisecond
	}

	items, truncated, err := s.engine.Poll(c.Request().Context(), extractToken(c), wait)
	if err != nil {
		return respondError(c, err)
	}

	out := make([]PendingItem, 0, len(items))
	for _, n := range items {
		out = append(out, pendingItem(n))
	}
	return c.JSON(http.StatusOK, &PendingResponse{Elicitations: out, Truncated: truncated})
}

// respondHandler handles POST /api/v1/elicitation/respond.
func (s *Server) respondHandler(c *echo.Context) error {
	var req RespondRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}

	status, err := s.engine.Respond(
		req.Token, req.ElicitationID, req.Outcome,
		req.Data, req.Reason, req.Nonce, req.ResponseSignature)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &RespondResponse{OK: true, TerminalState: string(status)})
}

// getElicitationHandler handles GET /api/v1/elicitation/:id.
func (s *Server) getElicitationHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return badRequest(c, "elicitation id is required")
	}
	token := extractToken(c)
	sess, err := s.engine.Registry().Validate(token)
	if err != nil {
		return respondError(c, err)
	}
	elic, err := s.engine.Get(token, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, elicitationView(elic, sess.AgentID))
}

// listElicitationsHandler handles GET /api/v1/elicitations. The role
// parameter selects the caller's view: created (default) or addressed.
func (s *Server) listElicitationsHandler(c *echo.Context) error {
	token := extractToken(c)
	sess, err := s.engine.Registry().Validate(token)
	if err != nil {
		return respondError(c, err)
	}

	var elics []models.Elicitation
	switch c.QueryParam("role") {
	case "", "created":
		elics, err = s.engine.ListCreated(token)
	case "addressed":
		elics, err = s.engine.ListAddressed(token)
	default:
		return badRequest(c, "role must be created or addressed")
	}
	if err != nil {
		return respondError(c, err)
	}

	views := make([]ElicitationView, 0, len(elics))
	for _, e := range elics {
		views = append(views, elicitationView(e, sess.AgentID))
	}
	return c.JSON(http.StatusOK, &ElicitationListResponse{Elicitations: views})
}
