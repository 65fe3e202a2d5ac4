package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// createSessionHandler handles POST /api/v1/session.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.AgentID == "" {
		return badRequest(c, "agent_id is required")
	}

	// Use the client-supplied hint when present; otherwise fall back to the
	// observed remote address.
	ipHint := req.IPHint
	if ipHint == "" {
		ipHint = c.RealIP()
	}

	sess, token, err := s.engine.Registry().CreateSession(req.AgentID, ipHint, req.UserAgent)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, &CreateSessionResponse{
		SessionID: sess.ID,
		Token:     token,
		CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
	})
}

// revokeSessionHandler handles POST /api/v1/session/revoke.
func (s *Server) revokeSessionHandler(c *echo.Context) error {
	var req RevokeSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}
	if err := s.engine.Registry().Revoke(req.Token); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &OKResponse{OK: true})
}
