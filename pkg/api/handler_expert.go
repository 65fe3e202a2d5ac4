package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// registerExpertHandler handles POST /api/v1/expert/register.
func (s *Server) registerExpertHandler(c *echo.Context) error {
	var req RegisterExpertRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Token == "" {
		return badRequest(c, "token is required")
	}

	err := s.engine.Registry().RegisterExpert(
		req.Token, req.Capabilities, models.Availability(req.Availability))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, &OKResponse{OK: true})
}

// listExpertsHandler handles GET /api/v1/experts. Requires a valid session;
// supports an optional capability filter.
func (s *Server) listExpertsHandler(c *echo.Context) error {
	if _, err := s.engine.Registry().Validate(extractToken(c)); err != nil {
		return respondError(c, err)
	}

	experts := s.engine.Registry().ListExperts(c.QueryParam("capability"))
	out := make([]ExpertView, 0, len(experts))
	for _, e := range experts {
		out = append(out, ExpertView{
			AgentID:      e.AgentID,
			Capabilities: e.Capabilities,
			Availability: string(e.Availability),
			RegisteredAt: e.RegisteredAt.Format(time.RFC3339Nano),
		})
	}
	return c.JSON(http.StatusOK, &ExpertListResponse{Experts: out})
}
