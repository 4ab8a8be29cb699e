package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"evalgo.org/apphost/pkg/health"
)

// LiveTag marks checks that /alive runs.
const LiveTag = "live"

// healthCheck runs every registered check, or those tagged with ?tag=.
func (s *Server) healthCheck(c echo.Context) error {
	tag := c.QueryParam("tag")
	var filter func(health.Registration) bool
	if tag != "" {
		filter = func(r health.Registration) bool { return r.HasTag(tag) }
	}
	return s.report(c, filter)
}

// alive runs only the liveness checks; with none registered the process is
// alive as long as it answers.
func (s *Server) alive(c echo.Context) error {
	return s.report(c, func(r health.Registration) bool { return r.HasTag(LiveTag) })
}

func (s *Server) report(c echo.Context, filter func(health.Registration) bool) error {
	ctx := c.Request().Context()
	if s.config.Health.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Health.Timeout)
		defer cancel()
	}

	report := s.app.Health().Run(ctx, filter)

	code := http.StatusOK
	if report.Status == health.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}
