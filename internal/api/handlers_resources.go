package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"evalgo.org/apphost/models"
)

// ResourceList is the body of GET /api/v1/resources. Count is the number
// of matching resources before pagination.
type ResourceList struct {
	Application string                    `json:"application"`
	Count       int                       `json:"count"`
	Limit       int                       `json:"limit"`
	Offset      int                       `json:"offset"`
	Resources   []models.ResourceSnapshot `json:"resources"`
}

func (s *Server) listResources(c echo.Context) error {
	snaps := s.app.Snapshot()

	if state := c.QueryParam("state"); state != "" {
		filtered := snaps[:0]
		for _, snap := range snaps {
			if string(snap.State) == state {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}
	if typ := c.QueryParam("type"); typ != "" {
		filtered := snaps[:0]
		for _, snap := range snaps {
			if snap.Type == typ {
				filtered = append(filtered, snap)
			}
		}
		snaps = filtered
	}

	limit, offset := parsePagination(c)
	return c.JSON(http.StatusOK, ResourceList{
		Application: s.app.Name(),
		Count:       len(snaps),
		Limit:       limit,
		Offset:      offset,
		Resources:   paginate(snaps, limit, offset),
	})
}

func (s *Server) getResource(c echo.Context) error {
	name := c.Param("name")
	for _, snap := range s.app.Snapshot() {
		if strings.EqualFold(snap.Name, name) {
			return c.JSON(http.StatusOK, snap)
		}
	}
	return NotFoundError("Resource", name)
}
