package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

func (s *Server) newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts requests without an Origin header. Otherwise the
// origin must be in security.allowed_origins, or match the request host
// when that list is empty.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get(echo.HeaderOrigin)
	if origin == "" {
		return true
	}
	if allowed := s.config.Security.AllowedOrigins; len(allowed) > 0 {
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// streamResources upgrades the connection and streams resource state
// changes. The first message is a snapshot of every resource.
func (s *Server) streamResources(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.WithError(err).WithField("origin", c.Request().Header.Get(echo.HeaderOrigin)).Warn("WebSocket upgrade failed")
		return nil
	}

	client := &Client{
		hub:  s.hub,
		conn: ws,
		send: make(chan []byte, 256),
	}

	snapshot, err := encode(Event{Type: EventSnapshot, Data: s.app.Snapshot()})
	if err != nil {
		_ = ws.Close()
		return err
	}
	client.send <- snapshot

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		_ = ws.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()
	return nil
}

func (s *Server) websocketStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"connected_clients": s.hub.ClientCount(),
		"status":            "operational",
	})
}
