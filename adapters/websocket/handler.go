package websocket

import (
	"github.com/labstack/echo/v4"

	"github.com/satriahrh/skincarebot/usecase"
)

// SessionContextKey is where the auth middleware stores the *usecase.Session.
const SessionContextKey = "session"

// Handler upgrades "/ws" for the session attached by the auth middleware.
func (s *Server) Handler(c echo.Context) error {
	session, ok := c.Get(SessionContextKey).(*usecase.Session)
	if !ok {
		return echo.ErrUnauthorized
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(c.Request().Context(), conn, session.ID, s.readLimit, s.dispatcher(session))
	s.hub.Register(client)
	defer s.hub.Unregister(client)

	client.Run()
	s.snapshot(client, session)

	// Wait for the client context to be done (connection closed)
	<-client.Context().Done()

	return nil
}
