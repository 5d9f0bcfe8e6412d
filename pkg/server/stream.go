package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/semanticd/internal/event"
)

const (
	wsWriteTimeout = 10 * time.Second

	// wsBufferSize bounds the per-client event queue. Broker delivery must
	// never block on a slow websocket, so the handler drops events once
	// the queue is full.
	wsBufferSize = 64
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleEventStream upgrades the connection and forwards broker events as
// JSON frames. An optional ?type= query narrows the subscription; the
// default is every event.
func (s *Server) handleEventStream(c echo.Context) error {
	eventType := c.QueryParam("type")
	if eventType == "" {
		eventType = "*"
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	queue := make(chan *event.Event, wsBufferSize)
	subID, err := s.deps.Broker.Subscribe(&event.Subscription{
		SubscriberID: "Stream:" + uuid.NewString(),
		EventTypes:   []string{eventType},
		Handler: func(_ context.Context, ev *event.Event) event.Result {
			select {
			case queue <- ev:
			default:
				// Slow client; drop rather than stall delivery.
			}
			return event.Ack()
		},
		Active: true,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := s.deps.Broker.Unsubscribe(subID); err != nil {
			s.logger.Warn("stream unsubscribe failed", zap.Error(err))
		}
	}()

	// Reader goroutine notices client disconnects; the stream is
	// write-only otherwise.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case ev := <-queue:
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		}
	}
}
