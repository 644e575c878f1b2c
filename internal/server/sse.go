package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/researchd/internal/events"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// handleEvents streams job lifecycle events via Server-Sent Events.
//
// The stream opens with a "snapshot" event carrying the job's current
// view, then relays bus events verbatim until the job reaches a
// terminal state or the client disconnects. Subscribing before the
// snapshot is written means nothing published in between is lost.
//
// Example:
//
//	GET /api/v1/research/{id}/events
//
//	event: snapshot
//	data: {"job_id":"abc","status":"running","phase":2,...}
//
//	event: step_completed
//	data: {"job_id":"abc","type":"step_completed","step":"verifier",...}
//
//	event: completed
//	data: {"job_id":"abc","type":"completed","status":"completed"}
func (s *Server) handleEvents(c echo.Context) error {
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream unavailable: bus not connected")
	}

	id := c.Param("id")
	view, err := s.jobs.Status(c.Request().Context(), id)
	if err != nil {
		return jobError(err)
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	msgChan := make(chan *nats.Msg, 64)
	sub, err := s.nc.ChanSubscribe(events.JobSubjects(id), msgChan)
	if err != nil {
		return fmt.Errorf("subscribing to job events: %w", err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	snapshot, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	fmt.Fprintf(c.Response(), "event: snapshot\ndata: %s\n\n", snapshot)
	c.Response().Flush()

	// A terminal job will never emit again; the snapshot is the whole
	// story.
	if view.Status.Terminal() {
		return nil
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgChan:
			parts := strings.Split(msg.Subject, ".")
			eventType := parts[len(parts)-1]

			fmt.Fprintf(c.Response(), "event: %s\n", eventType)
			fmt.Fprintf(c.Response(), "data: %s\n\n", string(msg.Data))
			c.Response().Flush()

			switch events.Type(eventType) {
			case events.TypeCompleted, events.TypeFailed, events.TypeCancelled:
				return nil
			}

		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-c.Request().Context().Done():
			return nil
		}
	}
}
