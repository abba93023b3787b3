package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tokoadmin/backend/internal/events"
	"tokoadmin/backend/internal/service"
	"tokoadmin/backend/internal/session"
)

const (
	eventSessionLost = "session-lost"
	eventSignedOut   = "signed-out"
)

// handleStream serves inventory snapshots (and, for admins, today's sales
// snapshots) as Server-Sent Events. An admin stream also keeps the admin
// session alive; when the claim is lost the stream says so and ends.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	actor, ok := service.ActorFromContext(r.Context())
	if !ok {
		a.fail(w, r, service.ErrUnauthenticated)
		return
	}
	if a.stream == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("live updates are not configured"))
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inventory := a.stream.Subscribe(ctx, events.TopicInventory)
	var sales <-chan events.Event
	lost := make(chan error, 1)
	if actor.IsAdmin() {
		sales = a.stream.Subscribe(ctx, events.TopicSales)
		go func() {
			if err := a.service.KeepAdminSession(ctx, a.heartbeatInterval); err != nil {
				lost <- err
			}
		}()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		a.logger.Warn(r.Context(), "stream flush unsupported", err)
		return
	}

	a.metrics.StreamOpened()
	defer a.metrics.StreamClosed()

	ping := time.NewTicker(a.keepAlive)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case event, ok := <-inventory:
			if !ok {
				return
			}
			err = writeEvent(w, event.Type, event)
		case event, ok := <-sales:
			if !ok {
				return
			}
			err = writeEvent(w, event.Type, event)
		case cause := <-lost:
			if errors.Is(cause, service.ErrSignedOut) {
				_ = writeEvent(w, eventSignedOut, map[string]string{"reason": "logout"})
				_ = rc.Flush()
				return
			}
			reason := session.ReasonActiveElsewhere
			if !errors.Is(cause, session.ErrClaimLost) {
				reason = cause.Error()
			}
			a.logger.Warn(r.Context(), "admin session lost on stream", cause)
			_ = writeEvent(w, eventSessionLost, map[string]string{"reason": reason})
			_ = rc.Flush()
			return
		case <-ping.C:
			_, err = fmt.Fprint(w, ": ping\n\n")
		}
		if err == nil {
			err = rc.Flush()
		}
		if err != nil {
			a.logger.Debug(r.Context(), "stream client gone")
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
