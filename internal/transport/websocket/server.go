// Package websocket streams a schedule's arrivals over a WebSocket.
//
// Clients open a connection to:
//
//	GET /{schedule}/ws
//
// The server paces the schedule exactly like repeated /wait calls would and
// pushes one frame per arrival, then a final "done" frame and a normal close.
// A frame that cannot be written is returned to the schedule.
//
// Server → client frames:
//
//	{"type":"arrival","status":"ok","arrival":3.25,"delay":0.0012}
//	{"type":"arrival","status":"missed","arrival":3.5,"delay":-0.4}
//	{"type":"done","status":"done"}
//
// Client → server control frames:
//
//	{"type":"unget","arrival":3.25}   return an arrival the client could not use
//	{"type":"stop"}                   end the stream (the schedule keeps running)
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/rld013/arrival-rate-server/internal/arrival"
	"github.com/rld013/arrival-rate-server/internal/registry"
	"github.com/rld013/arrival-rate-server/internal/scheduler"
)

const writeWait = 5 * time.Second

var upgrader = gorillaws.Upgrader{
	// Same-origin browsers and non-browser clients (no Origin header) only.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  512,
	WriteBufferSize: 1024,
}

func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Frame is the JSON structure exchanged in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Status  arrival.Outcome `json:"status"`
	Arrival *float64        `json:"arrival,omitempty"`
	Delay   float64         `json:"delay"`
}

// Handler serves the WebSocket endpoint. The schedule name is read from the
// chi URL parameter "schedule".
type Handler struct {
	Registry *registry.Registry
	Pacer    *scheduler.Pacer
	Log      zerolog.Logger
}

// ServeHTTP upgrades the connection and streams arrivals until the schedule is
// done, the client goes away, or the client sends a stop frame.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "schedule")
	e, err := h.Registry.Get(name)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	s := e.Schedule
	log := h.Log.With().Str("component", "ws").Str("schedule", name).Logger()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: control frames, and cancellation when the peer disconnects.
	go func() {
		defer cancel()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(raw, &f) != nil {
				continue
			}
			switch f.Type {
			case "stop":
				return
			case "unget":
				if f.Arrival != nil {
					h.Pacer.Return(name, s, arrival.Arrival{Outcome: arrival.OutcomeOK, Offset: *f.Arrival})
				}
			}
		}
	}()

	err = h.Pacer.Stream(ctx, name, s, func(_ context.Context, a arrival.Arrival) error {
		f := Frame{Type: "arrival", Status: a.Outcome}
		if a.Delivered() {
			off := a.Offset
			f.Arrival = &off
			f.Delay = a.Delay.Seconds()
		} else {
			f.Type = "done"
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(f)
	})

	switch {
	case errors.Is(err, scheduler.ErrDone):
		_ = conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, "done"),
			time.Now().Add(writeWait))
	case errors.Is(err, context.Canceled):
		log.Debug().Msg("stream closed by client")
	default:
		log.Warn().Err(err).Msg("stream aborted")
	}
}
