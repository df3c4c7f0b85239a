package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Control messages accepted on the management channel.
const (
	MessageClearCache = "clear-cache"
	MessageClearQueue = "clear-queue"
	MessageStop       = "stop"
	MessagePing       = "ping"
	MessageSync       = "sync"
)

var ErrUnknownMessage = errors.New("unknown control message")

// Ack acknowledges a control message.
type Ack struct {
	Message string      `json:"message"`
	OK      bool        `json:"ok"`
	Echo    string      `json:"echo,omitempty"`
	Sync    *SyncResult `json:"sync,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Control applies one management message. Unknown messages return
// ErrUnknownMessage.
func (s *Service) Control(ctx context.Context, message string) (Ack, error) {
	ack := Ack{Message: message, OK: true}
	switch message {
	case MessageClearCache:
		if err := s.cache.Clear(); err != nil {
			return failedAck(message, err), err
		}
		s.logger.Info().Msg("cache cleared")
	case MessageClearQueue:
		if err := s.queue.Clear(ctx); err != nil {
			return failedAck(message, err), err
		}
		s.logger.Info().Msg("queue cleared")
	case MessageStop:
		if s.stopped.CompareAndSwap(false, true) {
			s.logger.Warn().Msg("interception stopped, passing every request through until restart")
		}
	case MessagePing:
		ack.Echo = MessagePing
	case MessageSync:
		res, err := s.Sync(ctx)
		if err != nil {
			return failedAck(message, err), err
		}
		ack.Sync = &res
	default:
		err := fmt.Errorf("%w: %q", ErrUnknownMessage, message)
		return failedAck(message, err), err
	}
	return ack, nil
}

func failedAck(message string, err error) Ack {
	return Ack{Message: message, OK: false, Error: err.Error()}
}

// AdminHandler serves the management endpoints: control messages, the queue
// listing, metrics, the telemetry stream and a health check.
func (s *Service) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /control/{message}", s.handleControl)
	mux.HandleFunc("GET /queue", s.handleQueue)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /observe", s.hub.HandleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":      true,
			"online":  s.conn.Online(),
			"stopped": s.stopped.Load(),
		})
	})
	return mux
}

func (s *Service) handleControl(w http.ResponseWriter, r *http.Request) {
	// The message outlives an impatient admin client.
	ack, err := s.Control(context.WithoutCancel(r.Context()), r.PathValue("message"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, ack)
	case errors.Is(err, ErrUnknownMessage):
		writeJSON(w, http.StatusBadRequest, ack)
	default:
		s.logger.Error().Err(err).Str("message", ack.Message).Msg("control message failed")
		writeJSON(w, http.StatusInternalServerError, ack)
	}
}

func (s *Service) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.Entries(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
