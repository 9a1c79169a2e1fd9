package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/progressive-core/auth"
	"github.com/Digital-Creators-Team/progressive-core/pkg/events"
	"github.com/Digital-Creators-Team/progressive-core/pkg/jackpot"
	"github.com/Digital-Creators-Team/progressive-core/pkg/progressive"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	EventTypeConnected = "connected"
	EventTypeSnapshot  = "snapshot"
	EventTypeHeartbeat = "heartbeat"
)

// StreamMessage is one frame on an SSE or WebSocket stream.
type StreamMessage struct {
	Type      string      `json:"type"`
	Key       string      `json:"key,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// StreamHandler streams level values (SSE) and progressive events (WebSocket).
type StreamHandler struct {
	svc             *jackpot.Service
	hub             *events.Hub
	logger          zerolog.Logger
	heartbeatPeriod time.Duration
	bufferSize      int
	upgrader        websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(app *App, svc *jackpot.Service, hub *events.Hub) *StreamHandler {
	return &StreamHandler{
		svc:             svc,
		hub:             hub,
		logger:          app.logger.With().Str("handler", "stream").Logger(),
		heartbeatPeriod: 30 * time.Second,
		bufferSize:      256,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		closing: make(chan struct{}),
	}
}

// Close ends every open stream.
func (h *StreamHandler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// StreamValues opens an SSE stream of level value broadcasts, starting with
// a snapshot of the matching levels.
// Route: GET /api/progressives/values?pack=&game=&denom=
func (h *StreamHandler) StreamValues(c *gin.Context) {
	var filter progressive.Filter
	filter.PackName = c.Query("pack")
	var err error
	if filter.GameID, err = queryInt(c, "game"); err != nil {
		BadRequest(c, err)
		return
	}
	if filter.Denom, err = queryInt64(c, "denom"); err != nil {
		BadRequest(c, err)
		return
	}

	snapshot := h.svc.GetProgressiveLevels(filter)
	wanted := lo.SliceToMap(snapshot, func(v progressive.LevelView) (progressive.LevelKey, struct{}) {
		return v.Key, struct{}{}
	})

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	sender := &sseSender{writer: c.Writer}
	ctx := c.Request.Context()
	updates, cancel := h.svc.Listen(ctx)
	defer cancel()

	if err := sender.Send(&StreamMessage{Type: EventTypeConnected, Timestamp: time.Now().Unix()}); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send connected event, stopping stream")
		return
	}
	if err := sender.Send(&StreamMessage{Type: EventTypeSnapshot, Timestamp: time.Now().Unix(), Payload: snapshot}); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send snapshot, stopping stream")
		return
	}

	heartbeat := time.NewTicker(h.heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.closing:
			return
		case <-heartbeat.C:
			if err := sender.Send(&StreamMessage{Type: EventTypeHeartbeat, Timestamp: time.Now().Unix()}); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to send heartbeat, stopping stream")
				return
			}
		case update, ok := <-updates:
			if !ok {
				return
			}
			if _, match := wanted[update.Key]; !match {
				continue
			}
			if err := sender.Send(&StreamMessage{
				Type:      progressive.EventLevelValue,
				Key:       update.Key.String(),
				Timestamp: update.Timestamp.Unix(),
				Payload:   update,
			}); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to send value update, stopping stream")
				return
			}
		}
	}
}

// StreamEventsWebSocket opens a WebSocket carrying every progressive event.
// ?types= narrows the stream to a comma separated list of event types.
// Route: GET /api/progressives/events/ws
func (h *StreamHandler) StreamEventsWebSocket(c *gin.Context) {
	types := lo.Compact(strings.Split(c.Query("types"), ","))
	protocol, _ := auth.GetProtocol(c)
	logger := h.logger.With().Str("protocol", protocol).Logger()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}
	defer conn.Close() //nolint:errcheck

	writeDeadline := 10 * time.Second
	done := make(chan struct{})

	// Detect connection close
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn().Err(err).Msg("WebSocket connection closed unexpectedly")
				} else {
					logger.Debug().Err(err).Msg("WebSocket closed")
				}
				return
			}
		}
	}()

	sender := &wsSender{
		conn:          conn,
		done:          done,
		logger:        logger,
		writeDeadline: writeDeadline,
	}
	h.streamEvents(c.Request.Context(), types, sender, done)
}

// streamEvents forwards hub events to sender until the client goes away.
// Events are dropped rather than blocking the hub when the client is slow.
func (h *StreamHandler) streamEvents(ctx context.Context, types []string, sender messageSender, done <-chan struct{}) {
	stop := make(chan struct{})
	defer close(stop)

	out := make(chan events.Envelope, h.bufferSize)
	go h.hub.Forward(stop, h.bufferSize, func(e events.Envelope) {
		if len(types) > 0 && !lo.Contains(types, e.Type) {
			return
		}
		select {
		case out <- e:
		default:
			h.logger.Warn().Str("event_type", e.Type).Msg("Stream client too slow, event dropped")
		}
	})

	if err := sender.Send(&StreamMessage{Type: EventTypeConnected, Timestamp: time.Now().Unix()}); err != nil {
		return
	}

	ping := time.NewTicker(h.heartbeatPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-h.closing:
			return
		case <-ping.C:
			if err := sender.Ping(); err != nil {
				h.logger.Debug().Err(err).Msg("Failed to send ping")
				return
			}
		case e := <-out:
			if err := sender.Send(&StreamMessage{
				Type:      e.Type,
				Key:       e.Key,
				Timestamp: time.Now().Unix(),
				Payload:   e.Payload,
			}); err != nil {
				return
			}
		}
	}
}

// messageSender interface for sending messages (SSE or WebSocket).
type messageSender interface {
	Send(*StreamMessage) error
	Ping() error
}

// sseSender sends messages via SSE.
type sseSender struct {
	writer http.ResponseWriter
}

func (s *sseSender) Send(msg *StreamMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err = s.writer.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
		return err
	}
	if f, ok := s.writer.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *sseSender) Ping() error {
	return s.Send(&StreamMessage{Type: EventTypeHeartbeat, Timestamp: time.Now().Unix()})
}

// wsSender sends messages via WebSocket.
type wsSender struct {
	conn          *websocket.Conn
	done          <-chan struct{}
	logger        zerolog.Logger
	writeDeadline time.Duration
}

func (s *wsSender) Send(msg *StreamMessage) error {
	select {
	case <-s.done:
		return io.EOF
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeDeadline)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to set write deadline")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", msg.Type).Msg("Failed to marshal stream message")
		return err
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			s.logger.Warn().Err(err).Str("event_type", msg.Type).Msg("WebSocket write failed: connection closed")
		} else {
			s.logger.Warn().Err(err).Str("event_type", msg.Type).Int("payload_size", len(payload)).Msg("WebSocket write failed")
		}
		return err
	}
	return nil
}

func (s *wsSender) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(5*time.Second))
}
