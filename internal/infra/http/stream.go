package http

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"veritas/internal/domain"
	"veritas/internal/usecase"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 64
)

// Hub fans stored audit entries out to websocket subscribers. Each
// subscriber only receives entries its tenant scope can read. A single
// goroutine (Run) owns the subscriber set.
type Hub struct {
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan domain.AuditEntry
	done       chan struct{}
	upgrader   websocket.Upgrader
	logger     log.FieldLogger
}

type subscriber struct {
	conn      *websocket.Conn
	send      chan []byte
	scope     domain.TenantScope
	subjectID string
}

var _ usecase.AuditSink = (*Hub)(nil)

func NewHub(logger log.FieldLogger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan domain.AuditEntry, 256),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.WithField("component", "audit_stream"),
	}
}

// Run serves subscribers until ctx is cancelled, then closes them all.
func (h *Hub) Run(ctx context.Context) {
	subscribers := make(map[*subscriber]struct{})
	defer func() {
		close(h.done)
		for sub := range subscribers {
			close(sub.send)
		}
	}()
	for {
		select {
		case sub := <-h.register:
			subscribers[sub] = struct{}{}
			h.logger.WithField("subscribers", len(subscribers)).Debug("audit stream subscriber connected")
		case sub := <-h.unregister:
			if _, ok := subscribers[sub]; ok {
				delete(subscribers, sub)
				close(sub.send)
				h.logger.WithField("subscribers", len(subscribers)).Debug("audit stream subscriber left")
			}
		case entry := <-h.broadcast:
			msg, err := json.Marshal(entry)
			if err != nil {
				h.logger.WithError(err).WithField("entry_id", entry.ID).Error("audit stream marshal failed")
				continue
			}
			for sub := range subscribers {
				if !sub.wants(entry) {
					continue
				}
				select {
				case sub.send <- msg:
				default:
					delete(subscribers, sub)
					close(sub.send)
					h.logger.Warn("audit stream subscriber too slow; dropped")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// Publish never blocks the audit write path; entries are dropped when the
// hub is backed up or stopped.
func (h *Hub) Publish(_ context.Context, entry domain.AuditEntry) error {
	select {
	case <-h.done:
		return nil
	default:
	}
	select {
	case h.broadcast <- entry:
	default:
		h.logger.WithField("entry_id", entry.ID).Warn("audit stream backlog full; entry not streamed")
	}
	return nil
}

func (sub *subscriber) wants(entry domain.AuditEntry) bool {
	if sub.subjectID != "" && entry.SubjectID != sub.subjectID {
		return false
	}
	return sub.scope.ValidateAccess(entry.TenantID)
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.stream.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).Warn("audit stream upgrade failed")
		return
	}
	sub := &subscriber{
		conn:      conn,
		send:      make(chan []byte, streamBuffer),
		scope:     usecase.TenantScopeFrom(c.Request.Context()),
		subjectID: c.Query("subject_id"),
	}
	select {
	case s.stream.register <- sub:
	case <-s.stream.done:
		_ = conn.Close()
		return
	}
	go s.stream.writePump(sub)
	go s.stream.readPump(sub)
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only detects disconnects; the stream is server to client.
func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		select {
		case h.unregister <- sub:
		case <-h.done:
		}
		_ = sub.conn.Close()
	}()
	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
