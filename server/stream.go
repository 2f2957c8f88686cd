package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mlflare/mlflare-go/types"
)

type watcher struct {
	runID string
	ch    chan types.StreamMessage
}

type eventStream struct {
	mu       sync.RWMutex
	nextID   int
	closed   bool
	watchers map[int]watcher
}

func newEventStream() *eventStream {
	return &eventStream{watchers: map[int]watcher{}}
}

// subscribe registers a watcher for runID. The channel is closed on
// unsubscribe or when the server shuts down.
func (s *eventStream) subscribe(runID string, buffer int) (int, <-chan types.StreamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan types.StreamMessage, buffer)
	if s.closed {
		close(ch)
		return -1, ch
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = watcher{runID: runID, ch: ch}
	return id, ch
}

func (s *eventStream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.watchers[id]; ok {
		delete(s.watchers, id)
		close(w.ch)
	}
}

// publish never blocks: a watcher whose buffer is full misses the message.
func (s *eventStream) publish(msg types.StreamMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watchers {
		if w.runID != msg.RunID {
			continue
		}
		select {
		case w.ch <- msg:
		default:
		}
	}
}

func (s *eventStream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, w := range s.watchers {
		delete(s.watchers, id)
		close(w.ch)
	}
}

func (s *eventStream) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers)
}

// follow sends the run's stored points as one backlog frame, then live
// frames until the run finishes, ctx ends or send fails. A point logged
// while the backlog is loading may be delivered twice.
func (s *Server) follow(ctx context.Context, runID string, send func(types.StreamMessage) error) error {
	id, ch := s.stream.subscribe(runID, 128)
	defer s.stream.unsubscribe(id)

	run, err := s.cfg.Store.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	points, err := s.cfg.Store.ListMetrics(ctx, runID, "")
	if err != nil {
		return err
	}
	if err := send(types.StreamMessage{Type: types.StreamBacklog, RunID: runID, Points: points, Status: run.Status}); err != nil {
		return err
	}
	if run.Status.Terminal() {
		return send(types.StreamMessage{Type: types.StreamDone, RunID: runID, Status: run.Status})
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := send(msg); err != nil {
				return err
			}
			if msg.Type == types.StreamDone {
				return nil
			}
		case <-heartbeat.C:
			if err := send(types.StreamMessage{Type: types.StreamHeartbeat, RunID: runID}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	if _, err := s.cfg.Store.LoadRun(r.Context(), runID); err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.follow(r.Context(), runID, func(msg types.StreamMessage) error {
		payload, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		log.Printf("sse stream for run %s ended: %v", runID, err)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Requests are already authenticated by token.
	CheckOrigin: func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, runID string) {
	if _, err := s.cfg.Store.LoadRun(r.Context(), runID); err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.follow(ctx, runID, func(msg types.StreamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(msg)
	})
	if err != nil {
		log.Printf("websocket stream for run %s ended: %v", runID, err)
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished"))
}
