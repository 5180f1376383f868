package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"sixseven/internal/observe"
	"sixseven/internal/store"
)

const (
	streamWriteWait = 10 * time.Second
	subscriberBuf   = 8
)

// Hub fans job updates out to stream subscribers. It is an observer, so the
// workflow engine feeds it without knowing about websockets.
type Hub struct {
	observe.Nop

	mu   sync.Mutex
	subs map[string]map[chan store.Job]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan store.Job]struct{})}
}

// Subscribe returns a channel of updates for jobID and a func that
// unsubscribes. Slow readers only ever miss intermediate updates: the newest
// snapshot replaces the oldest queued one.
func (h *Hub) Subscribe(jobID string) (<-chan store.Job, func()) {
	ch := make(chan store.Job, subscriberBuf)
	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[chan store.Job]struct{})
		h.subs[jobID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
		})
	}
}

// Subscribers reports how many streams follow jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

func (h *Hub) JobStarted(job store.Job)   { h.publish(job) }
func (h *Hub) JobProgress(job store.Job)  { h.publish(job) }
func (h *Hub) JobCompleted(job store.Job) { h.publish(job) }

func (h *Hub) publish(job store.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[job.ID] {
		select {
		case ch <- job:
			continue
		default:
		}
		// Full: evict the oldest so the latest state always lands.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- job:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to localhost by default and carries no cookies.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamJob sends the job's current snapshot, then every update until the
// job is terminal or the client goes away.
func (s *Server) streamJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "streaming disabled")
		return
	}

	updates, unsubscribe := s.hub.Subscribe(job.ID)
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("job", store.ShortID(job.ID)).Msg("api: websocket upgrade")
		return
	}
	defer conn.Close()

	// Reads only serve to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	// Re-read after subscribing so no update between lookup and subscribe is lost.
	if fresh, err := s.store.GetJob(r.Context(), job.ID); err == nil {
		job = fresh
	}
	if !writeSnapshot(conn, job) || job.Status.IsTerminal() {
		closeStream(conn)
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case update := <-updates:
			if !update.UpdatedAt.After(job.UpdatedAt) && update.Status == job.Status {
				continue
			}
			job = update
			if !writeSnapshot(conn, job) {
				return
			}
			if job.Status.IsTerminal() {
				closeStream(conn)
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, job store.Job) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err := conn.WriteJSON(job); err != nil {
		log.Debug().Err(err).Str("job", store.ShortID(job.ID)).Msg("api: stream write")
		return false
	}
	return true
}

func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}
