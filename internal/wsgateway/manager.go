// Package wsgateway implements the per-task WebSocket duplex bridge: a
// Registry bounding how many tasks may have live connections at once, and a
// per-task Manager bounding how many clients may watch one task and fanning
// out broadcasts to each over a bounded per-client queue so one slow reader
// cannot stall the others.
package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"flowrunner/internal/apierr"
	"flowrunner/internal/bus"
	"flowrunner/internal/models"
	"flowrunner/internal/telemetry"
)

// Conn is the minimal surface a transport connection must provide; the
// gorilla/websocket adapter in gateway.go implements it.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// wsMessage is one envelope queued for a client's writer. terminal marks
// the task-ending termination envelope, at which point the writer closes
// its connection rather than waiting for the client to disconnect.
type wsMessage struct {
	payload  json.RawMessage
	terminal bool
}

// Manager fans out broadcasts to every client currently watching one task.
// It owns exactly one goroutine following the task's output stream for its
// entire lifetime, regardless of how many clients connect and disconnect,
// so the stream is never read or re-broadcast once per connection.
type Manager struct {
	taskID     string
	bus        *bus.Bus
	maxClients int
	queueSize  int

	mu       sync.Mutex
	clients  map[int64]chan wsMessage
	nextID   int64
	lastUsed time.Time
	logger   *slog.Logger

	stop context.CancelFunc
}

func newManager(ctx context.Context, taskID string, b *bus.Bus, maxClients, queueSize int, logger *slog.Logger) *Manager {
	followCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		taskID:     taskID,
		bus:        b,
		maxClients: maxClients,
		queueSize:  queueSize,
		clients:    make(map[int64]chan wsMessage),
		lastUsed:   time.Now(),
		logger:     logger,
		stop:       cancel,
	}
	go m.follow(followCtx)
	return m
}

// AddClient registers conn, seeds its queue with the joining client's own
// history backlog, and starts its writer goroutine. backlog is delivered
// to this client only, never broadcast, so already-connected clients never
// see a newcomer's replay land after envelopes they've already seen.
// Returns apierr.QuotaExceeded once maxClients is reached.
func (m *Manager) AddClient(ctx context.Context, conn Conn, backlog []json.RawMessage) (remove func(), writerDone <-chan struct{}, err error) {
	m.mu.Lock()
	if len(m.clients) >= m.maxClients {
		m.mu.Unlock()
		return nil, nil, apierr.New(apierr.QuotaExceeded, "too many clients watching this task")
	}
	id := m.nextID
	m.nextID++
	queue := make(chan wsMessage, m.queueSize)
	for _, payload := range backlog {
		select {
		case queue <- wsMessage{payload: payload}:
		default:
			m.logger.Warn("wsgateway: history backlog exceeded queue size, truncating", "task_id", m.taskID)
		}
	}
	m.clients[id] = queue
	m.lastUsed = time.Now()
	m.mu.Unlock()

	telemetry.WSConnectionsGauge.Inc()
	done := make(chan struct{})
	go m.writer(ctx, conn, queue, done)

	return func() { m.removeClient(id) }, done, nil
}

func (m *Manager) writer(ctx context.Context, conn Conn, queue chan wsMessage, done chan struct{}) {
	defer close(done)
	defer telemetry.WSConnectionsGauge.Dec()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			if err := conn.WriteJSON(msg.payload); err != nil {
				m.logger.Debug("wsgateway: write failed, dropping client", "task_id", m.taskID, "error", err)
				return
			}
			if msg.terminal {
				return
			}
		}
	}
}

func (m *Manager) removeClient(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if queue, ok := m.clients[id]; ok {
		close(queue)
		delete(m.clients, id)
	}
	m.lastUsed = time.Now()
}

// Broadcast enqueues an envelope for every connected client, dropping it for
// any client whose queue is currently full rather than blocking the
// publisher.
func (m *Manager) Broadcast(payload json.RawMessage, terminal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastUsed = time.Now()
	msg := wsMessage{payload: payload, terminal: terminal}
	for id, queue := range m.clients {
		select {
		case queue <- msg:
		default:
			m.logger.Warn("wsgateway: client queue full, dropping message", "task_id", m.taskID, "client", id)
		}
	}
}

// follow is the Manager's single reader of the task's durable output
// stream, running once for the Manager's entire lifetime rather than once
// per connection. With k clients watching the same task, the stream is
// still read and broadcast exactly once.
func (m *Manager) follow(ctx context.Context) {
	lastID := "$"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		envs, next, err := m.bus.Follow(ctx, m.taskID, lastID, 5000)
		if err != nil {
			m.logger.Warn("wsgateway: follow output stream failed, retrying", "task_id", m.taskID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		lastID = next
		for _, env := range envs {
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			// Only an unscoped termination (no request_id) ends the task;
			// one scoped to a single prompt, like the input-timeout hint,
			// does not.
			terminal := env.Type == models.EnvelopeTermination && env.RequestID == nil
			m.Broadcast(b, terminal)
			if terminal {
				return
			}
		}
	}
}

// Stop ends the Manager's background follower. The Registry calls this
// once a Manager is removed so its goroutine doesn't leak past the task's
// watched lifetime.
func (m *Manager) Stop() { m.stop() }

// IsEmpty reports whether the manager currently has no connected clients.
func (m *Manager) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients) == 0
}

// IdleSince reports how long the manager has had no client activity.
func (m *Manager) IdleSince() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastUsed)
}

// ClientCount reports the current number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
