package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"flowrunner/internal/apierr"
	"flowrunner/internal/auth"
	"flowrunner/internal/bus"
	"flowrunner/internal/mediator"
	"flowrunner/internal/models"
	"flowrunner/internal/store"
)

// Gateway serves GET /ws/{task_id}.
type Gateway struct {
	registry  *Registry
	bus       *bus.Bus
	store     *store.Store
	mediators *mediator.Registry
	verifier  auth.Verifier
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// New builds a Gateway over the shared collaborators.
func New(registry *Registry, b *bus.Bus, st *store.Store, mediators *mediator.Registry, verifier auth.Verifier, logger *slog.Logger) *Gateway {
	return &Gateway{
		registry:  registry,
		bus:       b,
		store:     st,
		mediators: mediators,
		verifier:  verifier,
		logger:    logger,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{"tasks-api"},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

const wsSubprotocol = "tasks-api"

// gorillaConn adapts *websocket.Conn to the gateway's Conn interface,
// serializing concurrent writers since gorilla forbids concurrent writes.
type gorillaConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (g *gorillaConn) WriteJSON(v interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.c.WriteJSON(v)
}

func (g *gorillaConn) Close() error { return g.c.Close() }

// Serve handles one WebSocket connection bound to a single task.
func (gw *Gateway) Serve(w http.ResponseWriter, r *http.Request, taskID string) {
	identity, err := gw.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	task, err := gw.store.GetTask(r.Context(), taskID)
	if err != nil || task.ClientID != identity.ClientID {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if !task.Active() && task.Status != models.StatusPending {
		http.Error(w, "task is not active", http.StatusConflict)
		return
	}

	manager, err := gw.registry.GetOrCreate(taskID)
	if err != nil {
		http.Error(w, "too many active tasks", http.StatusTooManyRequests)
		return
	}

	raw, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &gorillaConn{c: raw}

	backlog, err := gw.joinBacklog(r.Context(), taskID)
	if err != nil {
		closeWithCode(raw, apierr.WSCloseCode(apierr.KindOf(err)), err.Error())
		return
	}

	remove, writerDone, err := manager.AddClient(r.Context(), conn, backlog)
	if err != nil {
		closeWithCode(raw, apierr.WSCloseCode(apierr.KindOf(err)), err.Error())
		return
	}
	defer func() {
		remove()
		gw.registry.RemoveIfEmpty(taskID)
	}()

	gw.sendInitialStatus(conn, task)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readDone := make(chan struct{})
	go gw.readInbound(ctx, raw, taskID, readDone)

	select {
	case <-writerDone:
	case <-readDone:
	case <-ctx.Done():
	}

	select {
	case <-readDone:
	case <-time.After(time.Second):
	}

	closeWithCode(raw, websocket.CloseNormalClosure, "")
}

func (gw *Gateway) sendInitialStatus(conn *gorillaConn, task models.Task) {
	payload := map[string]any{
		"type":      "status",
		"timestamp": time.Now().UnixMilli(),
		"data": map[string]any{
			"task_id":          task.ID,
			"status":           task.Status,
			"created_at":       task.CreatedAt,
			"updated_at":       task.UpdatedAt,
			"results":          task.Results,
			"input_request_id": task.InputRequestID,
		},
	}
	_ = conn.WriteJSON(payload)
}

// joinBacklog builds the backlog a newly connecting client needs: its last
// 50 output entries, plus the task's currently outstanding input_request if
// one exists and isn't already in that window (e.g. a chatty task scrolled
// it out of the last 50 entries). This is delivered to the joining client's
// own queue only; it is never broadcast, so clients already connected never
// see a newcomer's backlog land after envelopes they've already seen.
func (gw *Gateway) joinBacklog(ctx context.Context, taskID string) ([]json.RawMessage, error) {
	history, err := gw.bus.History(ctx, taskID, 50)
	if err != nil {
		return nil, err
	}
	backlog := make([]json.RawMessage, 0, len(history)+1)
	sawPrompt := make(map[string]bool, len(history))
	for _, env := range history {
		if b, err := json.Marshal(env); err == nil {
			backlog = append(backlog, b)
		}
		if env.Type == models.EnvelopeInputRequest && env.RequestID != nil {
			sawPrompt[*env.RequestID] = true
		}
	}

	prompt, ok, err := gw.bus.LastPrompt(ctx, taskID)
	if err != nil {
		gw.logger.Debug("wsgateway: failed to recover last prompt", "task_id", taskID, "error", err)
	} else if ok && (prompt.RequestID == nil || !sawPrompt[*prompt.RequestID]) {
		if b, err := json.Marshal(prompt); err == nil {
			backlog = append(backlog, b)
		}
	}
	return backlog, nil
}

// readInbound accepts only input_response frames from the client and
// forwards them to the task's Mediator actor.
func (gw *Gateway) readInbound(ctx context.Context, conn *websocket.Conn, taskID string, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := models.ParseEnvelope(raw)
		if err != nil || env.Type != models.EnvelopeInputResponse {
			continue
		}
		env.TaskID = taskID
		if env.Timestamp == 0 {
			env.Timestamp = time.Now().UnixMilli()
		}
		actor, ok := gw.mediators.Get(taskID)
		if !ok {
			continue
		}
		if err := actor.SubmitInputResponse(ctx, env); err != nil {
			gw.logger.Debug("wsgateway: input_response rejected", "task_id", taskID, "error", err)
		}
	}
}

// authenticate accepts a bearer credential from any of: Authorization
// header, the "tasks-api" subprotocol pair, an access_token cookie, or an
// access_token query parameter.
func (gw *Gateway) authenticate(r *http.Request) (auth.Identity, error) {
	token := bearerFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		token = tokenFromSubprotocol(r.Header.Get("Sec-WebSocket-Protocol"))
	}
	if token == "" {
		if c, err := r.Cookie("access_token"); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		return auth.Identity{}, auth.ErrMissingCredential
	}
	return gw.verifier.Verify(r.Context(), token)
}

func bearerFromHeader(h string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

func tokenFromSubprotocol(h string) string {
	parts := strings.Split(h, ",")
	for i, p := range parts {
		if strings.TrimSpace(p) == wsSubprotocol && i+1 < len(parts) {
			return strings.TrimSpace(parts[i+1])
		}
	}
	return ""
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
