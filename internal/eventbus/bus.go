package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/forgerun/forge/internal/heal"
	"github.com/forgerun/forge/internal/lifecycle"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 45 * time.Second
	pingPeriod = 30 * time.Second
	maxPayload = 1 << 20
)

// inboundFrame is the shape of a client->server message (spec §4.8
// "Accept inbound messages").
type inboundFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Response string `json:"response,omitempty"`
	Remember bool   `json:"remember,omitempty"`
}

// client is one connected WebSocket fan-out target.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc
}

// pendingConfirmation pairs a confirmation record with the channel its
// future resolves on (spec §4.8 "a future/promise to be resolved").
type pendingConfirmation struct {
	record  PendingConfirmation
	resolve chan string
	timer   *time.Timer
	once    sync.Once
}

func (p *pendingConfirmation) complete(response string) {
	p.once.Do(func() {
		p.resolve <- response
		close(p.resolve)
	})
}

// Bus is C8. It keeps three separate mutexes for clients, running
// skills, and pending confirmations so a slow consumer on one set never
// stalls the others (spec §5 "Shared-resource policy").
type Bus struct {
	*lifecycle.Component

	logger   *slog.Logger
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[string]*client

	skillsMu sync.Mutex
	skills   map[string]RunningSkill

	confirmMu sync.Mutex
	confirms  map[string]*pendingConfirmation

	nowFunc func() time.Time
}

// New constructs a Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		Component: lifecycle.New("eventbus", logger),
		logger:    logger,
		clients:   make(map[string]*client),
		skills:    make(map[string]RunningSkill),
		confirms:  make(map[string]*pendingConfirmation),
		nowFunc:   func() time.Time { return time.Now().UTC() },
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true }, // localhost-only endpoint
		},
	}
}

// ServeHTTP upgrades a connection and runs its read/write pumps (spec
// §4.8 "Connection protocol").
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("event bus upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	id := uuid.NewString()
	c := &client{conn: conn, send: make(chan []byte, 64), cancel: cancel}

	b.clientsMu.Lock()
	b.clients[id] = c
	b.clientsMu.Unlock()

	b.sendHello(c)

	go b.writePump(c)
	b.readPump(ctx, id, c)
}

func (b *Bus) sendHello(c *client) {
	payload := HelloPayload{
		Type:                 EventHello,
		RunningSkills:        b.runningSkillsSnapshot(),
		PendingConfirmations: b.pendingConfirmationsSnapshot(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (b *Bus) readPump(ctx context.Context, id string, c *client) {
	defer b.disconnect(id, c)
	c.conn.SetReadLimit(maxPayload)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "heartbeat":
			b.sendRaw(c, Event{Type: EventHeartbeatAck, Timestamp: b.nowFunc()})
		case "confirmation_response":
			b.ResolveConfirmation(frame.ID, frame.Response)
		case "pause_timer", "resume_timer":
			// Best-effort UI hints; accepted and ignored, with no reply
			// sent back.
		}
	}
}

func (b *Bus) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (b *Bus) disconnect(id string, c *client) {
	b.clientsMu.Lock()
	delete(b.clients, id)
	b.clientsMu.Unlock()
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
}

func (b *Bus) sendRaw(c *client, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		b.logger.Warn("event bus client send buffer full, dropping event", "type", ev.Type)
	}
}

// Publish fans an event out to every connected client, in the order
// produced (spec §5 "events for a given skill execution are delivered
// to each client in the order produced by the engine").
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.nowFunc()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	for _, c := range b.clients {
		select {
		case c.send <- data:
		default:
			b.logger.Warn("event bus client send buffer full, dropping event", "type", ev.Type)
		}
	}
}

// HealTriggered implements heal.EventPublisher, publishing heal_triggered
// (spec §4.8 outbound table) when the Auto-Heal Wrapper attempts a fix.
func (b *Bus) HealTriggered(toolName string, class heal.Class) {
	b.Publish(Event{Type: EventHealTriggered, Tool: toolName, Class: string(class)})
}

// HealCompleted implements heal.EventPublisher, publishing heal_completed
// once the fix-then-retry round finishes, carrying class/fix_action/success
// (spec §4.8 outbound table).
func (b *Bus) HealCompleted(toolName string, class heal.Class, fixAction string, success bool) {
	b.Publish(Event{Type: EventHealCompleted, Tool: toolName, Class: string(class), FixAction: fixAction, Success: success})
}

// RegisterSkillStart adds a skill execution to the running-skills map
// (spec §4.8, used for state replay on new connections).
func (b *Bus) RegisterSkillStart(id, name string, stepCount int) {
	b.skillsMu.Lock()
	defer b.skillsMu.Unlock()
	b.skills[id] = RunningSkill{ID: id, Name: name, StepCount: stepCount, StartedAt: b.nowFunc()}
}

// UnregisterSkill removes a finished execution from the running-skills
// map.
func (b *Bus) UnregisterSkill(id string) {
	b.skillsMu.Lock()
	defer b.skillsMu.Unlock()
	delete(b.skills, id)
}

func (b *Bus) runningSkillsSnapshot() []RunningSkill {
	b.skillsMu.Lock()
	defer b.skillsMu.Unlock()
	out := make([]RunningSkill, 0, len(b.skills))
	for _, s := range b.skills {
		out = append(out, s)
	}
	return out
}

func (b *Bus) pendingConfirmationsSnapshot() []PendingConfirmation {
	b.confirmMu.Lock()
	defer b.confirmMu.Unlock()
	out := make([]PendingConfirmation, 0, len(b.confirms))
	for _, p := range b.confirms {
		out = append(out, p.record)
	}
	return out
}

// RequestConfirmation implements spec §4.8's synchronous confirmation
// flow: it creates a pending record, fans out confirmation_required,
// and blocks until a client answers or the timeout elapses, in which
// case it returns def (spec §4.8 step 3).
func (b *Bus) RequestConfirmation(ctx context.Context, skillID string, prompt string, options []string, def string, suggestion string, timeout time.Duration) (string, error) {
	id := uuid.NewString()
	record := PendingConfirmation{
		ID:      id,
		SkillID: skillID,
		Prompt:  prompt,
		Options: options,
		Default: def,
		Expires: b.nowFunc().Add(timeout),
	}
	pc := &pendingConfirmation{record: record, resolve: make(chan string, 1)}

	b.confirmMu.Lock()
	b.confirms[id] = pc
	b.confirmMu.Unlock()

	b.Publish(Event{
		Type:           EventConfirmationRequired,
		SkillID:        skillID,
		ConfirmationID: id,
		Prompt:         prompt,
		Options:        options,
		Default:        def,
		Suggestion:     suggestion,
		TimeoutS:       timeout.Seconds(),
	})

	// When def is the let_claude sentinel, timing out proceeds down the
	// happy path by resolving to the suggestion rather than literally
	// answering "let_claude" (spec §4.8 step 3).
	timeoutResponse := def
	if def == LetClaudeDefault && suggestion != "" {
		timeoutResponse = suggestion
	}

	pc.timer = time.AfterFunc(timeout, func() {
		pc.complete(timeoutResponse)
		b.Publish(Event{Type: EventConfirmationExpired, SkillID: skillID, ConfirmationID: id, Response: timeoutResponse})
	})

	select {
	case resp := <-pc.resolve:
		b.confirmMu.Lock()
		delete(b.confirms, id)
		b.confirmMu.Unlock()
		if pc.timer != nil {
			pc.timer.Stop()
		}
		return resp, nil
	case <-ctx.Done():
		b.confirmMu.Lock()
		delete(b.confirms, id)
		b.confirmMu.Unlock()
		if pc.timer != nil {
			pc.timer.Stop()
		}
		return "", ctx.Err()
	}
}

// ResolveConfirmation resolves a pending confirmation's future from an
// inbound client response (spec §4.8 step 2).
func (b *Bus) ResolveConfirmation(id, response string) {
	b.confirmMu.Lock()
	pc, ok := b.confirms[id]
	b.confirmMu.Unlock()
	if !ok {
		return
	}
	pc.complete(response)
	b.Publish(Event{Type: EventConfirmationAnswered, ConfirmationID: id, Response: response})
}

// Shutdown sends server_stopping to every client, then closes sockets
// (spec §4.11 "Shutdown").
func (b *Bus) Shutdown() {
	b.Publish(Event{Type: EventServerStopping})
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	for id, c := range b.clients {
		c.cancel()
		close(c.send)
		_ = c.conn.Close()
		delete(b.clients, id)
	}
	b.MarkStopped()
}

// Start satisfies lifecycle.Lifecycle; the bus itself has no separate
// setup step (ListenAndServe both starts and blocks), so Start only
// flips the lifecycle state so Health reports correctly.
func (b *Bus) Start(ctx context.Context) error {
	b.MarkStarted()
	return nil
}

// Stop satisfies lifecycle.Lifecycle.
func (b *Bus) Stop(ctx context.Context) error {
	b.Shutdown()
	return nil
}

// Health reports the bus's lifecycle state and connected-client count
// (spec SUPPLEMENTED FEATURES "Prometheus health/metrics surface").
func (b *Bus) Health(ctx context.Context) lifecycle.Status {
	state := lifecycle.HealthHealthy
	if !b.IsRunning() {
		state = lifecycle.HealthUnknown
	}
	return lifecycle.Status{
		State:   state,
		Details: map[string]string{"clients": fmt.Sprintf("%d", b.ClientCount())},
	}
}

// ClientCount reports the number of currently connected clients.
func (b *Bus) ClientCount() int {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	return len(b.clients)
}

// ListenAndServe runs the bus's HTTP server on a fixed localhost port
// (spec §4.8 "Accepts local WebSocket connections on a fixed localhost
// port"). It blocks until ctx is cancelled.
func (b *Bus) ListenAndServe(ctx context.Context, port int) error {
	b.MarkStarted()
	mux := http.NewServeMux()
	mux.Handle("/events", b)
	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
