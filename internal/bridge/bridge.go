// Package bridge implements the broadcast bridge (C10): a thread-safe fan-out
// of status, transcripts, replies, thinking steps, detections, and telemetry
// to connected WebSocket observers, plus an inbound queue for client-injected
// text queries and commands.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/jarvis-core/perception/internal/telemetry"
)

var log = telemetry.Component("bridge")

// Known broadcast message tags, per the observer protocol.
const (
	TypeStatus            = "status"
	TypeReply             = "reply"
	TypeTranscriptFinal   = "transcript_final"
	TypeTranscriptInterim = "transcript_interim"
	TypeDetections        = "detections"
	TypeError             = "error"
	TypeWake              = "wake"
	TypeProactive         = "proactive"
	TypeHologram          = "hologram"
	TypeVitals            = "vitals"
	TypeThreat            = "threat"
	TypeThinkingStep      = "thinking_step"
	TypeScanResult        = "scan_result"
	TypeSystemStatus      = "system_status"
)

// ToolRunner executes a named tool with JSON-decoded arguments and returns
// its textual result, the shape the orchestrator's tool registry exposes.
type ToolRunner func(name string, arguments map[string]interface{}) string

// Options configures broadcast rate limiting.
type Options struct {
	// DefaultMinInterval is applied to any type without a PerType override.
	DefaultMinInterval time.Duration
	// PerType overrides the minimum interval between two broadcasts of the
	// same type, e.g. 100ms for thinking_step.
	PerType map[string]time.Duration
}

// DefaultOptions returns the spec's defaults: no default throttling, with
// thinking_step capped at 100ms.
func DefaultOptions() Options {
	return Options{
		DefaultMinInterval: 0,
		PerType:            map[string]time.Duration{TypeThinkingStep: 100 * time.Millisecond},
	}
}

// observer is one connected WebSocket client.
type observer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (o *observer) send(data interface{}) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return o.conn.WriteJSON(data)
}

const (
	writeWait = 5 * time.Second
	pongWait  = 60 * time.Second
	pingWait  = (pongWait * 9) / 10
)

// Bridge owns the observer set and the inbound query queue. The zero value
// is not usable; construct with New.
type Bridge struct {
	mu        sync.Mutex
	observers map[string]*observer

	seq int64

	lastSent   map[string]time.Time
	lastSentMu sync.Mutex

	queryQueue chan string

	tools ToolRunner

	opts Options
}

// New builds a Bridge. tools may be nil if no tool registry is wired yet,
// in which case tool-triggered client commands reply with a degraded
// message instead of a real result.
func New(opts Options, tools ToolRunner) *Bridge {
	return &Bridge{
		observers:  make(map[string]*observer),
		lastSent:   make(map[string]time.Time),
		queryQueue: make(chan string, 64),
		tools:      tools,
		opts:       opts,
	}
}

// AddClient registers a new observer and returns its generated ID, used
// later to remove it.
func (b *Bridge) AddClient(conn *websocket.Conn) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.observers[id] = &observer{id: id, conn: conn}
	n := len(b.observers)
	b.mu.Unlock()
	log.Info().Int("total", n).Msg("observer connected")
	return id
}

// RemoveClient unregisters an observer by ID. Safe to call twice.
func (b *Bridge) RemoveClient(id string) {
	b.mu.Lock()
	delete(b.observers, id)
	n := len(b.observers)
	b.mu.Unlock()
	log.Info().Int("total", n).Msg("observer disconnected")
}

// message is the wire envelope every broadcast carries: the type tag plus
// the strictly increasing per-bridge sequence number.
type message map[string]interface{}

func (b *Bridge) nextSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// rateLimited reports whether a broadcast of typ should be dropped because
// one was sent too recently, and records this send's timestamp when it is
// not dropped.
func (b *Bridge) rateLimited(typ string) bool {
	interval := b.opts.DefaultMinInterval
	if per, ok := b.opts.PerType[typ]; ok {
		interval = per
	}
	if interval <= 0 {
		return false
	}

	b.lastSentMu.Lock()
	defer b.lastSentMu.Unlock()
	now := time.Now()
	if last, ok := b.lastSent[typ]; ok && now.Sub(last) < interval {
		return true
	}
	b.lastSent[typ] = now
	return false
}

// Broadcast assigns a monotonically increasing _seq and concurrently sends
// payload to every connected observer. Any observer whose send fails is
// evicted; it is never re-added mid-broadcast.
func (b *Bridge) Broadcast(ctx context.Context, typ string, payload message) {
	if b.rateLimited(typ) {
		return
	}

	msg := message{"type": typ, "_seq": b.nextSeq()}
	for k, v := range payload {
		msg[k] = v
	}

	b.mu.Lock()
	targets := make([]*observer, 0, len(b.observers))
	for _, o := range b.observers {
		targets = append(targets, o)
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	var failed []string
	var failedMu sync.Mutex

	g, _ := errgroup.WithContext(ctx)
	for _, o := range targets {
		o := o
		g.Go(func() error {
			if err := o.send(msg); err != nil {
				failedMu.Lock()
				failed = append(failed, o.id)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		b.mu.Lock()
		for _, id := range failed {
			delete(b.observers, id)
		}
		b.mu.Unlock()
	}
}

// BroadcastThreadsafe is the synchronous entry point worker threads use to
// trigger a broadcast without holding a reference to an event loop; this
// Go port has no single-threaded event loop, so it simply broadcasts in a
// detached goroutine with a bounded timeout.
func (b *Bridge) BroadcastThreadsafe(typ string, payload message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		b.Broadcast(ctx, typ, payload)
	}()
}

// Per-type convenience helpers, mirroring the bridge's named send_* methods.

func (b *Bridge) SendStatus(ctx context.Context, status string) {
	b.Broadcast(ctx, TypeStatus, message{"status": status})
}

func (b *Bridge) SendReply(ctx context.Context, text string) {
	b.Broadcast(ctx, TypeReply, message{"text": text})
}

func (b *Bridge) SendTranscript(ctx context.Context, text string, final bool) {
	typ := TypeTranscriptInterim
	if final {
		typ = TypeTranscriptFinal
	}
	b.Broadcast(ctx, typ, message{"text": text})
}

func (b *Bridge) SendDetections(ctx context.Context, detections []map[string]interface{}, description string) {
	b.Broadcast(ctx, TypeDetections, message{"detections": detections, "description": description})
}

func (b *Bridge) SendError(ctx context.Context, msg string) {
	b.Broadcast(ctx, TypeError, message{"message": msg})
}

func (b *Bridge) SendWake(ctx context.Context) {
	b.Broadcast(ctx, TypeWake, message{})
}

func (b *Bridge) SendProactive(ctx context.Context, text string) {
	b.Broadcast(ctx, TypeProactive, message{"text": text})
}

func (b *Bridge) SendHologram(ctx context.Context, payload map[string]interface{}) {
	b.Broadcast(ctx, TypeHologram, message(payload))
}

func (b *Bridge) SendVitals(ctx context.Context, payload map[string]interface{}) {
	b.Broadcast(ctx, TypeVitals, message(payload))
}

func (b *Bridge) SendThreat(ctx context.Context, payload map[string]interface{}) {
	b.Broadcast(ctx, TypeThreat, message(payload))
}

func (b *Bridge) SendThinkingStep(ctx context.Context, step string, detail string) {
	b.Broadcast(ctx, TypeThinkingStep, message{"step": step, "detail": detail})
}

// InjectText enqueues a user text query for the orchestrator, the
// single consumer of the inbound queue.
func (b *Bridge) InjectText(text string) {
	select {
	case b.queryQueue <- text:
	default:
		log.Warn().Msg("query queue full; dropping injected text")
	}
}

// Queries returns the inbound channel the orchestrator reads from. There is
// exactly one consumer.
func (b *Bridge) Queries() <-chan string {
	return b.queryQueue
}

type clientMessage struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Text    string `json:"text"`
	Enabled bool   `json:"enabled"`
}

// HandleClientMessage parses and dispatches a single inbound JSON message
// from an observer. Unknown types are logged and ignored.
func (b *Bridge) HandleClientMessage(ctx context.Context, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn().Err(err).Msg("invalid WS message")
		return
	}

	typ := msg.Type
	if typ == "" {
		typ = msg.Command
	}

	switch typ {
	case "text":
		text := msg.Text
		if text != "" {
			b.InjectText(text)
		}
	case "sarcasm_toggle":
		result := b.runTool("toggle_sarcasm", map[string]interface{}{"enabled": msg.Enabled})
		b.SendReply(ctx, result)
	case "scan":
		result := b.runTool("vision_analyze", nil)
		b.Broadcast(ctx, TypeScanResult, message{"description": result})
	case "get_status":
		result := b.runTool("get_jetson_status", nil)
		b.Broadcast(ctx, TypeSystemStatus, message{"status": result})
	case "hologram_request":
		result := b.runTool("hologram_snapshot", nil)
		b.Broadcast(ctx, TypeHologram, message{"payload": result})
	case "vitals_request":
		result := b.runTool("vitals_snapshot", nil)
		b.Broadcast(ctx, TypeVitals, message{"payload": result})
	case "start_listening", "stop_listening", "interrupt":
		log.Debug().Str("command", typ).Msg("client command acknowledged (informational)")
	default:
		log.Debug().Str("type", typ).Msg("unknown WS message type")
	}
}

func (b *Bridge) runTool(name string, args map[string]interface{}) string {
	if b.tools == nil {
		return "That capability isn't available right now."
	}
	return b.tools(name, args)
}
