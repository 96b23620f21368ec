// Package orchestrator drives one user turn at a time: wake/STT input (or
// injected text) in, chat-with-tools reasoning, TTS out, with proactive
// idle behavior and ambient-event-triggered reasoning turns folded into
// the same loop.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jarvis-core/perception/internal/bridge"
	"github.com/jarvis-core/perception/internal/chat"
	"github.com/jarvis-core/perception/internal/config"
	"github.com/jarvis-core/perception/internal/session"
	"github.com/jarvis-core/perception/internal/telemetry"
	"github.com/jarvis-core/perception/internal/tools"
)

var log = telemetry.Component("orchestrator")

const defaultSystemPrompt = "You are a calm, precise voice assistant for an always-on desk companion. " +
	"Address the user as 'sir'. Keep spoken replies short, natural, and free of markup."

const (
	noCatchPhrase  = "I didn't catch that, Sir."
	apologyPhrase  = "Brief glitch, Sir — please try again."
	unableToAnswer = "I'm unable to complete that, Sir."
)

const ambientPrefix = "__ambient__"

// Synthesizer turns text into a playable WAV file path, or false on
// failure.
type Synthesizer interface {
	Synthesize(text, voice string) (wavPath string, ok bool)
}

// AudioPlayer plays a WAV file to completion (or reports failure).
type AudioPlayer interface {
	Play(wavPath string) bool
}

// Transcriber converts a recorded WAV file to text, returning ok=false if
// the model produced nothing usable.
type Transcriber interface {
	Transcribe(wavPath, modelSize string) (text string, ok bool)
}

// WakeListener runs its own capture thread, waiting for the wake word and
// recording the utterance that follows. Feed implementations post the
// recorded WAV path to a Transcriber and forward the result into the
// orchestrator's inbound queue (e.g. via Bridge.InjectText) themselves —
// the orchestrator only ever consumes the resulting text, never audio.
type WakeListener interface {
	Start(ctx context.Context) error
	Stop()
}

// StatusNotifier receives every orchestrator state transition, mirroring
// the overlay callback the teacher's GUI used; may be nil.
type StatusNotifier func(status string)

// Options configures loop timing independent of persisted Memory.
type Options struct {
	ProactiveIdleSec     time.Duration
	ProactiveCooldownSec time.Duration
	ContextMaxTurns      int
	SummaryEveryNTurns   int
	MaxToolCallsPerTurn  int
	MaxToolRounds        int
	SttLLMRetries        int
	DataDir              string
	SarcasmEnabled       bool
	TTSVoice             string
}

// FromConfig adapts the TOML-sourced OrchestratorConfig into Options.
func FromConfig(c config.OrchestratorConfig) Options {
	return Options{
		ProactiveIdleSec:     secDuration(c.ProactiveIdleSec),
		ProactiveCooldownSec: secDuration(c.ProactiveCooldownSec),
		ContextMaxTurns:      c.ContextMaxTurns,
		SummaryEveryNTurns:   c.SummaryEveryNTurns,
		MaxToolCallsPerTurn:  c.MaxToolCallsPerTurn,
		MaxToolRounds:        c.MaxToolRounds,
		SttLLMRetries:        c.SttLLMRetries,
		DataDir:              c.DataDir,
		SarcasmEnabled:       c.SarcasmEnabled,
		TTSVoice:             c.TTSVoice,
	}
}

func secDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Orchestrator ties the chat client, tool registry, session memory, and
// broadcast bridge together into one turn-taking loop.
type Orchestrator struct {
	opts   Options
	client *chat.Client
	tools  *tools.Registry
	bridge *bridge.Bridge
	memory *session.Memory
	tts    Synthesizer
	player AudioPlayer
	status StatusNotifier

	idleSince       time.Time
	lastProactiveAt time.Time

	prevPersonCount int
	prevObjects     map[string]bool
}

// New builds an Orchestrator. tts/player/status may be nil; TTS is then
// skipped and status transitions go unreported.
func New(opts Options, client *chat.Client, toolRegistry *tools.Registry, b *bridge.Bridge, mem *session.Memory, tts Synthesizer, player AudioPlayer, status StatusNotifier) *Orchestrator {
	return &Orchestrator{
		opts:        opts,
		client:      client,
		tools:       toolRegistry,
		bridge:      b,
		memory:      mem,
		tts:         tts,
		player:      player,
		status:      status,
		idleSince:   time.Now(),
		prevObjects: make(map[string]bool),
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, status string) {
	if o.status != nil {
		o.status(status)
	}
	if o.bridge != nil {
		o.bridge.SendStatus(ctx, status)
	}
}

func (o *Orchestrator) speak(ctx context.Context, text string) {
	if o.bridge != nil {
		o.bridge.SendReply(ctx, text)
	}
	if o.tts == nil || o.player == nil {
		return
	}
	wav, ok := o.tts.Synthesize(text, o.opts.TTSVoice)
	if !ok || wav == "" {
		log.Warn().Msg("TTS synthesis failed for reply")
		return
	}
	if !o.player.Play(wav) {
		log.Warn().Msg("audio playback failed for reply")
	}
}

// Run drives the main loop until ctx is cancelled. queries is the single
// inbound channel carrying both user text (from wake/STT or injected WS
// text) and ambient-event sentinels.
func (o *Orchestrator) Run(ctx context.Context, queries <-chan string) {
	o.setStatus(ctx, "Listening")
	o.idleSince = time.Now()

	for {
		timeout := o.nextTimeout()
		select {
		case <-ctx.Done():
			return
		case query, ok := <-queries:
			if !ok {
				return
			}
			o.handleInbound(ctx, query)
		case <-time.After(timeout):
			o.maybeProactive(ctx)
		}
	}
}

func (o *Orchestrator) nextTimeout() time.Duration {
	remaining := o.opts.ProactiveIdleSec - time.Since(o.idleSince)
	if remaining <= 0 {
		return 0
	}
	if remaining > time.Second {
		return time.Second
	}
	return remaining
}

func (o *Orchestrator) handleInbound(ctx context.Context, query string) {
	if eventType, detail, ok := parseAmbientSentinel(query); ok {
		o.handleAmbientEvent(ctx, eventType, detail)
		o.idleSince = time.Now()
		return
	}

	query = strings.TrimSpace(query)
	if query == "" {
		o.setStatus(ctx, "Speaking")
		o.speak(ctx, noCatchPhrase)
		o.setStatus(ctx, "Listening")
		o.idleSince = time.Now()
		return
	}

	o.runTurn(ctx, query)
	o.idleSince = time.Now()
}

// maybeProactive runs the idle-branch vision check once the idle timer has
// reached ProactiveIdleSec, speaking a break reminder if a person is seen.
func (o *Orchestrator) maybeProactive(ctx context.Context) {
	if time.Since(o.idleSince) < o.opts.ProactiveIdleSec {
		return
	}
	o.idleSince = time.Now()

	if o.tools == nil {
		return
	}
	description := o.tools.Run("vision_analyze", map[string]interface{}{"prompt": "person"})
	if !strings.Contains(strings.ToLower(description), "person") {
		return
	}

	sayText := "Sir, you appear to be at your desk. A short break is recommended."
	o.speak(ctx, sayText)
	if o.bridge != nil {
		o.bridge.SendProactive(ctx, sayText)
	}
}

// parseAmbientSentinel recognizes the __ambient__{event_type}__{detail}
// format re-entering the orchestrator through the same inbound queue the
// WS bridge and wake-word listener feed.
func parseAmbientSentinel(raw string) (eventType, detail string, ok bool) {
	if !strings.HasPrefix(raw, ambientPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(raw, ambientPrefix)
	parts := strings.SplitN(rest, "__", 2)
	eventType = parts[0]
	if len(parts) > 1 {
		detail = parts[1]
	}
	return eventType, detail, true
}

// handleAmbientEvent feeds an ambient event directly into a brief
// reasoning-only turn (no tool loop), skipping STT entirely, and gates any
// resulting proactive speech by ProactiveCooldownSec.
func (o *Orchestrator) handleAmbientEvent(ctx context.Context, eventType, detail string) {
	if time.Since(o.lastProactiveAt) < o.opts.ProactiveCooldownSec {
		log.Debug().Str("event", eventType).Msg("ambient event suppressed by proactive cooldown")
		return
	}

	messages := []chat.Message{
		{Role: "system", Content: defaultSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("<ambient>%s: %s</ambient>\nBriefly note anything worth mentioning, or reply with nothing.", eventType, detail)},
	}
	reply := strings.TrimSpace(o.client.Chat(ctx, messages))
	if reply == "" {
		return
	}

	o.lastProactiveAt = time.Now()
	o.speak(ctx, reply)
	if o.bridge != nil {
		o.bridge.SendProactive(ctx, reply)
	}
}

// runTurn executes one full user turn: transcript broadcast, vision
// description, thinking-step emission, the ReAct tool loop, final TTS
// reply, and history/session persistence. Retries up to SttLLMRetries
// times on an unexpected failure before falling back to a canned apology.
func (o *Orchestrator) runTurn(ctx context.Context, query string) {
	if o.bridge != nil {
		o.bridge.SendTranscript(ctx, query, true)
		o.bridge.SendThinkingStep(ctx, "heard", query)
	}

	visionDescription := ""
	if o.tools != nil {
		if o.bridge != nil {
			o.bridge.SendThinkingStep(ctx, "vision", "")
		}
		visionDescription = o.tools.Run("vision_analyze", nil)
		if o.bridge != nil {
			o.bridge.SendThinkingStep(ctx, "vision_done", visionDescription)
		}
	}

	if o.bridge != nil {
		o.bridge.SendThinkingStep(ctx, "context", "")
		o.bridge.SendThinkingStep(ctx, "reasoning", "")
	}

	o.setStatus(ctx, "Thinking")

	var final string
	retries := o.opts.SttLLMRetries
	for attempt := 0; attempt <= retries; attempt++ {
		final = o.reactLoop(ctx, query, visionDescription)
		if final != "" {
			break
		}
		if attempt >= retries {
			final = apologyPhrase
		}
	}

	if o.bridge != nil {
		o.bridge.SendThinkingStep(ctx, "speaking", final)
	}
	o.setStatus(ctx, "Speaking")
	o.speak(ctx, final)

	visionTurn := query == "" || strings.Contains(strings.ToLower(query), "see") || strings.Contains(strings.ToLower(query), "look")
	o.memory.Append(query, final, visionTurn, o.opts.ContextMaxTurns)

	if o.client != nil {
		session.MaybeSummarize(ctx, o.memory, o.client, o.opts.SummaryEveryNTurns)
	}
	if err := session.Save(o.opts.DataDir, o.memory); err != nil {
		log.Warn().Err(err).Msg("saving session failed")
	}

	if o.bridge != nil {
		o.bridge.SendThinkingStep(ctx, "done", "")
	}
	o.setStatus(ctx, "Listening")
}

// reactLoop runs the bounded tool-call rounds described in the turn spec:
// call the chat client with tools, execute any returned calls locally, and
// re-call until a plain-text final answer arrives or MaxToolRounds is hit.
// A plain-text reply is returned trimmed, and may be empty (runTurn retries
// on empty); exhausting the rounds on tool calls returns unableToAnswer.
func (o *Orchestrator) reactLoop(ctx context.Context, query, visionDescription string) string {
	system := defaultSystemPrompt
	if o.opts.SarcasmEnabled {
		system += " Sarcasm mode is on; you may be dry and slightly sarcastic."
	}

	reminderText := ""
	sysText := ""
	statsText := ""
	threatText := ""
	if o.tools != nil {
		reminderText = o.tools.Run("list_reminders", nil)
		if reminderText == "No pending reminders." {
			reminderText = ""
		}
		sysText = o.tools.Run("get_jetson_status", nil)
		if sysText == "System stats unavailable." {
			sysText = ""
		}
		statsText = o.tools.Run("vitals_snapshot", nil)
		threatText = o.tools.Run("threat_snapshot", nil)
		if threatText == "No threat data available." {
			threatText = ""
		}
	}

	ctxBlocks := contextBlocks{
		CurrentTime: time.Now().Format("2006-01-02 15:04:05"),
		Scene:       visionDescription,
		SystemStats: sysText,
		Reminders:   reminderText,
		Vitals:      statsText,
		Threat:      threatText,
	}

	messages := buildMessagesWithHistory(system, o.memory.Summary, o.memory.ShortTerm, query, ctxBlocks, o.opts.ContextMaxTurns)

	maxRounds := o.opts.MaxToolRounds
	if maxRounds <= 0 || maxRounds > 3 {
		maxRounds = 3
	}

	schemas := tools.Schemas()

	for round := 0; round < maxRounds; round++ {
		reply := o.client.ChatWithTools(ctx, messages, schemas)
		toolCalls := reply.ToolCalls
		if len(toolCalls) > o.opts.MaxToolCallsPerTurn && o.opts.MaxToolCallsPerTurn > 0 {
			toolCalls = toolCalls[:o.opts.MaxToolCallsPerTurn]
		}

		messages = append(messages, chat.Message{Role: "assistant", Content: reply.Content, ToolCalls: toolCalls})

		if len(toolCalls) == 0 {
			return strings.TrimSpace(reply.Content)
		}

		for _, tc := range toolCalls {
			if o.bridge != nil {
				o.bridge.SendThinkingStep(ctx, "tool", tc.Name)
			}
			result := ""
			if o.tools != nil {
				result = o.tools.Run(tc.Name, tc.Arguments)
			}
			if o.bridge != nil {
				o.bridge.SendThinkingStep(ctx, "tool_done", result)
			}
			messages = append(messages, chat.Message{Role: "tool", Content: result})
		}
	}

	return unableToAnswer
}
