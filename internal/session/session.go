// Package session persists the orchestrator's conversational memory: a
// running natural-language Summary plus a bounded ShortTermHistory of
// recent turns, loaded at startup and saved after each turn.
package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jarvis-core/perception/internal/chat"
	"github.com/jarvis-core/perception/internal/telemetry"
)

var log = telemetry.Component("session")

// Turn is one short-term-history entry. VisionTurn marks an assistant reply
// whose content described the current camera scene, so later context
// building can wrap it in <history> tags instead of replaying it as live
// scene data.
type Turn struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	VisionTurn bool   `json:"vision_turn,omitempty"`
}

// Memory is the orchestrator's persisted conversational state.
type Memory struct {
	Summary    string `json:"summary"`
	ShortTerm  []Turn `json:"short_term,omitempty"`
	turnsSince int
}

func sessionPath(dataDir string) string {
	return filepath.Join(dataDir, "session.json")
}

// Load reads the session file, returning an empty Memory if it doesn't
// exist or can't be parsed.
func Load(dataDir string) *Memory {
	data, err := os.ReadFile(sessionPath(dataDir))
	if err != nil {
		return &Memory{}
	}
	var m Memory
	if json.Unmarshal(data, &m) != nil {
		log.Warn().Msg("session file corrupt; starting fresh")
		return &Memory{}
	}
	return &m
}

// Save persists the session file, creating dataDir if needed.
func Save(dataDir string, m *Memory) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sessionPath(dataDir), data, 0o644)
}

// Append records one user/assistant turn pair in bounded short-term
// history, keeping only the most recent maxTurns*2 messages.
func (m *Memory) Append(userText, assistantText string, visionTurn bool, maxTurns int) {
	m.ShortTerm = append(m.ShortTerm,
		Turn{Role: "user", Content: userText},
		Turn{Role: "assistant", Content: assistantText, VisionTurn: visionTurn},
	)
	limit := maxTurns * 2
	if limit > 0 && len(m.ShortTerm) > limit {
		m.ShortTerm = m.ShortTerm[len(m.ShortTerm)-limit:]
	}
	m.turnsSince++
}

const summarizePrompt = "Summarize the following conversation in 2-3 concise sentences, preserving any facts the assistant should remember:"

// MaybeSummarize summarizes all current short-term turns once every
// everyNTurns appended turns, using the chat client with a single
// non-tool-calling request, and appends the result to Summary. ShortTerm is
// left as it is. A client failure leaves Summary unchanged.
func MaybeSummarize(ctx context.Context, m *Memory, client *chat.Client, everyNTurns int) {
	if everyNTurns <= 0 || m.turnsSince < everyNTurns {
		return
	}
	m.turnsSince = 0

	if len(m.ShortTerm) == 0 {
		return
	}

	var transcript string
	for _, t := range m.ShortTerm {
		transcript += t.Role + ": " + t.Content + "\n"
	}

	messages := []chat.Message{
		{Role: "system", Content: summarizePrompt},
		{Role: "user", Content: transcript},
	}
	result := client.Chat(ctx, messages)
	if result == "" {
		log.Warn().Msg("summarization call returned empty; keeping prior summary")
		return
	}

	if m.Summary != "" {
		m.Summary = m.Summary + " " + result
	} else {
		m.Summary = result
	}
}
