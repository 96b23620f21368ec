package orchestrator

import (
	"strings"

	"github.com/jarvis-core/perception/internal/chat"
	"github.com/jarvis-core/perception/internal/session"
)

// contextBlocks holds the optional XML-tagged context data injected ahead
// of the user's raw text, in the fixed order time, scene, sys, reminders,
// vitals, threat. Any empty field's tag is omitted entirely.
type contextBlocks struct {
	CurrentTime string
	Scene       string
	SystemStats string
	Reminders   string
	Vitals      string
	Threat      string
}

func (c contextBlocks) render(query string) string {
	var b strings.Builder
	writeTag(&b, "time", c.CurrentTime)
	writeTag(&b, "scene", c.Scene)
	writeTag(&b, "sys", c.SystemStats)
	writeTag(&b, "reminders", c.Reminders)
	writeTag(&b, "vitals", c.Vitals)
	writeTag(&b, "threat", c.Threat)
	b.WriteString(query)
	return b.String()
}

func writeTag(b *strings.Builder, tag, value string) {
	if value == "" {
		return
	}
	b.WriteString("<")
	b.WriteString(tag)
	b.WriteString(">")
	b.WriteString(value)
	b.WriteString("</")
	b.WriteString(tag)
	b.WriteString(">\n")
}

// buildMessages constructs the two-message base case: a system prompt and
// a single user message carrying any present context tags plus the query.
func buildMessages(systemPrompt, query string, ctx contextBlocks) []chat.Message {
	return []chat.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: ctx.render(query)},
	}
}

// buildMessagesWithHistory extends buildMessages with a running summary
// prefix on the system message and a replay of recent short-term turns
// (bounded to the last maxTurns pairs), wrapping any prior vision-turn
// assistant reply in <history> tags so the model doesn't mistake stale
// scene data for the current one.
func buildMessagesWithHistory(systemPrompt, summary string, shortTerm []session.Turn, query string, ctx contextBlocks, maxTurns int) []chat.Message {
	system := systemPrompt
	if summary != "" {
		system = systemPrompt + "\nSummary: " + summary
	}

	messages := []chat.Message{{Role: "system", Content: system}}

	limit := maxTurns * 2
	replay := shortTerm
	if limit > 0 && len(replay) > limit {
		replay = replay[len(replay)-limit:]
	}

	for _, t := range replay {
		content := t.Content
		if t.Role == "assistant" && t.VisionTurn {
			content = "<history>" + content + "</history>"
		}
		messages = append(messages, chat.Message{Role: t.Role, Content: content})
	}

	messages = append(messages, chat.Message{Role: "user", Content: ctx.render(query)})
	return messages
}
