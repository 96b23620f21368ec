package orchestrator

import (
	"strings"
	"testing"

	"github.com/jarvis-core/perception/internal/session"
)

func TestBuildMessagesBasic(t *testing.T) {
	out := buildMessages("You are Jarvis.", "What time is it?", contextBlocks{})
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "You are Jarvis." {
		t.Errorf("unexpected system message: %+v", out[0])
	}
	if out[1].Role != "user" || !strings.Contains(out[1].Content, "What time is it?") {
		t.Errorf("unexpected user message: %+v", out[1])
	}
}

func TestBuildMessagesWithVisionAndReminders(t *testing.T) {
	out := buildMessages("You are Jarvis.", "What do you see?", contextBlocks{
		Scene:     "person(2), laptop(1)",
		Reminders: "Call mom; Review PR",
	})
	if !strings.Contains(out[1].Content, "<scene>person(2), laptop(1)</scene>") {
		t.Errorf("expected scene tag, got %q", out[1].Content)
	}
	if !strings.Contains(out[1].Content, "<reminders>") || !strings.Contains(out[1].Content, "Call mom") {
		t.Errorf("expected reminders tag, got %q", out[1].Content)
	}
}

func TestBuildMessagesWithTimeAndStats(t *testing.T) {
	out := buildMessages("You are Jarvis.", "What time is it?", contextBlocks{
		CurrentTime: "2026-02-07 12:00:00",
		SystemStats: "Power mode: MAXN_SUPER",
	})
	if !strings.Contains(out[1].Content, "<time>2026-02-07") {
		t.Errorf("expected time tag, got %q", out[1].Content)
	}
	if !strings.Contains(out[1].Content, "<sys>") || !strings.Contains(out[1].Content, "MAXN_SUPER") {
		t.Errorf("expected sys tag, got %q", out[1].Content)
	}
}

func TestBuildMessagesWithVitalsAndThreat(t *testing.T) {
	out := buildMessages("You are Jarvis.", "How am I looking?", contextBlocks{
		Vitals: "mild fatigue,posture:fair",
		Threat: "2/10 low",
	})
	if !strings.Contains(out[1].Content, "<vitals>mild fatigue,posture:fair</vitals>") {
		t.Errorf("expected vitals tag, got %q", out[1].Content)
	}
	if !strings.Contains(out[1].Content, "<threat>2/10 low</threat>") {
		t.Errorf("expected threat tag, got %q", out[1].Content)
	}
}

func TestBuildMessagesNoContextNoTags(t *testing.T) {
	out := buildMessages("You are Jarvis.", "Hello", contextBlocks{})
	if strings.Contains(out[1].Content, "<") {
		t.Errorf("expected no XML tags, got %q", out[1].Content)
	}
	if out[1].Content != "Hello" {
		t.Errorf("expected raw query unchanged, got %q", out[1].Content)
	}
}

func TestBuildMessagesWithHistoryBasic(t *testing.T) {
	out := buildMessagesWithHistory("You are Jarvis.", "", nil, "What time is it?", contextBlocks{CurrentTime: "2026-02-07 12:00:00"}, 3)
	if out[0].Role != "system" {
		t.Fatalf("expected first message system, got %+v", out[0])
	}
	last := out[len(out)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "What time is it?") {
		t.Errorf("unexpected final user message: %+v", last)
	}
	if !strings.Contains(last.Content, "<time>2026-02-07") {
		t.Errorf("expected time tag in final message, got %q", last.Content)
	}
}

func TestBuildMessagesWithHistoryAndSummary(t *testing.T) {
	shortTerm := []session.Turn{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello, Sir."},
	}
	out := buildMessagesWithHistory("You are Jarvis.", "User asked about the weather.", shortTerm, "And the time?", contextBlocks{}, 3)

	if !strings.Contains(out[0].Content, "Summary:") || !strings.Contains(out[0].Content, "User asked about the weather") {
		t.Fatalf("expected summary folded into system message, got %q", out[0].Content)
	}
	if out[1].Role != "user" || !strings.Contains(out[1].Content, "Hi") {
		t.Errorf("expected replayed user turn, got %+v", out[1])
	}
	if out[2].Role != "assistant" {
		t.Errorf("expected replayed assistant turn, got %+v", out[2])
	}
	if out[3].Role != "user" || !strings.Contains(out[3].Content, "And the time?") {
		t.Errorf("expected final user turn, got %+v", out[3])
	}
}

func TestVisionTurnHistoryTagged(t *testing.T) {
	shortTerm := []session.Turn{
		{Role: "user", Content: "What do you see?"},
		{Role: "assistant", Content: "I see a cat, sir.", VisionTurn: true},
	}
	out := buildMessagesWithHistory("You are Jarvis.", "", shortTerm, "What about now?", contextBlocks{Scene: "dog(1), chair(2)"}, 4)

	var historyMsg string
	for _, m := range out {
		if m.Role == "assistant" {
			historyMsg = m.Content
			break
		}
	}
	if !strings.Contains(historyMsg, "<history>") || !strings.Contains(historyMsg, "I see a cat, sir.") || !strings.Contains(historyMsg, "</history>") {
		t.Errorf("expected vision-turn assistant reply wrapped in <history>, got %q", historyMsg)
	}

	last := out[len(out)-1]
	if !strings.Contains(last.Content, "<scene>dog(1), chair(2)</scene>") {
		t.Errorf("expected current scene tag in final user message, got %q", last.Content)
	}
}
