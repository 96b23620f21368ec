// Package tools implements the local tool registry (consumed by the
// orchestrator's ReAct loop): vision re-scan, reminder creation and listing, a joke, a
// sarcasm toggle, a status reporter, and the bridge-visible hologram,
// vitals, and threat producers.
package tools

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jarvis-core/perception/internal/chat"
	"github.com/jarvis-core/perception/internal/reminders"
	"github.com/jarvis-core/perception/internal/telemetry"
)

var log = telemetry.Component("tools")

// SceneDescriber produces a natural-language description of the current
// camera scene, satisfied by *shared.Registry in production.
type SceneDescriber interface {
	DescribeScene() string
}

// SystemStatsReader reports hardware vitals (power mode, GPU/mem/temp) and
// an optional thermal warning string, empty when nothing is concerning.
type SystemStatsReader interface {
	SystemStats() (stats string, thermalWarning string)
}

// ThreatSummarizer renders the current collision/proximity risk picture as
// a compact natural-language string for the <threat> context tag.
type ThreatSummarizer func() string

// HologramProducer renders whatever the observer UI's hologram overlay
// needs for its next frame.
type HologramProducer func() map[string]interface{}

// Registry wires the tool implementations to their collaborators and
// exposes the uniform run_tool(name, args) -> string entry point the
// orchestrator's ReAct loop calls.
type Registry struct {
	scene          SceneDescriber
	stats          SystemStatsReader
	threat         ThreatSummarizer
	hologram       HologramProducer
	vitalsRaw      func() map[string]interface{}
	dataDir        string
	sarcasmEnabled int32
}

// New builds a tool Registry. Any collaborator may be nil; the
// corresponding tool then reports a degraded-but-safe result.
func New(dataDir string, scene SceneDescriber, stats SystemStatsReader, threat ThreatSummarizer, hologram HologramProducer, vitalsRaw func() map[string]interface{}) *Registry {
	return &Registry{
		scene:     scene,
		stats:     stats,
		threat:    threat,
		hologram:  hologram,
		vitalsRaw: vitalsRaw,
		dataDir:   dataDir,
	}
}

// SarcasmEnabled reports whether sarcasm mode is currently on.
func (r *Registry) SarcasmEnabled() bool {
	return atomic.LoadInt32(&r.sarcasmEnabled) != 0
}

// Run executes a named tool with the given arguments and returns its
// string result. An unknown tool name yields a descriptive string rather
// than an error, matching the chat loop's always-a-string tool contract.
func (r *Registry) Run(name string, args map[string]interface{}) string {
	switch name {
	case "vision_analyze":
		return r.visionAnalyze()
	case "get_jetson_status":
		return r.jetsonStatus()
	case "get_current_time":
		return time.Now().Format("2006-01-02 15:04:05")
	case "create_reminder":
		return r.createReminder(args)
	case "list_reminders":
		return r.listReminders()
	case "tell_joke":
		return tellJoke()
	case "toggle_sarcasm":
		return r.toggleSarcasm(args)
	case "hologram_snapshot":
		return r.hologramSnapshot()
	case "vitals_snapshot":
		return r.vitalsSnapshot()
	case "threat_snapshot":
		return r.threatSnapshot()
	default:
		return fmt.Sprintf("Unknown tool: %s", name)
	}
}

func (r *Registry) visionAnalyze() string {
	if r.scene == nil {
		return "Vision temporarily unavailable."
	}
	return r.scene.DescribeScene()
}

func (r *Registry) jetsonStatus() string {
	if r.stats == nil {
		return "System stats unavailable."
	}
	stats, thermal := r.stats.SystemStats()
	switch {
	case stats != "" && thermal != "":
		return stats + "; " + thermal
	case stats != "":
		return stats
	case thermal != "":
		return thermal
	default:
		return "System stats unavailable."
	}
}

func (r *Registry) createReminder(args map[string]interface{}) string {
	text, _ := args["text"].(string)
	timeStr, _ := args["time_str"].(string)
	if timeStr == "" {
		timeStr, _ = args["time"].(string)
	}
	if text == "" {
		return "Failed to add reminder."
	}
	if err := reminders.Create(r.dataDir, text, timeStr); err != nil {
		log.Warn().Err(err).Msg("create_reminder failed")
		return "Failed to add reminder."
	}
	result := fmt.Sprintf("Reminder added: %s", text)
	if timeStr != "" {
		result += fmt.Sprintf(" at %s", timeStr)
	}
	return result + "."
}

func (r *Registry) listReminders() string {
	items := reminders.Load(r.dataDir)
	out := reminders.FormatForLLM(items, 10)
	if out == "" {
		return "No pending reminders."
	}
	return out
}

var jokes = []string{
	"I would avoid the priesthood, Sir. The only thing they're good at is wine and wafer management.",
	"I've calculated the odds of your survival. I'd rather not share them.",
	"Shall I alert the press that the great Tony Stark has misplaced his keys?",
	"Your security protocol appears to be 'hope for the best'. Charming.",
	"I'm afraid the only thing unbreakable in this scenario is my patience.",
}

func tellJoke() string {
	return jokes[rand.Intn(len(jokes))]
}

func (r *Registry) toggleSarcasm(args map[string]interface{}) string {
	enabled, _ := args["enabled"].(bool)
	if enabled {
		atomic.StoreInt32(&r.sarcasmEnabled, 1)
		return "Sarcasm mode on."
	}
	atomic.StoreInt32(&r.sarcasmEnabled, 0)
	return "Sarcasm mode off."
}

func (r *Registry) hologramSnapshot() string {
	if r.hologram == nil {
		return "Hologram projector unavailable."
	}
	return fmt.Sprintf("%v", r.hologram())
}

func (r *Registry) vitalsSnapshot() string {
	if r.vitalsRaw == nil {
		return "Vitals unavailable."
	}
	return fmt.Sprintf("%v", r.vitalsRaw())
}

func (r *Registry) threatSnapshot() string {
	if r.threat == nil {
		return "No threat data available."
	}
	return r.threat()
}

// Schemas returns the chat server's function-calling tool schemas for the
// minimal tool set surfaced to the LLM. get_current_time, get_jetson_status,
// and list_reminders are deliberately excluded: time, stats, and reminders
// are already injected into the user's XML-tagged context, so the model
// never needs to call a tool for them.
func Schemas() []chat.Tool {
	return []chat.Tool{
		{Type: "function", Function: map[string]interface{}{
			"name":        "vision_analyze",
			"description": "Re-scan camera with optional focus prompt.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"prompt": map[string]interface{}{"type": "string", "description": "Focus: person, cup, etc."},
				},
			},
		}},
		{Type: "function", Function: map[string]interface{}{
			"name":        "create_reminder",
			"description": "Save a reminder with optional time.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"text":     map[string]interface{}{"type": "string", "description": "Reminder text."},
					"time_str": map[string]interface{}{"type": "string", "description": "Time, e.g. 14:00."},
				},
				"required": []string{"text"},
			},
		}},
		{Type: "function", Function: map[string]interface{}{
			"name":        "tell_joke",
			"description": "Tell a witty one-liner.",
			"parameters":  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		}},
		{Type: "function", Function: map[string]interface{}{
			"name":        "toggle_sarcasm",
			"description": "Toggle sarcasm mode.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"enabled": map[string]interface{}{"type": "boolean", "description": "True=on."},
				},
				"required": []string{"enabled"},
			},
		}},
	}
}
