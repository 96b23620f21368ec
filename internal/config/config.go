// Package config provides TOML configuration loading for the perception
// and orchestration core.
//
// The configuration file supports the following structure:
//
//	[camera]
//	device_id = 0
//	width = 1280
//	height = 720
//	fps = 30
//
//	[vision]
//	flow_width = 320
//	flow_height = 240
//	...
//
// Example usage:
//
//	cfg, err := config.Load("config.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the complete configuration tree for the assistant process.
type Config struct {
	Camera       CameraConfig       `toml:"camera"`
	Vision       VisionConfig       `toml:"vision"`
	Ambient      AmbientConfig      `toml:"ambient"`
	Chat         ChatConfig         `toml:"chat"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Bridge       BridgeConfig       `toml:"bridge"`
}

// CameraConfig holds shared-camera capture settings (C7).
type CameraConfig struct {
	DeviceID int    `toml:"device_id"`
	Width    int    `toml:"width"`
	Height   int    `toml:"height"`
	FPS      int    `toml:"fps"`
	Device   string `toml:"device"` // optional explicit device path, e.g. /dev/video0
}

// VisionConfig holds optical-flow, ego-motion, trajectory and proximity
// thresholds (C1-C3, C5).
type VisionConfig struct {
	FlowWidth           int     `toml:"flow_width"`
	FlowHeight          int     `toml:"flow_height"`
	SparseMaxCorners    int     `toml:"sparse_max_corners"`
	EgoMinPoints        int     `toml:"ego_min_points"`
	EgoMotionThreshold  float64 `toml:"ego_motion_threshold"`
	EgoCacheMaxFrames   int     `toml:"ego_cache_max_frames"`
	SkipRotation        bool    `toml:"skip_rotation"`
	HFOVDeg             float64 `toml:"hfov_deg"`
	PredictionHorizon   float64 `toml:"prediction_horizon_sec"`
	PredictionSteps     int     `toml:"prediction_steps"`
	CollisionZoneMeters float64 `toml:"collision_zone_m"`
	MinSpeedPxSec       float64 `toml:"min_speed_px_sec"`
	ProximityCooldown   float64 `toml:"proximity_cooldown_sec"`
}

// AmbientConfig holds the duty-cycled ambient-awareness state machine
// tunables (C4).
type AmbientConfig struct {
	IdleHz                float64 `toml:"idle_hz"`
	ActiveHz              float64 `toml:"active_hz"`
	ActiveDurationSec     float64 `toml:"active_duration_sec"`
	CooldownSec           float64 `toml:"cooldown_sec"`
	EgoMotionThreshold    float64 `toml:"ego_motion_threshold"`
	MotionEnergyThreshold float64 `toml:"motion_energy_threshold"`
	SceneChangeThreshold  float64 `toml:"scene_change_threshold"`
	ThermalCheckInterval  float64 `toml:"thermal_check_interval_sec"`
	ThermalPauseC         float64 `toml:"thermal_pause_c"`
	BatteryLowPct         int     `toml:"battery_low_pct"`
}

// ChatConfig holds the external chat server connection and performance
// options (C8).
type ChatConfig struct {
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	NumCtx         int    `toml:"num_ctx"`
	NumCtxMax      int    `toml:"num_ctx_max"`
	NumPredict     int    `toml:"num_predict"`
	Temperature    float64 `toml:"temperature"`
	Think          bool   `toml:"think"`
	RequestTimeout int    `toml:"request_timeout_sec"`
}

// OrchestratorConfig holds turn-loop timing and history limits (C9).
type OrchestratorConfig struct {
	ProactiveIdleSec     float64 `toml:"proactive_idle_sec"`
	ProactiveCooldownSec float64 `toml:"proactive_cooldown_sec"`
	ContextMaxTurns      int     `toml:"context_max_turns"`
	SummaryEveryNTurns   int     `toml:"summary_every_n_turns"`
	MaxToolCallsPerTurn  int     `toml:"max_tool_calls_per_turn"`
	MaxToolRounds        int     `toml:"max_tool_rounds"`
	SttLLMRetries        int     `toml:"stt_llm_retries"`
	DataDir              string  `toml:"data_dir"`
	SarcasmEnabled       bool    `toml:"sarcasm_enabled"`
	TTSVoice             string  `toml:"tts_voice"`
}

// BridgeConfig holds broadcast rate limiting (C10).
type BridgeConfig struct {
	DefaultMinIntervalMs int            `toml:"default_min_interval_ms"`
	ThinkingStepMs       int            `toml:"thinking_step_ms"`
	ListenAddr           string         `toml:"listen_addr"`
	PerType              map[string]int `toml:"per_type_min_interval_ms"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			DeviceID: 0,
			Width:    1280,
			Height:   720,
			FPS:      30,
		},
		Vision: VisionConfig{
			FlowWidth:           320,
			FlowHeight:          240,
			SparseMaxCorners:    60,
			EgoMinPoints:        15,
			EgoMotionThreshold:  1.5,
			EgoCacheMaxFrames:   3,
			SkipRotation:        false,
			HFOVDeg:             60.0,
			PredictionHorizon:   3.0,
			PredictionSteps:     6,
			CollisionZoneMeters: 2.0,
			MinSpeedPxSec:       5.0,
			ProximityCooldown:   5.0,
		},
		Ambient: AmbientConfig{
			IdleHz:                2.0,
			ActiveHz:              5.0,
			ActiveDurationSec:     30.0,
			CooldownSec:           10.0,
			EgoMotionThreshold:    3.0,
			MotionEnergyThreshold: 0.08,
			SceneChangeThreshold:  0.25,
			ThermalCheckInterval:  30.0,
			ThermalPauseC:         80.0,
			BatteryLowPct:         15,
		},
		Chat: ChatConfig{
			BaseURL:        "http://127.0.0.1:11434",
			Model:          "qwen3:1.7b",
			NumCtx:         2048,
			NumCtxMax:      2048,
			NumPredict:     256,
			Temperature:    0.6,
			Think:          false,
			RequestTimeout: 30,
		},
		Orchestrator: OrchestratorConfig{
			ProactiveIdleSec:     300,
			ProactiveCooldownSec: 120,
			ContextMaxTurns:      8,
			SummaryEveryNTurns:   10,
			MaxToolCallsPerTurn:  4,
			MaxToolRounds:        3,
			SttLLMRetries:        2,
			DataDir:              "./data",
			SarcasmEnabled:       false,
			TTSVoice:             "default",
		},
		Bridge: BridgeConfig{
			DefaultMinIntervalMs: 0,
			ThinkingStepMs:       100,
			ListenAddr:           ":8787",
			PerType:              map[string]int{"thinking_step": 100},
		},
	}
}

// Load reads and parses a TOML configuration file. If path is empty or the
// file does not exist, the default configuration is returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("camera resolution must be positive, got %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("camera FPS must be positive, got %d", c.Camera.FPS)
	}
	if c.Vision.FlowWidth <= 0 || c.Vision.FlowHeight <= 0 {
		return fmt.Errorf("flow resolution must be positive")
	}
	if c.Vision.MinSpeedPxSec < 0 {
		return fmt.Errorf("min_speed_px_sec must be non-negative")
	}
	if c.Chat.NumCtx <= 0 {
		return fmt.Errorf("chat num_ctx must be positive")
	}
	if c.Orchestrator.MaxToolRounds <= 0 {
		return fmt.Errorf("orchestrator max_tool_rounds must be positive")
	}
	return nil
}
