package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Camera.DeviceID != 0 {
		t.Errorf("expected DeviceID 0, got %d", cfg.Camera.DeviceID)
	}
	if cfg.Camera.Width != 1280 {
		t.Errorf("expected Width 1280, got %d", cfg.Camera.Width)
	}
	if cfg.Camera.FPS != 30 {
		t.Errorf("expected FPS 30, got %d", cfg.Camera.FPS)
	}
	if cfg.Vision.FlowWidth != 320 || cfg.Vision.FlowHeight != 240 {
		t.Errorf("expected 320x240 flow resolution, got %dx%d", cfg.Vision.FlowWidth, cfg.Vision.FlowHeight)
	}
	if cfg.Chat.Model != "qwen3:1.7b" {
		t.Errorf("expected default chat model qwen3:1.7b, got %s", cfg.Chat.Model)
	}
	if cfg.Chat.NumCtx != 2048 {
		t.Errorf("expected NumCtx 2048, got %d", cfg.Chat.NumCtx)
	}
	if cfg.Orchestrator.MaxToolRounds != 3 {
		t.Errorf("expected MaxToolRounds 3, got %d", cfg.Orchestrator.MaxToolRounds)
	}
	if cfg.Orchestrator.SttLLMRetries != 2 {
		t.Errorf("expected SttLLMRetries 2, got %d", cfg.Orchestrator.SttLLMRetries)
	}
	if cfg.Bridge.ListenAddr != ":8787" {
		t.Errorf("expected ListenAddr :8787, got %s", cfg.Bridge.ListenAddr)
	}
}

func TestLoad_EmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
}

func TestLoad_NonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("unexpected error for non-existent file: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected default config for non-existent file")
	}
}

func TestLoad_ValidFile(t *testing.T) {
	content := `
[camera]
device_id = 1
width = 1920
height = 1080
fps = 60

[chat]
base_url = "http://127.0.0.1:11500"
model = "qwen3:4b"
num_ctx = 4096
num_ctx_max = 4096

[orchestrator]
proactive_idle_sec = 600
max_tool_rounds = 5
data_dir = "/var/lib/assistant"
sarcasm_enabled = true

[bridge]
listen_addr = ":9000"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Camera.DeviceID != 1 {
		t.Errorf("expected DeviceID 1, got %d", cfg.Camera.DeviceID)
	}
	if cfg.Camera.Width != 1920 || cfg.Camera.Height != 1080 {
		t.Errorf("expected 1920x1080, got %dx%d", cfg.Camera.Width, cfg.Camera.Height)
	}
	if cfg.Chat.Model != "qwen3:4b" {
		t.Errorf("expected chat model qwen3:4b, got %s", cfg.Chat.Model)
	}
	if cfg.Chat.NumCtx != 4096 {
		t.Errorf("expected NumCtx 4096, got %d", cfg.Chat.NumCtx)
	}
	if cfg.Orchestrator.MaxToolRounds != 5 {
		t.Errorf("expected MaxToolRounds 5, got %d", cfg.Orchestrator.MaxToolRounds)
	}
	if !cfg.Orchestrator.SarcasmEnabled {
		t.Error("expected SarcasmEnabled to be true")
	}
	if cfg.Bridge.ListenAddr != ":9000" {
		t.Errorf("expected ListenAddr :9000, got %s", cfg.Bridge.ListenAddr)
	}
	// Unset sections keep their defaults.
	if cfg.Vision.FlowWidth != 320 {
		t.Errorf("expected default FlowWidth 320 to survive partial override, got %d", cfg.Vision.FlowWidth)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invalid.toml")
	if err := os.WriteFile(path, []byte("invalid [ toml"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestValidate_InvalidCameraResolution(t *testing.T) {
	cfg := Default()
	cfg.Camera.Width = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid width")
	}

	cfg = Default()
	cfg.Camera.Height = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid height")
	}
}

func TestValidate_InvalidFPS(t *testing.T) {
	cfg := Default()
	cfg.Camera.FPS = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid FPS")
	}
}

func TestValidate_InvalidFlowResolution(t *testing.T) {
	cfg := Default()
	cfg.Vision.FlowWidth = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid flow width")
	}
}

func TestValidate_InvalidMinSpeed(t *testing.T) {
	cfg := Default()
	cfg.Vision.MinSpeedPxSec = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative min_speed_px_sec")
	}
}

func TestValidate_InvalidNumCtx(t *testing.T) {
	cfg := Default()
	cfg.Chat.NumCtx = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive num_ctx")
	}
}

func TestValidate_InvalidMaxToolRounds(t *testing.T) {
	cfg := Default()
	cfg.Orchestrator.MaxToolRounds = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-positive max_tool_rounds")
	}
}
