// Command assistant wires the perception pipeline, chat client, tool
// registry, broadcast bridge, and orchestrator turn loop into a single
// always-on process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jarvis-core/perception/internal/bridge"
	"github.com/jarvis-core/perception/internal/chat"
	"github.com/jarvis-core/perception/internal/config"
	"github.com/jarvis-core/perception/internal/orchestrator"
	"github.com/jarvis-core/perception/internal/session"
	"github.com/jarvis-core/perception/internal/telemetry"
	"github.com/jarvis-core/perception/internal/tools"
	"github.com/jarvis-core/perception/internal/vision/pipeline"
	"github.com/jarvis-core/perception/internal/vision/shared"
	"github.com/jarvis-core/perception/internal/vision/trajectory"
	"github.com/jarvis-core/perception/internal/vision/types"
)

var version = "0.1.0"

var log = telemetry.Component("main")

func main() {
	configPath := flag.String("config", "", "Path to TOML configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	listenAddr := flag.String("listen", "", "WebSocket bridge listen address (overrides config)")
	cameraID := flag.Int("camera", -1, "Camera device ID (overrides config)")
	chatModel := flag.String("chat-model", "", "Chat model name (overrides config)")
	dataDir := flag.String("data-dir", "", "Directory for reminders/session state (overrides config)")
	logLevel := flag.String("log-level", "info", "Log level: trace, debug, info, warn, error")
	pretty := flag.Bool("pretty", false, "Human-readable console logging instead of JSON")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "assistant - always-on perception and orchestration core\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("assistant version %s\n", version)
		os.Exit(0)
	}

	if err := telemetry.Init(telemetry.InitOptions{Level: *logLevel, Pretty: *pretty}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logging: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if *listenAddr != "" {
		cfg.Bridge.ListenAddr = *listenAddr
	}
	if *cameraID >= 0 {
		cfg.Camera.DeviceID = *cameraID
	}
	if *chatModel != "" {
		cfg.Chat.Model = *chatModel
	}
	if *dataDir != "" {
		cfg.Orchestrator.DataDir = *dataDir
	}
	if cfg.Orchestrator.DataDir == "" {
		cfg.Orchestrator.DataDir = "."
	}
	if cfg.Bridge.ListenAddr == "" {
		cfg.Bridge.ListenAddr = ":8765"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// C7: shared hardware singletons. The neural detector and face
	// detector are external collaborators per spec; without a concrete
	// opener, the registry degrades to "no detections"/"no faces" rather
	// than erroring.
	visionRegistry := shared.NewRegistry(shared.CameraConfig{
		DeviceID: cfg.Camera.DeviceID,
		Width:    cfg.Camera.Width,
		Height:   cfg.Camera.Height,
		FPS:      cfg.Camera.FPS,
		Mirror:   false,
	}, nil, nil)

	// C6: perception pipeline. No thermal/battery sensor wired; ambient
	// awareness still runs its motion/scene-change checks without the
	// thermal/battery branch.
	visionPipeline := pipeline.New(pipeline.Options{
		FrameWidth:  cfg.Vision.FlowWidth,
		FrameHeight: cfg.Vision.FlowHeight,
		FPS:         cfg.Camera.FPS,
	}, visionRegistry, nil)

	threatState := newThreatTracker()
	go threatState.consume(visionPipeline.Subscribe())

	if err := visionPipeline.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start perception pipeline; continuing without it")
	} else {
		defer visionPipeline.Stop()
	}

	// C8: chat client.
	chatOpts := chat.DefaultOptions()
	if cfg.Chat.BaseURL != "" {
		chatOpts.BaseURL = cfg.Chat.BaseURL
	}
	if cfg.Chat.Model != "" {
		chatOpts.Model = cfg.Chat.Model
	}
	if cfg.Chat.NumCtx > 0 {
		chatOpts.NumCtx = cfg.Chat.NumCtx
	}
	if cfg.Chat.NumCtxMax > 0 {
		chatOpts.NumCtxMax = cfg.Chat.NumCtxMax
	}
	if cfg.Chat.NumPredict > 0 {
		chatOpts.NumPredict = cfg.Chat.NumPredict
	}
	if cfg.Chat.Temperature > 0 {
		chatOpts.Temperature = cfg.Chat.Temperature
	}
	chatOpts.Think = cfg.Chat.Think
	if cfg.Chat.RequestTimeout > 0 {
		chatOpts.RequestTimeout = time.Duration(cfg.Chat.RequestTimeout) * time.Second
	}
	chatClient := chat.New(chatOpts, nil)

	if !chatClient.IsReachable(ctx) {
		log.Warn().Str("base_url", chatOpts.BaseURL).Msg("chat server not reachable at startup")
	}

	// C10: broadcast bridge, wired to the tool registry once built below.
	bridgeOpts := bridge.DefaultOptions()
	if cfg.Bridge.DefaultMinIntervalMs > 0 {
		bridgeOpts.DefaultMinInterval = time.Duration(cfg.Bridge.DefaultMinIntervalMs) * time.Millisecond
	}
	if cfg.Bridge.ThinkingStepMs > 0 {
		bridgeOpts.PerType[bridge.TypeThinkingStep] = time.Duration(cfg.Bridge.ThinkingStepMs) * time.Millisecond
	}
	for typ, ms := range cfg.Bridge.PerType {
		bridgeOpts.PerType[typ] = time.Duration(ms) * time.Millisecond
	}

	var toolRegistry *tools.Registry
	b := bridge.New(bridgeOpts, func(name string, args map[string]interface{}) string {
		if toolRegistry == nil {
			return "Tool registry not yet initialized."
		}
		return toolRegistry.Run(name, args)
	})

	toolRegistry = tools.New(
		cfg.Orchestrator.DataDir,
		visionRegistry,
		nil, // SystemStatsReader: Jetson vitals poller is an external collaborator, not wired here.
		threatState.summaryFn,
		nil, // HologramProducer: the observer UI's hologram overlay is owned by the dashboard, out of scope here.
		threatState.vitalsRawFn,
	)

	transportServer := bridge.NewServer(cfg.Bridge.ListenAddr, b)
	go func() {
		log.Info().Str("addr", cfg.Bridge.ListenAddr).Msg("starting bridge websocket server")
		if err := transportServer.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("bridge server stopped")
		}
	}()

	// C9: orchestrator turn loop.
	mem := session.Load(cfg.Orchestrator.DataDir)
	orchOpts := orchestrator.FromConfig(cfg.Orchestrator)
	orch := orchestrator.New(orchOpts, chatClient, toolRegistry, b, mem, nil, nil, nil)

	go orch.Run(ctx, b.Queries())

	log.Info().Msg("assistant running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")
	cancel()
}

// threatTracker holds the most recent pipeline result needed to answer
// <threat>/<vitals>-adjacent tool calls without the tool registry reaching
// back into the pipeline's internals directly.
type threatTracker struct {
	mu      sync.RWMutex
	summary string
	raw     map[string]interface{}
}

func newThreatTracker() *threatTracker {
	return &threatTracker{summary: "No threat data available.", raw: map[string]interface{}{}}
}

func (t *threatTracker) consume(results <-chan *types.PipelineResult) {
	for r := range results {
		egoType := types.MotionStatic
		if r.Ego != nil {
			egoType = r.Ego.MotionType
		}
		summary := trajectory.FormatSummary(r.Trajectories, r.CollisionAlerts, egoType)

		t.mu.Lock()
		t.summary = summary
		t.raw = map[string]interface{}{
			"frame":            r.Frame,
			"collision_alerts": len(r.CollisionAlerts),
			"proximity_alerts": len(r.ProximityAlerts),
			"total_latency_ms": r.TotalLatencyMS,
		}
		t.mu.Unlock()
	}
}

func (t *threatTracker) summaryFn() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary
}

func (t *threatTracker) vitalsRawFn() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]interface{}, len(t.raw))
	for k, v := range t.raw {
		out[k] = v
	}
	return out
}
