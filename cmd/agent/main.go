// Command agent is the Asterisk AI voice agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/ari"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/config"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/engine"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/health"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/observe"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/pipeline"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/playback"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/session"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/streaming"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/tools/telephony"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/vad/energy"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/transport/audiosocket"
	"github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/transport/rtp"

	// Full-agent providers register themselves on import.
	_ "github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent/deepgram"
	_ "github.com/seven1193/Asterisk-AI-Voice-Agent/pkg/provider/agent/local"
)

// Process exit codes.
const (
	exitOK        = 0
	exitConfig    = 1
	exitTransport = 2
	exitProvider  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher owns the config file: it loads it now and re-reads it on
	// change. Reloads apply to new calls; calls in flight keep the snapshot
	// they started with.
	var eng *engine.Engine
	watch, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		slog.Info("configuration reloaded, applies to new calls", "config", *configPath)
		if eng != nil {
			eng.UpdateConfig(next)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "agent: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "agent: %v\n", err)
		}
		return exitConfig
	}
	defer watch.Stop()
	cfg := watch.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("agent starting",
		"config", *configPath,
		"asterisk", cfg.Asterisk.URL,
		"app", cfg.Asterisk.AppName,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Warn("telemetry provider init failed, metrics export disabled", "err", err)
	} else {
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutCtx)
		}()
	}
	met := observe.DefaultMetrics()

	// ── Core wiring ───────────────────────────────────────────────────────────
	ariC := ari.NewClient(cfg.Asterisk.URL, cfg.Asterisk.Username, cfg.Asterisk.Password, cfg.Asterisk.AppName)
	store := session.NewStore()
	coord := session.NewCoordinator(store, logger)
	play := playback.NewManager(ariC, cfg.Server.MediaDir, logger)
	stream := streaming.NewManager(cfg.Streaming, coord, play, store, met, logger)

	// ── Tools ─────────────────────────────────────────────────────────────────
	reg := tools.Default()
	telephony.Register(reg)
	mcpMgr := tools.NewMCPManager(reg)
	if len(cfg.Tools.MCPServers) > 0 {
		for _, err := range mcpMgr.Connect(ctx, cfg.Tools.MCPServers) {
			slog.Warn("mcp server connection failed", "err", err)
		}
	}
	defer mcpMgr.Close()

	// ── AI backends ───────────────────────────────────────────────────────────
	orc := pipeline.NewOrchestrator(cfg, logger)
	if err := orc.Start(ctx); err != nil {
		slog.Error("pipeline validation failed", "err", err)
		return exitProvider
	}

	agents, err := buildAgents(cfg)
	if err != nil {
		slog.Error("agent provider init failed", "err", err)
		return exitProvider
	}
	if name := cfg.DefaultProvider; name != "" {
		if _, ok := agents[name]; !ok && cfg.ActivePipeline == "" {
			slog.Error("default provider is unavailable and no pipeline is configured", "provider", name)
			return exitProvider
		}
	}

	// ── Media transport ───────────────────────────────────────────────────────
	var tr engine.Transport
	if cfg.AudioSocket.Enabled {
		as, err := newAudioSocket(ctx, cfg, logger, &eng)
		if err != nil {
			slog.Error("audiosocket listen failed", "addr", cfg.AudioSocket.ListenAddr, "err", err)
			return exitTransport
		}
		defer as.Close()
		tr = &engine.AudioSocketTransport{Server: as}
		slog.Info("media transport ready", "mode", "audiosocket", "addr", cfg.AudioSocket.ListenAddr)
	} else {
		rtpSrv, err := newRTP(cfg, logger, &eng)
		if err != nil {
			slog.Error("rtp transport init failed", "err", err)
			return exitTransport
		}
		defer rtpSrv.Close()
		tr = &engine.RTPTransport{Server: rtpSrv, AdvertiseHost: cfg.RTP.Host}
		slog.Info("media transport ready", "mode", "rtp",
			"host", cfg.RTP.Host, "ports", fmt.Sprintf("%d-%d", cfg.RTP.PortMin, cfg.RTP.PortMax))
	}

	// ── Metrics / health server ───────────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		hh := health.New(health.Checker{Name: "asterisk", Check: ariC.Ping})
		go observe.Serve(ctx, observe.NewServer(cfg.Server.MetricsAddr, met, hh))
		slog.Info("metrics server listening", "addr", cfg.Server.MetricsAddr)
	}

	// ── Engine ────────────────────────────────────────────────────────────────
	eng, err = engine.New(engine.Params{
		Config:       cfg,
		ARI:          ariC,
		Store:        store,
		Coordinator:  coord,
		Streaming:    stream,
		Playback:     play,
		Orchestrator: orc,
		Tools:        reg,
		Transport:    tr,
		Providers:    agents,
		VAD:          energy.New(),
		Metrics:      met,
		Log:          logger,
	})
	if err != nil {
		slog.Error("engine init failed", "err", err)
		return exitConfig
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	es := ari.NewEventStream(ariC)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return es.Run(gctx) })
	g.Go(func() error { return eng.Run(gctx, es.Events()) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return exitConfig
	}

	slog.Info("goodbye")
	return exitOK
}

// ── AI backend wiring ─────────────────────────────────────────────────────────

// buildAgents constructs every enabled full-agent provider from the providers
// block. Entries whose name is not a registered agent backend are pipeline
// component settings and are skipped here.
func buildAgents(cfg *config.Config) (map[string]agent.Provider, error) {
	known := agent.Names()
	agents := make(map[string]agent.Provider)
	for name, pc := range cfg.Providers {
		if !pc.IsEnabled() || !slices.Contains(known, name) {
			continue
		}
		p, err := agent.New(name, agentSettings(pc))
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		agents[name] = p
		slog.Info("agent provider ready", "name", name, "model", pc.Model)
	}
	return agents, nil
}

func agentSettings(pc config.ProviderConfig) agent.Settings {
	return agent.Settings{
		APIKey:           pc.APIKey,
		BaseURL:          pc.BaseURL,
		Model:            pc.Model,
		Voice:            pc.Voice,
		Language:         pc.Language,
		InputEncoding:    pc.InputEncoding,
		InputSampleRate:  pc.InputSampleRate,
		OutputEncoding:   pc.OutputEncoding,
		OutputSampleRate: pc.OutputSampleRate,
		AutodetectOutput: pc.AutodetectOutput,
		Greeting:         pc.Greeting,
		SystemPrompt:     pc.SystemPrompt,
		ConnectTimeout:   pc.ConnectTimeout,
		ResponseTimeout:  pc.ResponseTimeout,
	}
}

// ── Media transport wiring ────────────────────────────────────────────────────

// newAudioSocket starts the AudioSocket listener. The dialplan passes the
// Stasis channel id as the connection UUID, so the connection id doubles as
// the call id; the first audio frame binds the two.
func newAudioSocket(ctx context.Context, cfg *config.Config, logger *slog.Logger, eng **engine.Engine) (*audiosocket.Server, error) {
	var as *audiosocket.Server
	var bound sync.Map
	opts := []audiosocket.Option{
		audiosocket.WithLogger(logger),
		audiosocket.WithAudioHandler(func(connID string, payload []byte) {
			if _, seen := bound.LoadOrStore(connID, struct{}{}); !seen {
				if err := as.BindCall(connID, connID); err != nil {
					logger.Warn("audiosocket bind failed", "conn_id", connID, "err", err)
				}
			}
			if e := *eng; e != nil {
				e.HandleInboundAudio(connID, payload)
			}
		}),
		audiosocket.WithDTMFHandler(func(connID string, digit byte) {
			logger.Debug("audiosocket dtmf", "conn_id", connID, "digit", string(digit))
		}),
		audiosocket.WithCloseHandler(func(connID string, err error) {
			bound.Delete(connID)
			if err != nil {
				logger.Warn("audiosocket connection closed", "conn_id", connID, "err", err)
			}
		}),
	}
	if cfg.AudioSocket.BroadcastDebug {
		opts = append(opts, audiosocket.WithBroadcastDebug())
	}
	as = audiosocket.NewServer(opts...)
	if err := as.Listen(ctx, cfg.AudioSocket.ListenAddr); err != nil {
		return nil, err
	}
	return as, nil
}

// newRTP creates the External Media RTP server. Sockets are bound lazily, one
// port per call; an invalid port range fails here.
func newRTP(cfg *config.Config, logger *slog.Logger, eng **engine.Engine) (*rtp.Server, error) {
	payloadType := uint8(rtp.PayloadTypeULaw)
	if cfg.RTP.Codec == "slin16" {
		payloadType = rtp.PayloadTypeL16
	}
	return rtp.NewServer(rtp.Config{
		Host:               cfg.RTP.Host,
		PortMin:            cfg.RTP.PortMin,
		PortMax:            cfg.RTP.PortMax,
		PayloadType:        payloadType,
		LockRemoteEndpoint: cfg.RTP.LockRemoteEndpoint,
		AllowedRemoteHosts: cfg.RTP.AllowedRemoteHosts,
	},
		rtp.WithLogger(logger),
		rtp.WithAudioHandler(func(callID string, payload []byte, _ uint8) {
			if e := *eng; e != nil {
				e.HandleInboundAudio(callID, payload)
			}
		}),
		rtp.WithSSRCHandler(func(callID string, ssrc uint32) {
			if e := *eng; e != nil {
				e.HandleInboundSSRC(callID, ssrc)
			}
		}),
		rtp.WithEndHandler(func(callID string, err error) {
			if err != nil {
				logger.Warn("rtp session ended", "call_id", callID, "err", err)
			}
		}),
	)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
