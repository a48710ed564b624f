package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/liku-ai/gamecoord/internal/agentry"
	"github.com/liku-ai/gamecoord/internal/auth"
	"github.com/liku-ai/gamecoord/internal/bus"
	"github.com/liku-ai/gamecoord/internal/chatroom"
	"github.com/liku-ai/gamecoord/internal/config"
	"github.com/liku-ai/gamecoord/internal/game"
	"github.com/liku-ai/gamecoord/internal/game/tictactoe"
	"github.com/liku-ai/gamecoord/internal/health"
	"github.com/liku-ai/gamecoord/internal/logging"
	"github.com/liku-ai/gamecoord/internal/matchmaking"
	"github.com/liku-ai/gamecoord/internal/middleware"
	"github.com/liku-ai/gamecoord/internal/protocol"
	"github.com/liku-ai/gamecoord/internal/ratelimit"
	"github.com/liku-ai/gamecoord/internal/router"
	"github.com/liku-ai/gamecoord/internal/spectate"
	"github.com/liku-ai/gamecoord/internal/statsstore"
	"github.com/liku-ai/gamecoord/internal/tracing"
	"github.com/liku-ai/gamecoord/internal/transporthub"
)

// App wires every coordination-server collaborator together: the game and
// matchmaking managers, the per-session chat and spectator fan-out, the
// agent registry, and the transport hub that fronts all of it. It plays the
// role the teacher's main() body plays inline (cmd/v1/session/main.go), but
// split out so it can be built once and handed to both the HTTP server and
// the background sweep goroutine.
type App struct {
	cfg *config.Config

	bus     *bus.Service
	stats   statsstore.Store
	agents  *agentry.Registry
	games   *game.Manager
	matches *matchmaking.Manager
	chats   *chatroom.Manager
	hub     *transporthub.Hub
	router  *router.Router
	healthz *health.Handler

	specMu sync.Mutex
	specs  map[string]*spectate.Broadcaster
}

func run(ctx context.Context, cfg *config.Config, flags *cliFlags) error {
	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	if flags.otelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "gamecoord", flags.otelCollectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled, collector unreachable", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(context.Background()) }()
		}
	}

	var busSvc *bus.Service
	if cfg.RedisEnabled {
		svc, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		busSvc = svc
		defer busSvc.Close()
	}

	var stats statsstore.Store
	if flags.statsStoreURL != "" {
		stats = statsstore.NewHTTPStore(flags.statsStoreURL)
	} else {
		stats = statsstore.NewInMemoryStore()
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		CommandsPerSecond: cfg.RateLimitCommandsPerSecond,
		BurstEvents:       cfg.RateLimitBurstThreshold,
		BurstCooldown:     cfg.RateLimitBurstCooldown,
		BanDuration:       cfg.RateLimitBanDuration,
		LongBanThreshold:  cfg.RateLimitLongBanThreshold,
		LongBanDuration:   cfg.RateLimitLongBanDuration,
	}, busSvc.Client())
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	var validator transporthub.Validator
	if cfg.Token.Enabled {
		v, err := auth.NewValidator(cfg.Token.Secret, cfg.Token.Issuer, cfg.Token.Audience, auth.Algorithm(flags.tokenAlgorithm))
		if err != nil {
			return fmt.Errorf("build token validator: %w", err)
		}
		validator = v
		logging.Info(ctx, "token auth enabled", zap.String("issuer", cfg.Token.Issuer))
	} else {
		validator = &auth.MockValidator{}
		logging.Warn(ctx, "token auth disabled, using MockValidator; do not run this in production")
	}

	app := &App{
		cfg:    cfg,
		bus:    busSvc,
		stats:  stats,
		agents: agentry.New(),
		chats:  chatroom.New(),
		specs:  make(map[string]*spectate.Broadcaster),
	}
	app.games = game.NewManager(app.onGameEvent, cfg.SessionReapTTL)
	app.games.RegisterProtocol(tictactoe.New())
	app.matches = matchmaking.New(app.games, cfg.MatchTicketTTL)
	app.router = router.New(cfg.RequestTimeout)
	app.registerHandlers()

	app.hub = transporthub.New(transporthub.Config{
		Validator:         validator,
		Limiter:           limiter,
		Agents:            app.agents,
		Router:            app.router,
		MaxClients:        cfg.MaxClients,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AuthRequired:      cfg.Token.Enabled,
		TLSEnabled:        cfg.TLS.CertFile != "",
		Capabilities:      []string{"matchmaking", "spectate", "chat", "patch-state"},
		OnDisconnect:      app.onAgentIdle,
	})
	app.healthz = health.NewHandler(busSvc, app.hub, cfg.MaxClients, app.hub.Count)

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go app.sweepLoop(sweepCtx)

	engine := app.buildEngine(flags.otelCollectorAddr != "")

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	go func() {
		logging.Info(ctx, "gameserver starting", zap.String("port", cfg.Port))
		var err error
		if cfg.TLS.CertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server exited unexpectedly", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "gameserver exiting")
	return nil
}

func (a *App) buildEngine(tracingEnabled bool) *gin.Engine {
	if !a.cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = a.cfg.AllowedOrigins
	corsCfg.AllowCredentials = true
	engine.Use(cors.New(corsCfg))

	if tracingEnabled {
		engine.Use(otelgin.Middleware("gamecoord"))
	}

	engine.GET("/ws", a.hub.ServeWS)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/live", a.healthz.Liveness)
	engine.GET("/ready", a.healthz.Readiness)
	engine.GET("/health", a.healthz.Health)

	return engine
}

// sweepLoop periodically evicts reaped sessions and expired match tickets,
// mirroring the teacher's idle-room cleanup timer (internal/v1/session/hub.go).
func (a *App) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.games.ReapFinished(now); n > 0 {
				logging.Info(ctx, "reaped finished sessions", zap.Int("count", n))
			}
			if n := a.matches.Sweep(now); n > 0 {
				logging.Info(ctx, "swept expired match tickets", zap.Int("count", n))
			}
		}
	}
}

// broadcaster returns (creating if necessary) the spectator broadcaster for
// a session, configured from the game type's tunables.
func (a *App) broadcaster(sessionID, gameType string) *spectate.Broadcaster {
	a.specMu.Lock()
	defer a.specMu.Unlock()

	if b, ok := a.specs[sessionID]; ok {
		return b
	}

	gcfg, ok := a.cfg.Games[gameType]
	if !ok {
		gcfg = config.GameConfig{BroadcastInterval: 200 * time.Millisecond, SpectatorCap: 20, PatchingEnabled: true}
	}

	b := spectate.New(sessionID, spectate.Config{
		Interval:        gcfg.BroadcastInterval,
		MaxSpectators:   gcfg.SpectatorCap,
		PatchingEnabled: gcfg.PatchingEnabled,
	}, func() any {
		sess, ok := a.games.Get(sessionID)
		if !ok {
			return nil
		}
		return sess.View()
	})
	a.specs[sessionID] = b
	return b
}

// attachSpectator subscribes a joined spectator to the session's paced
// frame stream. Delivery goes through SendToAgent so a spectator holding
// several connections sees the same frames on each.
func (a *App) attachSpectator(sessionID, gameType, agentID string) *protocol.Error {
	b := a.broadcaster(sessionID, gameType)
	err := b.Join(agentID, spectate.QualityHigh, func(kind string, data any) error {
		frame := protocol.StateFrame(map[string]any{
			"sessionId": sessionID,
			"kind":      kind,
			"payload":   data,
		}, time.Now().UnixMilli())
		a.hub.SendToAgent(agentID, frame)
		return nil
	})
	if err != nil {
		_ = a.games.Leave(sessionID, agentID)
		return protocol.NewError(protocol.ErrNoFreeSlot, "session is at spectator capacity")
	}
	a.broadcastSpectatorCount(sessionID, b.Count())
	return nil
}

func (a *App) detachSpectator(sessionID, agentID string) {
	a.specMu.Lock()
	b, ok := a.specs[sessionID]
	a.specMu.Unlock()
	if !ok {
		return
	}
	b.Leave(agentID)
	a.broadcastSpectatorCount(sessionID, b.Count())
}

// broadcastSpectatorCount publishes live attendance to the session topic on
// every spectator join/leave.
func (a *App) broadcastSpectatorCount(sessionID string, count int) {
	a.hub.Broadcast(sessionTopic(sessionID), protocol.EventFrame(map[string]any{
		"type":      "SpectatorCount",
		"sessionId": sessionID,
		"count":     count,
	}, time.Now().UnixMilli()))
}

// onAgentIdle runs when an agent's last connection closes; the registry
// entry survives only while the agent is still seated in a live session.
func (a *App) onAgentIdle(_ string, agentID string) {
	if a.games.AgentHasActiveSession(agentID) {
		return
	}
	a.agents.Remove(agentID)
}

// chatSettings derives per-room chat policy from the server configuration.
func (a *App) chatSettings() chatroom.Settings {
	s := chatroom.DefaultSettings()
	s.MessagesPerSecond = a.cfg.ChatMessagesPerSecond
	s.MessagesPerMinute = a.cfg.ChatMessagesPerMinute
	s.BurstLimit = a.cfg.ChatBurstThreshold
	s.BurstCooldown = a.cfg.ChatCooldown
	s.RetentionCount = a.cfg.ChatRetention
	return s
}

func (a *App) stopBroadcaster(sessionID string) {
	a.specMu.Lock()
	b, ok := a.specs[sessionID]
	delete(a.specs, sessionID)
	a.specMu.Unlock()
	if ok {
		b.Stop()
	}
}

// onGameEvent fans a session lifecycle event out to every connection
// subscribed to that session's topic, and to the external stats store once
// a game concludes. Never called under Session.mu (game.Manager's contract).
func (a *App) onGameEvent(ev game.Event) {
	ctx := context.WithValue(context.Background(), logging.SessionIDKey, ev.SessionID)
	now := time.Now().UnixMilli()
	topic := sessionTopic(ev.SessionID)

	switch ev.Type {
	case game.EventGameStarted, game.EventMoveMade, game.EventRematchReady:
		a.hub.Broadcast(topic, protocol.StateFrame(ev.Data, now))
	default:
		a.hub.Broadcast(topic, protocol.EventFrame(map[string]any{"type": ev.Type, "data": ev.Data}, now))
	}

	if a.bus != nil {
		_ = a.bus.Publish(ctx, ev.SessionID, ev.Type, ev.Data, "")
	}

	switch ev.Type {
	case game.EventSpectatorLeft:
		if agentID, ok := ev.Data.(string); ok {
			a.detachSpectator(ev.SessionID, agentID)
		}
	case game.EventGameEnded:
		a.recordResults(ctx, ev.SessionID)
		a.stopBroadcaster(ev.SessionID)
	}
}

func (a *App) recordResults(ctx context.Context, sessionID string) {
	sess, ok := a.games.Get(sessionID)
	if !ok {
		return
	}
	view := sess.View()
	if view.Result == nil {
		return
	}

	for slot, agentID := range view.Players {
		outcome := "draw"
		switch view.Result.Reason {
		case game.EndReasonDraw:
			outcome = "draw"
		case game.EndReasonWin, game.EndReasonForfeit:
			if view.Result.Winner != nil && *view.Result.Winner == slot {
				outcome = "win"
			} else {
				outcome = "loss"
			}
		}
		var opponent string
		for otherSlot, otherID := range view.Players {
			if otherSlot != slot {
				opponent = otherID
			}
		}
		agentCtx := context.WithValue(ctx, logging.AgentIDKey, agentID)
		result := statsstore.Result{Outcome: outcome, Opponent: opponent, MoveCount: view.MoveCount}
		if err := a.stats.RecordResult(agentCtx, view.GameType, agentID, result); err != nil {
			logging.Warn(agentCtx, "failed to record game result", zap.Error(err))
		}
	}
}

// onChatEvent fans a chat-room event out to the room's topic. Whisper
// events are skipped: handleChatWhisper delivers them to the target only.
func (a *App) onChatEvent(ev chatroom.Event) {
	if ev.Message != nil && ev.Message.Type == chatroom.MessageWhisper {
		return
	}
	a.hub.Broadcast(chatTopic(ev.RoomID), protocol.EventFrame(ev, time.Now().UnixMilli()))
}

func sessionTopic(sessionID string) string { return "session:" + sessionID }
func chatTopic(roomID string) string       { return "chat:" + roomID }
