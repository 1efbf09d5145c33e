package server

import (
	"context"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/audit"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/auth"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/config"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/ingest"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/location"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/noise"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/reconcile"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/session"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/stream"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/syncer"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/telemetry"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Stream *stream.Hub
	Loop   *ingest.Loop
	Sched  *syncer.Scheduler

	log        *zap.Logger
	trail      *audit.Recorder
	engine     *syncer.Engine
	reconciler *reconcile.Reconciler
}

func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	trail := audit.NewRecorder(db, log)
	hub := stream.NewHub(redisClient, log)
	locations := location.NewService(db, trail)
	sessions := session.NewService(db, trail)
	tel := telemetry.NewService(db)

	filter := noise.NewFilter(noise.Config{
		AccuracyThresholdM: cfg.AccuracyThresholdM,
		GoodAccuracyM:      cfg.GoodAccuracyM,
		PoorAccuracyM:      cfg.PoorAccuracyM,
		MinRadiusScale:     cfg.MinRadiusScale,
		MinMarginPercent:   cfg.MinMarginPercent,
		BounceExitLimit:    cfg.BounceExitLimit,
		BounceWindow:       cfg.BounceWindow(),
		ReentryWindow:      cfg.ReentryWindow(),
	})
	loop := ingest.NewLoop(filter, sessions, locations, trail, hub, log,
		cfg.IngestQueueSize, time.Duration(cfg.ExpireTickSecond)*time.Second)

	reconciler := reconcile.New(db, sessions, tel, trail, log, reconcile.Config{
		DefaultShift: cfg.DefaultShift(),
		StaleMargin:  cfg.StaleMargin(),
		MaxClockSkew: cfg.MaxClockSkew(),
	})

	remote := syncer.NewHTTPStore(cfg.RemoteBaseURL, cfg.RemoteAPIKey,
		cfg.SyncMaxRetries, cfg.SyncBackoffBase(), log)
	engine := syncer.NewEngine(db, remote, trail, log, cfg.SyncBatchSize)

	s := &Server{
		App:        app,
		Cfg:        cfg,
		DB:         db,
		Redis:      redisClient,
		Stream:     hub,
		Loop:       loop,
		log:        log,
		trail:      trail,
		engine:     engine,
		reconciler: reconciler,
	}
	s.Sched = syncer.NewScheduler(log, s.syncRound)

	registerRoutes(s, locations, sessions, tel)
	return s
}

func registerRoutes(s *Server, locations *location.Service, sessions *session.Service, tel *telemetry.Service) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	location.RegisterRoutes(s.App.Group("/locations"), locations, jwtMiddleware)
	sessionGroup := s.App.Group("/sessions")
	session.RegisterRoutes(sessionGroup, sessions, locations, jwtMiddleware)
	reconcile.RegisterSessionRoutes(sessionGroup, s.reconciler, jwtMiddleware)
	ingest.RegisterRoutes(s.App.Group("/events"), s.Loop, tel, jwtMiddleware)
	reconcile.RegisterRoutes(s.App.Group("/reconcile"), s.reconciler, jwtMiddleware)
	syncer.RegisterRoutes(s.App.Group("/sync"), s.engine, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}

// Start launches the ingest consumer and the periodic sync round.
func (s *Server) Start(ctx context.Context) error {
	go s.Loop.Run(ctx)
	return s.Sched.Start(s.Cfg.SyncCronSpec)
}

// Stop halts the scheduler; the ingest loop stops with its context.
func (s *Server) Stop() {
	s.Sched.Stop()
}

// syncRound is one scheduled pass: sync, then reconcile, then trim the log.
func (s *Server) syncRound(ctx context.Context) {
	if err := s.engine.Sync(ctx); err != nil {
		s.log.Warn("sync round failed", zap.Error(err))
	}
	if _, err := s.reconciler.Sweep(ctx, time.Now()); err != nil {
		s.log.Warn("reconcile sweep failed", zap.Error(err))
	}
	retention := time.Duration(s.Cfg.RetentionDays) * 24 * time.Hour
	if _, err := s.trail.Sweep(ctx, retention); err != nil {
		s.log.Warn("sync_log retention sweep failed", zap.Error(err))
	}
}
