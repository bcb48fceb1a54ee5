package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"crm-realtime/internal/auth"
	"crm-realtime/internal/config"
	"crm-realtime/internal/db"
	"crm-realtime/internal/grpcserver"
	"crm-realtime/internal/handlers"
	"crm-realtime/internal/intent"
	"crm-realtime/internal/middleware"
	"crm-realtime/internal/observability"
	"crm-realtime/internal/rabbitmq"
	"crm-realtime/internal/realtime"
	"crm-realtime/internal/redisstore"
	"crm-realtime/internal/repositories"
	"crm-realtime/internal/telemetry"
	"crm-realtime/internal/ws"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", cfg.ServiceName).
			Logger()
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Env)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	logger.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, "audit.crm_realtime", cfg.ServiceName, cfg.Env, logger)

	checks := map[string]handlers.Pinger{}

	var (
		conversations repositories.ConversationRepository
		messages      repositories.MessageRepository
		cursors       repositories.CursorRepository
	)
	switch cfg.StoreDriver {
	case "memory":
		conversations = repositories.NewMemoryConversationRepo()
		messages = repositories.NewMemoryMessageRepo()
		cursors = repositories.NewMemoryCursorRepo()
		logger.Warn().Msg("using in-memory store, data is lost on restart")
	default:
		database, err := db.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to db")
		}
		defer database.Close()
		conversations = repositories.NewConversationRepo(database)
		messages = repositories.NewMessageRepo(database)
		cursors = repositories.NewCursorRepo(database)
		checks["postgres"] = database.PingContext
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
		logger.Info().Msg("connected to Redis")
	}

	retry := realtime.RetryPolicy{MaxAttempts: cfg.StoreMaxAttempts, BaseDelay: 50 * time.Millisecond}
	validator := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer)
	hub := ws.NewHub(cfg.SendBuffer, logger)

	access := realtime.NewConversationAccess(conversations)
	registry := realtime.NewRegistry(validator, logger)
	ledger := realtime.NewLedger(messages, cfg.LockTimeout, retry, logger)
	local := realtime.NewLocalBroadcaster(registry, hub, ledger, cfg.GapTimeout, logger)

	var (
		broadcaster   realtime.Broadcaster     = local
		membership    realtime.MembershipStore = realtime.NewMemoryMembership()
		presenceStore realtime.PresenceStore   = realtime.NewMemoryPresence()
	)
	if redisClient != nil {
		fanout := redisstore.NewBroadcaster(redisClient, local, logger)
		ready := make(chan struct{})
		go func() {
			if err := fanout.Run(ctx, ready); err != nil {
				logger.Fatal().Err(err).Msg("redis fan-out stopped")
			}
		}()
		select {
		case <-ready:
		case <-time.After(10 * time.Second):
			logger.Fatal().Msg("redis fan-out did not subscribe in time")
		}
		broadcaster = fanout
		instanceID := uuid.NewString()
		redisMembers := redisstore.NewMembership(redisClient, instanceID, cfg.InstanceTTL, logger)
		if err := redisMembers.Beat(ctx); err != nil {
			logger.Fatal().Err(err).Msg("redis heartbeat failed")
		}
		go redisMembers.Run(ctx)
		logger.Info().Str("instance_id", instanceID).Msg("redis membership enabled")
		membership = redisMembers
		presenceStore = redisstore.NewPresence(redisClient)
	}

	messageEvents := rabbitmq.NewMessageEvents(publisher, cfg.ServiceName, logger)
	classifier := intent.NewHook(intent.NewKeywordClassifier(intent.DefaultRules()), ledger, messageEvents, logger)

	directory := realtime.NewDirectory(registry, membership, access, ledger, local, broadcaster, cfg.LockTimeout, retry, logger)
	dispatcher := realtime.NewDispatcher(registry, ledger, access, broadcaster, logger, messageEvents, classifier)
	reads := realtime.NewReadState(registry, cursors, ledger, access, broadcaster, retry, logger)
	presence := realtime.NewPresence(registry, presenceStore, broadcaster, cfg.TypingTTL, logger)

	conversationHandler := handlers.NewConversationHandler(conversations, access, directory, registry, presence, audit)
	messageHandler := handlers.NewMessageHandler(access, ledger, dispatcher, reads, audit)
	conversationWS := ws.NewConversationHandler(hub, registry, directory, dispatcher, reads, presence, ledger, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.RequestLogger(logger))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/health", handlers.Health(checks))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", conversationWS.Handle)

	api := router.Group("/conversations", middleware.AuthMiddleware(validator))
	api.GET("", conversationHandler.ListConversations)
	api.POST("", conversationHandler.CreateConversation)
	api.GET("/:id", conversationHandler.GetConversation)
	api.PUT("/:id/close", middleware.RequireStaff(), conversationHandler.CloseConversation)
	api.PUT("/:id/reopen", middleware.RequireStaff(), conversationHandler.ReopenConversation)
	api.PUT("/:id/assign", middleware.RequireStaff(), conversationHandler.AssignConversation)
	api.GET("/:id/members", conversationHandler.ListMembers)
	api.GET("/:id/messages", messageHandler.GetMessages)
	api.POST("/:id/messages", messageHandler.PostMessage)
	api.PUT("/:id/messages/:message_id", messageHandler.EditMessage)
	api.DELETE("/:id/messages/:message_id", messageHandler.DeleteMessage)
	api.GET("/:id/unread", messageHandler.GetUnread)
	api.PUT("/:id/read", messageHandler.MarkRead)

	handlers.RegisterDebugRoutes(router.Group("", middleware.AuthMiddleware(validator)), audit, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("store", cfg.StoreDriver).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	grpcSrv := grpcserver.New(cfg.ServiceName, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCPort).Msg("grpc listen failed")
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server...")
	grpcSrv.Drain()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server forced to shutdown")
	}
	hub.CloseAll("server shutdown")
	grpcSrv.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}

	logger.Info().Msg("server stopped")
}
