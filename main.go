package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-vault/internal/cipher"
	"chat-vault/internal/config"
	"chat-vault/internal/contacts"
	"chat-vault/internal/db"
	"chat-vault/internal/docstore"
	grpcserver "chat-vault/internal/grpc"
	"chat-vault/internal/handlers"
	"chat-vault/internal/identity"
	"chat-vault/internal/middleware"
	"chat-vault/internal/observability"
	"chat-vault/internal/rabbitmq"
	"chat-vault/internal/repositories"
	"chat-vault/internal/session"
	"chat-vault/internal/telemetry"
	"chat-vault/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath, logLevel string
	flags := pflag.NewFlagSet("chat-vault", pflag.ExitOnError)
	flags.StringVar(&configPath, "config", "", "path to a YAML or JSONC configuration file")
	flags.StringVar(&logLevel, "log-level", "", "log level, overrides the configuration")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	setupLogging(cfg.Log)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	notifier, err := newNotifier(cfg.NATS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect change notifier")
	}
	store, closeDB, err := newStore(ctx, cfg.Store, notifier)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open document store")
	}

	msgCipher, err := loadCipher(cfg.Cipher)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load message key")
	}
	log.Info().Str("key_fingerprint", msgCipher.Fingerprint()).Msg("message key loaded")

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, "audit_logs", cfg.Tracing.ServiceName, cfg.Env)

	messageRepo := repositories.NewMessageRepo(store, msgCipher)
	userRepo := repositories.NewUserRepo(store)
	aggregator := contacts.NewAggregator(contacts.NewDirectory(messageRepo, userRepo), userRepo)
	provider := identity.NewProvider(store, userRepo, identity.Config{SessionTTL: cfg.Auth.SessionTTL})
	resolver := session.NewResolver(provider)

	hub := ws.NewHub()
	accountHandler := handlers.NewAccountHandler(provider, audit)
	chatHandler := handlers.NewChatHandler(messageRepo, aggregator)
	threadWS := ws.NewThreadWebSocketHandler(hub, messageRepo, resolver)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(provider)

	router.POST("/auth/signup", accountHandler.SignUp)
	router.POST("/auth/login", accountHandler.SignIn)
	router.POST("/auth/logout", authMiddleware, accountHandler.SignOut)

	router.GET("/me", authMiddleware, accountHandler.Me)
	router.PUT("/me/username", authMiddleware, accountHandler.UpdateUsername)
	router.PUT("/me/avatar", authMiddleware, accountHandler.UpdateAvatar)

	router.GET("/contacts", authMiddleware, chatHandler.ListContacts)
	router.GET("/users/search", authMiddleware, chatHandler.SearchUsers)
	router.GET("/threads/:peer_id/messages", authMiddleware, chatHandler.GetThreadMessages)
	router.POST("/threads/:peer_id/messages", authMiddleware, chatHandler.PostThreadMessage)
	router.POST("/threads/:peer_id/read", authMiddleware, chatHandler.MarkThreadRead)

	router.GET("/ws/threads/:peer_id", threadWS.Handle)

	router.GET("/healthz", handlers.Healthz(store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, publisher, cfg.HTTP.DebugRoutes)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthMonitor := grpcserver.NewHealthMonitor(store, 10*time.Second)
	grpcServer := grpcserver.NewServer(healthMonitor)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		log.Fatal().Err(err).Str("port", cfg.GRPC.Port).Msg("failed to listen for grpc")
	}

	go healthMonitor.Run(ctx)
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("grpc server error")
			stop()
		}
	}()
	go func() {
		log.Info().
			Str("http_port", cfg.HTTP.Port).
			Str("grpc_port", cfg.GRPC.Port).
			Str("store", cfg.Store.Driver).
			Str("publisher", rabbitmq.PublisherMode(publisher)).
			Msg("chat-vault listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hub.CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	grpcServer.GracefulStop()
	resolver.Close()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
	if err := notifier.Close(); err != nil {
		log.Warn().Err(err).Msg("notifier close")
	}
	closeDB()
	if err := publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("publisher close")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown")
	}
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newNotifier(cfg config.NATSConfig) (docstore.Notifier, error) {
	if cfg.URL == "" {
		return docstore.NewLocalNotifier(), nil
	}
	return docstore.NewNATSNotifier(docstore.NATSConfig{URL: cfg.URL, SubjectPrefix: cfg.SubjectPrefix})
}

// newStore opens the configured backend. The returned func releases the
// database pool, if any.
func newStore(ctx context.Context, cfg config.StoreConfig, notifier docstore.Notifier) (docstore.Store, func(), error) {
	if cfg.Driver != config.DriverPostgres {
		return docstore.NewMemoryStore(notifier), func() {}, nil
	}
	database, err := db.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			log.Warn().Err(err).Msg("db close")
		}
	}
	return docstore.NewPostgresStore(database, notifier), closeDB, nil
}

// loadCipher builds the message cipher from a passphrase or from a
// passphrase sealed in an age file.
func loadCipher(cfg config.CipherConfig) (*cipher.Cipher, error) {
	passphrase := []byte(cfg.Passphrase)
	if cfg.KeyFile != "" {
		secret, err := cipher.LoadSealedSecret(cfg.KeyFile, cfg.AgeIdentityFile)
		if err != nil {
			return nil, err
		}
		passphrase = secret
	}
	salt := cfg.Salt
	if salt == "" {
		salt = "chat-vault"
	}
	return cipher.NewFromPassphrase(passphrase, []byte(salt))
}
