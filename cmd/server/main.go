package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/suPer8Hu/medchat/internal/app"
	"github.com/suPer8Hu/medchat/internal/assistant"
	"github.com/suPer8Hu/medchat/internal/auth"
	"github.com/suPer8Hu/medchat/internal/chat"
	"github.com/suPer8Hu/medchat/internal/config"
	"github.com/suPer8Hu/medchat/internal/db"
	"github.com/suPer8Hu/medchat/internal/httpapi"
	"github.com/suPer8Hu/medchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/medchat/internal/knowledge"
	"github.com/suPer8Hu/medchat/internal/logx"
	"github.com/suPer8Hu/medchat/internal/mcp"
	"github.com/suPer8Hu/medchat/internal/store/rabbitmq"
	"github.com/suPer8Hu/medchat/internal/store/redisstore"
	"github.com/suPer8Hu/medchat/internal/streambuf"
	"github.com/suPer8Hu/medchat/internal/users"
)

const (
	version   = "0.1.0"
	streamTTL = 10 * time.Minute
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "medchat",
		Short:         "Clinical chat assistant API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("migrate")
			if err != nil {
				return err
			}
			gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer db.Close(gdb)
			if err := db.Migrate(gdb); err != nil {
				return err
			}
			log.Info().Str("driver", cfg.DBDriver).Msg("schema up to date")
			return nil
		},
	}
}

func ingestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>",
		Short: "Add a text or PDF file to the knowledge base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup("ingest")
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			text, err := knowledge.ExtractText(args[0], "", data)
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer db.Close(gdb)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			emb, embCloser, err := app.Embedder(ctx, cfg)
			if err != nil {
				return err
			}
			defer embCloser.Close()

			res, err := app.Knowledge(cfg, gdb, emb, log).CreateResource(ctx, text)
			if err != nil {
				return err
			}
			fmt.Println(res.ID)
			return nil
		},
	}
}

func setup(service string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	log := logx.New(cfg.Env, cfg.LogLevel).With().Str("service", service).Logger()
	return cfg, log, nil
}

func runServer() error {
	cfg, log, err := setup("server")
	if err != nil {
		return err
	}
	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer db.Close(gdb)
	if err := db.Migrate(gdb); err != nil {
		return err
	}
	log.Info().Str("driver", cfg.DBDriver).Msg("connected to database")

	sessions, err := auth.NewManager(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return err
	}

	streams, closeStreams, err := streamBuffer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStreams()

	emb, embCloser, err := app.Embedder(ctx, cfg)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	defer embCloser.Close()
	ksvc := app.Knowledge(cfg, gdb, emb, log)

	blobs, err := app.Blobs(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	var pub knowledge.JobPublisher
	if cfg.RabbitURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return fmt.Errorf("rabbit publisher: %w", err)
		}
		defer p.Close()
		pub = p
	}
	ingestor := knowledge.NewIngestor(ksvc, knowledge.NewRepo(gdb), blobs, pub, log)

	var dial mcp.Dialer
	if cfg.MCPServerURL != "" {
		dial = mcp.NewDialer(cfg.MCPServerURL, cfg.MCPSSEFallback, version)
	}
	tools := mcp.NewRegistry(mcp.Config{
		URL:      cfg.MCPServerURL,
		Prefix:   cfg.MCPToolPrefix,
		CacheTTL: cfg.MCPToolCacheTTL,
	}, dial, mcp.NewMonitor(), log)
	defer tools.Close()

	providers := app.Providers(cfg)
	if !providers.Has(cfg.AIProvider) {
		return fmt.Errorf("AI_PROVIDER %q is not one of %v", cfg.AIProvider, providers.Names())
	}
	chats := chat.NewService(chat.NewRepo(gdb))
	asst := assistant.New(chats, providers, ksvc, tools, assistant.Options{
		Provider: cfg.AIProvider,
		MaxSteps: cfg.ChatMaxSteps,
	}, log)

	h := &handlers.Handler{
		DB:        gdb,
		Cfg:       cfg,
		Log:       log,
		Chats:     chats,
		Users:     users.NewRepo(gdb),
		Sessions:  sessions,
		Verifier:  auth.NewPractitionerVerifier(),
		Assistant: asst,
		Knowledge: ksvc,
		Ingestor:  ingestor,
		Tools:     tools,
		Streams:   streams,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("ai_provider", cfg.AIProvider).Bool("mcp", tools.Enabled()).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// streamBuffer uses Redis when REDIS_ADDR is set and process memory
// otherwise. Memory buffers only resume streams served by this process.
func streamBuffer(ctx context.Context, cfg *config.Config, log zerolog.Logger) (streambuf.Buffer, func(), error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		log.Info().Msg("stream buffer: in-process")
		return streambuf.NewMemory(streamTTL), func() {}, nil
	}
	rdb := redisstore.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("stream buffer: redis")
	return redisstore.NewStreamBuffer(rdb, streamTTL), func() { _ = rdb.Close() }, nil
}
