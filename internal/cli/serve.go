package cli

import (
	"context"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"patientsim/internal/db"
	"patientsim/internal/engine"
	"patientsim/internal/http"
	"patientsim/internal/llm"
	"patientsim/internal/logging"
	"patientsim/internal/rag"
	"patientsim/internal/summarize"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	sessions := db.NewSessionRepo(conn)
	cases := db.NewCaseRepo(conn)
	messages := db.NewMessageRepo(conn)
	summaries := db.NewSummaryRepo(conn)
	turns := db.NewTurnRepo(conn)
	embeddings := db.NewEmbeddingRepo(conn)

	client := llm.NewOpenAIClient(cfg.LLM)
	retriever := rag.NewRetriever(summaries, messages, embeddings, client,
		cfg.Engine.TopSummaries, cfg.Engine.RecentMessages, log)
	summarizer := summarize.New(client, summaries, retriever, log)
	classifier, err := engine.NewClassifier(cfg.Precheck)
	if err != nil {
		return fmt.Errorf("compile precheck patterns: %w", err)
	}

	eng := engine.New(engine.Deps{
		Sessions:   sessions,
		Cases:      cases,
		Messages:   messages,
		Summaries:  summaries,
		Turns:      turns,
		LLM:        client,
		Retriever:  retriever,
		Summarizer: summarizer,
		Classifier: classifier,
		Config:     cfg.Engine,
		Log:        log,
	})

	var locker http.SessionLocker = http.NewLocalLocker()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		locker = http.NewRedisLocker(rdb, 60*time.Second)
		log.Info("using redis session locks", "url", cfg.RedisURL)
	}

	notifier := db.NewNotifier(conn, cfg.NotifyChannel)
	server := http.NewServer(sessions, cases, messages, eng, locker, notifier, log)

	httpServer := &nethttp.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
