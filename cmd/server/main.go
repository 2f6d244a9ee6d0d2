package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MegaGrindStone/chat-explorer/internal/chat"
	"github.com/MegaGrindStone/chat-explorer/internal/engine"
	"github.com/MegaGrindStone/chat-explorer/internal/export"
	"github.com/MegaGrindStone/chat-explorer/internal/handlers"
	"github.com/MegaGrindStone/chat-explorer/internal/notify"
	"github.com/MegaGrindStone/chat-explorer/internal/services"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const errLoggerKey = "error"

type conversationStore interface {
	engine.Store
	Close() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:          "chat-explorer",
		Short:        "Chat with language models and keep the history locally",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"path to the config file (default <user config dir>/chat-explorer/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}

	var output string
	exportCmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "Print the markdown transcript of a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exportConversation(cmd.Context(), cfgPath, args[0], output, cmd.OutOrStdout())
		},
	}
	exportCmd.Flags().StringVarP(&output, "output", "o", "",
		"write the transcript to this file instead of stdout; \"auto\" derives the name from the title")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return listConversations(cmd.Context(), cfgPath, cmd.OutOrStdout())
		},
	}

	rootCmd.AddCommand(serveCmd, exportCmd, listCmd)
	return rootCmd
}

func newLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openStore(cfg storeConfig, dir string) (conversationStore, error) {
	path, err := cfg.storePath(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating store directory: %w", err)
	}

	switch cfg.Driver {
	case storeDriverBolt:
		return services.NewBoltDB(path)
	case storeDriverSQLite:
		return services.NewSQLite(path)
	}
	return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
}

// setup loads the config and opens the logger and the store shared by every command.
func setup(cfgPath string) (config, *slog.Logger, conversationStore, error) {
	cfg, dir, err := loadConfig(cfgPath)
	if err != nil {
		return config{}, nil, nil, err
	}
	level, err := cfg.logLevel()
	if err != nil {
		return config{}, nil, nil, err
	}
	logger := newLogger(level)

	store, err := openStore(cfg.Store, dir)
	if err != nil {
		logger.Error("Failed to open store", slog.String(errLoggerKey, err.Error()))
		return config{}, nil, nil, err
	}
	return cfg, logger, store, nil
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, logger, store, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", slog.String(errLoggerKey, err.Error()))
		}
	}()

	sink := notify.NewSink(notify.Config{
		DefaultDuration: cfg.Notifications.Duration,
		Logger:          logger,
	})
	defer sink.Close()

	eng := engine.New(ctx, store, engine.Config{
		Key:          cfg.Store.Key,
		DefaultModel: cfg.DefaultModel,
		Logger:       logger,
		OnPersistError: persistErrorNotifier(sink),
	})

	routes, err := cfg.routes(logger)
	if err != nil {
		logger.Error("Invalid provider configuration", slog.String(errLoggerKey, err.Error()))
		return err
	}
	if len(routes) == 0 {
		logger.Warn("No providers configured, every send will fail")
	}
	router, err := services.NewRouter(routes, logger)
	if err != nil {
		return err
	}

	opts := []chat.Option{chat.WithLogger(logger)}
	if cfg.Send.MaxAttempts > 0 {
		opts = append(opts, chat.WithMaxAttempts(cfg.Send.MaxAttempts))
	}
	if cfg.Send.Backoff > 0 {
		opts = append(opts, chat.WithBackoff(cfg.Send.Backoff))
	}
	if cfg.Send.FlushInterval > 0 {
		opts = append(opts, chat.WithFlushInterval(cfg.Send.FlushInterval))
	}
	ctrl := chat.NewController(eng, router, sink, opts...)

	m := handlers.NewMain(ctx, eng, ctrl, sink, time.Local, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped", slog.String(errLoggerKey, err.Error()))
		return err
	}
	return nil
}

// persistErrorNotifier raises a warning for a failed save unless the same warning is still showing.
func persistErrorNotifier(sink *notify.Sink) func(error) {
	return func(err error) {
		sink.NotifyOnce("Failed to save conversations: "+err.Error(), notify.KindWarning, 0)
	}
}

func exportConversation(ctx context.Context, cfgPath, id, output string, stdout io.Writer) error {
	cfg, logger, store, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := engine.New(ctx, store, engine.Config{Key: cfg.Store.Key, Logger: logger})
	conv, ok := eng.State().Conversation(id)
	if !ok {
		return fmt.Errorf("conversation %s not found", id)
	}

	transcript := export.Markdown(conv, time.Local)
	switch output {
	case "":
		_, err = io.WriteString(stdout, transcript)
		return err
	case "auto":
		output = export.Filename(conv.Title)
	}

	if err := os.WriteFile(output, []byte(transcript), 0o644); err != nil {
		return fmt.Errorf("error writing transcript: %w", err)
	}
	logger.Info("Transcript written", slog.String("path", output))
	return nil
}

func listConversations(ctx context.Context, cfgPath string, stdout io.Writer) error {
	cfg, logger, store, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := engine.New(ctx, store, engine.Config{Key: cfg.Store.Key, Logger: logger})
	now := time.Now()

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tTOKENS\tMODEL\tTITLE")
	for _, conv := range eng.State().Conversations {
		stats := eng.Stats(conv.ID)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			conv.ID,
			export.RelativeTime(conv.LastUpdatedAt, now),
			stats.Messages,
			stats.EstimatedTokens,
			conv.Model,
			conv.Title)
	}
	return tw.Flush()
}
