package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"alcyxob/runplan/internal/api"
	"alcyxob/runplan/internal/config"
	"alcyxob/runplan/internal/llm"
	"alcyxob/runplan/internal/service"
	"alcyxob/runplan/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// @title Running Plan API
// @version 1.0
// @description API for generating multi-week running plans in chunks and viewing the merged result.
// @contact.name API Support
// @contact.email support@example.com
// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html
// @host localhost:8080
// @BasePath /api/v1
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configDir string
	memory    bool
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   "runplan",
		Short: "Chunked running plan generation service",
		Long: `runplan stores runner intakes, generates their training plans a few
weeks at a time through a chat-completion model, and serves the merged plan.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configDir, "config", "c", ".", "Directory holding config.yaml")
	cmd.PersistentFlags().BoolVar(&flags.memory, "memory", false, "Use the in-process store (development only)")

	cmd.AddCommand(serveCmd(&flags), drainCmd(&flags))
	return cmd
}

func serveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags)
		},
	}
}

func drainCmd(flags *globalFlags) *cobra.Command {
	var intakeHex string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Process pending chunks once and exit",
		Long: `drain is the scheduled variant of the worker: it loads the pending chunks
(of every intake, or of --intake), processes them and their successors
sequentially, and stops after worker.max_run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			intakeID := primitive.NilObjectID
			if intakeHex != "" {
				id, err := primitive.ObjectIDFromHex(intakeHex)
				if err != nil {
					return fmt.Errorf("invalid --intake: %w", err)
				}
				intakeID = id
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return drain(ctx, flags, intakeID)
		},
	}
	cmd.Flags().StringVar(&intakeHex, "intake", "", "Only drain the chunks of this intake (ObjectID hex)")
	return cmd
}

func serve(ctx context.Context, flags *globalFlags) error {
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	q, err := a.openQueue()
	if err != nil {
		return err
	}

	// --- Initialize Services ---
	adapter := llm.NewAdapter(llm.NewClient(cfg.OpenAI, logger), cfg.OpenAI, logger)
	orchestrator := a.orchestrator(adapter)
	planService := service.NewPlanService(a.intakes, a.chunks, q, a.archive, cfg.S3.PresignExpiry, service.ProcessingLease(adapter.Timeout()), logger)

	// --- Initialize Gin Engine ---
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(logger))
	api.SetupRoutes(router, cfg.JWT.Secret, planService, adapter, logger)

	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", zap.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	})
	if cfg.Worker.Enabled {
		runner := worker.NewRunner(q, orchestrator, cfg.Worker.Interval, logger)
		g.Go(func() error { return runner.Run(gctx) })
	} else {
		logger.Info("Worker disabled, chunks are left for external consumers", zap.String("queue", cfg.Worker.Queue))
	}

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("Server exiting")
	return err
}

func drain(ctx context.Context, flags *globalFlags, intakeID primitive.ObjectID) error {
	a, err := newApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Worker.MaxRun)
	defer cancel()

	adapter := llm.NewAdapter(llm.NewClient(a.cfg.OpenAI, a.logger), a.cfg.OpenAI, a.logger)
	res, err := a.orchestrator(adapter).Sweep(ctx, intakeID)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	a.logger.Info("Drain finished",
		zap.Int("processed", res.Processed),
		zap.Int("completed", res.Completed),
		zap.Int("failed", res.Failed),
		zap.Int("chained", res.Chained),
		zap.Int("remaining", len(res.Remaining)))
	return nil
}

// configFor loads the config and applies command-line overrides.
func configFor(flags *globalFlags) (config.Config, error) {
	cfg, err := config.LoadConfig(flags.configDir)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if flags.memory {
		cfg.Database.Driver = config.DriverMemory
	}
	return cfg, nil
}
