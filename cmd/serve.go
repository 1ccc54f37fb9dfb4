package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/chatbranch/internal/api"
	"github.com/chatbranch/internal/chatlog"
	"github.com/chatbranch/internal/config"
	"github.com/chatbranch/internal/database"
	"github.com/chatbranch/internal/fork"
	"github.com/chatbranch/internal/llm"
	"github.com/chatbranch/internal/render"
	"github.com/chatbranch/internal/retry"
	"github.com/chatbranch/internal/store"
	"github.com/chatbranch/internal/turn"
)

// ServeCommand returns the CLI command for starting the API server
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the ChatBranch API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Log.Level)
	ctx := context.Background()

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	service := store.NewService(db)

	messages, err := chatlog.NewStore(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer messages.Close()

	googleAI, err := llm.NewGoogleAI(ctx, llm.Options{
		APIKey: cfg.AI.APIKey,
		Model:  cfg.AI.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to create generator: %w", err)
	}
	generator := llm.NewResilient(googleAI, retry.GenerationConfig(), logger)

	pipeline := render.NewPipeline(logger)
	orchestrator := turn.NewOrchestrator(service, messages, generator, pipeline, logger)

	queue, err := turn.NewQueue(ctx, cfg.Database.URL, orchestrator, logger)
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	defer queue.Stop(ctx)

	cloner := fork.NewCloner(service, messages, logger)

	logger.Info().Int("port", cfg.Server.Port).Msg("starting API server")
	server := api.NewServer(cfg.Server.Port, cfg.Server.JWTSecret, cloner, orchestrator, service, messages, logger)
	return server.Start()
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
