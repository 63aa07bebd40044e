package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"stylebot/internal/adapters"
	"stylebot/internal/bootstrap"
	"stylebot/internal/delivery/play"
	"stylebot/internal/repository"
	"stylebot/internal/usecase/dispatcher"
	"stylebot/internal/usecase/selector"
	"stylebot/internal/usecase/session"
)

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "stylebot",
		Short: "Chess bot that plays like you",
		Long:  "Plays moves weighted by your own game history, with an engine fallback for unknown positions.",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".env", "configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect to the platform and play incoming games",
		RunE:  runBot,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve local games against the bot over websocket",
		RunE:  runServe,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewLogger() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	return logger.Sugar()
}

// buildSelector wires the style model and, when configured, the engine
// oracle. Model or engine startup failures are fatal; everything after
// startup degrades per move instead.
func buildSelector(cfg *bootstrap.Config, log *zap.SugaredLogger) (*selector.Selector, *repository.UCIEngine) {
	model, err := repository.LoadStyleModel(cfg.ModelPath, log)
	if err != nil {
		log.Fatalw("failed to load style model", "error", err)
	}

	var oracle repository.Oracle
	var engine *repository.UCIEngine
	if cfg.EnginePath != "" {
		engine, err = repository.NewUCIEngine(cfg.EnginePath, cfg.MaxCandidateMoves, log)
		if err != nil {
			log.Fatalw("failed to start evaluation engine", "error", err)
		}
		oracle = engine
	} else {
		log.Info("no engine configured, playing style plus random fallback only")
	}

	sel := selector.New(model, oracle, selector.FromBootstrap(*cfg), time.Now().UnixNano(), log)
	return sel, engine
}

func runBot(cmd *cobra.Command, args []string) error {
	log := NewLogger()
	defer log.Sync()

	cfg, err := bootstrap.Setup(cfgPath)
	if err != nil {
		log.Fatalw("failed to setup configuration", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel, log)

	sel, engine := buildSelector(cfg, log)
	if engine != nil {
		defer engine.Close()
	}

	var store repository.GameStore
	if cfg.RedisUrl != "" {
		redisAdapter := adapters.NewAdapterRedis(cfg)
		if err := redisAdapter.Init(ctx); err != nil {
			log.Fatalw("failed to initialize redis", "error", err)
		}
		defer redisAdapter.Close(ctx)
		store = repository.NewRedisGameStore(redisAdapter.GetClient())
		log.Info("game checkpoints in redis")
	} else {
		store = repository.NewMemoryGameStore()
	}

	platform := repository.NewLichess(*cfg, log)
	botID, err := platform.Account(ctx)
	if err != nil {
		log.Fatalw("failed to resolve bot account", "error", err)
	}
	log.Infof("playing as %s", botID)

	newSession := func(gameID string) dispatcher.Runner {
		return session.New(gameID, botID, platform, sel, store, log)
	}

	d := dispatcher.New(*cfg, log, platform, botID, newSession)
	if err := d.Run(ctx); err != nil {
		log.Errorw("dispatcher stopped", "error", err)
	}
	cancel()
	d.Wait()
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	log := NewLogger()
	defer log.Sync()

	cfg, err := bootstrap.Setup(cfgPath)
	if err != nil {
		log.Fatalw("failed to setup configuration", "error", err)
	}

	sel, engine := buildSelector(cfg, log)
	if engine != nil {
		defer engine.Close()
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	play.NewHandler(log, sel).Router(r)

	port := ":" + cfg.ServerPort
	log.Infof("play server is running on port %s", port)
	if err := http.ListenAndServe(port, r); err != nil {
		log.Fatalw("failed to start server", "error", err)
	}
	return nil
}

func handleShutdown(cancelFunc context.CancelFunc, log *zap.SugaredLogger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("received shutdown signal")
	cancelFunc()
	time.Sleep(1 * time.Second)
}
