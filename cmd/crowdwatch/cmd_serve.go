package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/crowdwatch/internal/agents"
	"github.com/user/crowdwatch/internal/api"
	"github.com/user/crowdwatch/internal/bus"
	"github.com/user/crowdwatch/internal/config"
	ctxengine "github.com/user/crowdwatch/internal/context"
	"github.com/user/crowdwatch/internal/delivery"
	"github.com/user/crowdwatch/internal/gateway"
	"github.com/user/crowdwatch/internal/memory"
	"github.com/user/crowdwatch/internal/runtime"
	"github.com/user/crowdwatch/internal/runtime/actions"
	"github.com/user/crowdwatch/internal/scheduler"
	"github.com/user/crowdwatch/internal/state"
	"github.com/user/crowdwatch/internal/telegram"
	"github.com/user/crowdwatch/internal/types"
	"github.com/user/crowdwatch/pkg/llm"
)

// memoryRedis selects an in-process Redis instead of a server.
const memoryRedis = "memory"

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the crowdwatch daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPathFor(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "crowdwatch.pid")
}

func writePIDFile(cfg *config.Config) (string, error) {
	pidPath := pidPathFor(cfg)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// busCloser is a Bus the daemon owns.
type busCloser interface {
	types.Bus
	Close() error
}

func openBus(cfg *config.Config, topics bus.Topics, feed *bus.Feed, logger *zap.Logger) (busCloser, error) {
	if cfg.NATS.URL == "" {
		logger.Info("using in-process bus", zap.Int("max_concurrent", cfg.MaxConcurrent))
		return bus.NewLocal(int64(cfg.MaxConcurrent), nil, feed, logger), nil
	}
	return bus.DialNATS(bus.NATSConfig{
		URL:           cfg.NATS.URL,
		Topics:        topics,
		MaxConcurrent: int64(cfg.MaxConcurrent),
	}, feed, logger)
}

// openRedis connects to the configured Redis. redis.addr "memory" starts an
// in-process server, which is lost on exit.
func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, func(), error) {
	addr := cfg.Redis.Addr
	cleanup := func() {}
	if addr == memoryRedis {
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start in-process redis: %w", err)
		}
		addr = mr.Addr()
		cleanup = mr.Close
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		cleanup()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	return rdb, func() { _ = rdb.Close(); cleanup() }, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ttl, err := cfg.ShortTermTTL()
	if err != nil {
		return err
	}
	if cfg.SweepSchedule != "" {
		if err := scheduler.Validate(cfg.SweepSchedule); err != nil {
			return fmt.Errorf("sweep_schedule: %w", err)
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	pidPath, err := writePIDFile(cfg)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	domain := state.NewDomain(store, state.WithLogger(logger))
	topics := bus.Topics{Prefix: cfg.TopicPrefix}
	feed := bus.NewFeed()

	b, err := openBus(cfg, topics, feed, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	rdb, closeRedis, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRedis()

	// LLM provider
	provider, err := gateway.NewProvider(ctx, &llm.Config{
		Provider:    cfg.LLM.Provider,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Project:     cfg.LLM.Project,
		Location:    cfg.LLM.Location,
	})
	if err != nil {
		return fmt.Errorf("create llm provider: %w", err)
	}
	gw := gateway.New(provider, store, logger)

	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}

	vocab := runtime.DefaultVocabulary()
	if cfg.VocabularyFile != "" {
		if vocab, err = runtime.LoadVocabulary(cfg.VocabularyFile); err != nil {
			return fmt.Errorf("load vocabulary: %w", err)
		}
	}

	executor := actions.New(domain, logger)
	registry := runtime.NewRegistry()
	deps := runtime.Deps{
		Gateway:    gw,
		Engine:     engine,
		LongTerm:   memory.NewLongTerm(store, cfg.CollectionPrefix),
		ShortTerm:  memory.NewShortTerm(rdb, "crowdwatch:", ttl, cfg.ShortTerm.MaxTurns),
		Bus:        b,
		Classifier: runtime.NewClassifier(vocab),
		Logger:     logger,
	}
	if err := agents.Register(registry, deps, agents.Set{
		Domain:                domain,
		Topics:                topics,
		Executor:              executor,
		DeterministicFallback: cfg.DeterministicFallback,
		Options:               []runtime.Option{runtime.WithLongTermLimit(cfg.LongTerm.RecentLimit)},
	}); err != nil {
		return fmt.Errorf("register agents: %w", err)
	}

	subs, err := agents.Subscribe(ctx, b, topics, registry, logger)
	if err != nil {
		return fmt.Errorf("subscribe agents: %w", err)
	}
	defer agents.Unsubscribe(subs) //nolint:errcheck

	// Delivery
	deliveryReg := delivery.NewRegistry()
	deliveryReg.Register("log:", func(_ context.Context, sessionKey, message string) error {
		logger.Info("outcome", zap.String("target", sessionKey), zap.String("message", message))
		return nil
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telegram.Token != "" {
		chat, _ := registry.Get(agents.NameChat)
		adapter, err := telegram.New(cfg.Telegram.Token, chat, domain, logger)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		deliveryReg.Register(telegram.Prefix, adapter.Deliver)
		g.Go(func() error {
			adapter.Start(gctx)
			return nil
		})
		logger.Info("telegram adapter started")
	} else {
		logger.Warn("telegram adapter disabled (no token)")
	}

	router := delivery.NewRouter(deliveryReg, cfg.Telegram.Targets, logger)
	routed, err := router.Subscribe(ctx, b,
		topics.Outcomes(agents.NameSummary),
		topics.Outcomes(agents.NameEscalation),
		topics.Outcomes(agents.NameNotification),
		topics.Outcomes(agents.NameIncident),
	)
	if err != nil {
		return fmt.Errorf("subscribe delivery: %w", err)
	}
	defer agents.Unsubscribe(routed) //nolint:errcheck

	// Scheduler
	sched := scheduler.New(state.NewScheduleStore(store), b, topics,
		scheduler.WithSweep(cfg.SweepSchedule, scheduler.NewReconciler(domain, logger)),
		scheduler.WithLogger(logger),
	)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// HTTP API
	apiSrv := &api.Server{
		Domain:    domain,
		Publisher: b,
		Feed:      feed,
		Topics:    topics,
		Agents:    registry,
		Executor:  executor,
		Logger:    logger,
		StartedAt: time.Now(),
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("http server started", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	logger.Info("crowdwatch started",
		zap.String("db", cfg.DBPath),
		zap.Strings("agents", registry.Names()),
		zap.String("llm_provider", cfg.LLM.Provider),
		zap.String("llm_model", cfg.LLM.Model),
		zap.Bool("nats", cfg.NATS.URL != ""),
		zap.String("pid_file", pidPath),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-gctx.Done():
			cancel()
			return g.Wait()
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					logger.Error("failed to get executable path", zap.Error(err))
					continue
				}
				// Clean up PID file before re-exec
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					logger.Error("failed to re-exec", zap.Error(err))
					if _, writeErr := writePIDFile(cfg); writeErr != nil {
						logger.Error("failed to re-write PID file", zap.Error(writeErr))
					}
				}
				continue
			}
			logger.Info("shutting down", zap.String("signal", sig.String()))
			cancel()
			return g.Wait()
		}
	}
}
