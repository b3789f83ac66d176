package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/promptly/internal/api"
	tracing "github.com/aixgo-dev/promptly/internal/observability"
	"github.com/aixgo-dev/promptly/internal/orchestration"
	"github.com/aixgo-dev/promptly/pkg/config"
	"github.com/aixgo-dev/promptly/pkg/observability"
	"github.com/aixgo-dev/promptly/pkg/security"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return err
		}
		logger, err := cfg.Logging.NewLogger(os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger, nil)
	},
}

// listeners lets tests serve on ephemeral ports. Nil listeners are opened
// from the configured addresses.
type listeners struct {
	api net.Listener
	ops net.Listener
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, ls *listeners) error {
	observability.InitMetrics()
	if err := tracing.Init(ctx, tracingConfig(cfg.Tracing), logger); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	store, err := newStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	completer, err := newCompleter(ctx, cfg.Completion, logger)
	if err != nil {
		return fmt.Errorf("create completion client: %w", err)
	}
	defer completer.Close()

	blobs, err := newBlobStore(ctx, cfg.Blob, logger)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	lim, err := newLimiter(*cfg)
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}
	if lim != nil {
		defer lim.close()
	}

	extractor, err := security.NewAuthExtractor(cfg.Auth)
	if err != nil {
		return fmt.Errorf("configure auth: %w", err)
	}

	engine := orchestration.NewEngine(store, completer,
		orchestration.WithLogger(logger),
		orchestration.WithContextMaxChars(cfg.Orchestration.ContextMaxChars),
	)

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithAuthExtractor(extractor),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if blobs != nil {
		opts = append(opts, api.WithBlobStore(blobs))
	}
	if lim != nil {
		opts = append(opts, api.WithRateLimiter(lim))
	}
	apiServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(engine, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	checker := observability.NewHealthChecker(version)
	checker.RegisterCheck(observability.StoreCheck("store", store.Ping))
	if blobs != nil {
		checker.RegisterCheck(observability.ExternalServiceCheck("blob", blobs.Ping))
	}
	opsServer := observability.NewServer(cfg.Ops.Addr, checker)

	janitor, err := newJanitor(cfg.RateLimit, lim, logger)
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	if ls == nil {
		ls = &listeners{}
	}
	if ls.api == nil {
		if ls.api, err = net.Listen("tcp", cfg.Server.Addr); err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
		}
	}
	if cfg.Ops.Enabled && ls.ops == nil {
		if ls.ops, err = net.Listen("tcp", cfg.Ops.Addr); err != nil {
			_ = ls.api.Close()
			return fmt.Errorf("listen %s: %w", cfg.Ops.Addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api server listening", "addr", ls.api.Addr().String(),
			"store", cfg.Store.Backend, "completion", completer.Name())
		if err := apiServer.Serve(ls.api); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	if cfg.Ops.Enabled {
		g.Go(func() error {
			logger.Info("ops server listening", "addr", ls.ops.Addr().String())
			if err := opsServer.Serve(ls.ops); err != nil {
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		err := apiServer.Shutdown(shutdownCtx)
		if cfg.Ops.Enabled {
			err = errors.Join(err, opsServer.Shutdown(shutdownCtx))
		}
		return err
	})
	return g.Wait()
}

// newJanitor schedules the periodic upkeep jobs: pruning idle in-memory
// rate limiter entries and sampling the goroutine gauge.
func newJanitor(cfg security.RateLimitConfig, lim *limiter, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc("@every 15s", observability.UpdateGoroutines); err != nil {
		return nil, fmt.Errorf("schedule goroutine sampling: %w", err)
	}
	if lim == nil || lim.memory == nil {
		return c, nil
	}

	schedule := cfg.PruneSchedule
	if schedule == "" {
		schedule = "@every 5m"
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	mem := lim.memory
	if _, err := c.AddFunc(schedule, func() {
		if n := mem.Prune(idle); n > 0 {
			logger.Debug("pruned idle rate limiter entries", "count", n, "remaining", mem.Len())
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid rate_limit.prune_schedule %q: %w", schedule, err)
	}
	return c, nil
}
