package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bootjp/isokv/adapter"
	"github.com/bootjp/isokv/kv"
	"github.com/bootjp/isokv/store"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	redisAddress        = flag.String("redisAddress", ":6379", "Redis protocol listen address")
	isolation           = flag.String("isolation", "READ_COMMITTED", "Default isolation level")
	txnTimeout          = flag.Duration("txnTimeout", 30*time.Second, "Default transaction timeout")
	disableTransactions = flag.Bool("disableTransactions", false, "Reject every BEGIN")
	lockStripes         = flag.Int("lockStripes", 256, "Number of key lock stripes")
	keySeparator        = flag.String("keySeparator", ":", "Separator that groups related keys")
	pruneInterval       = flag.Duration("pruneInterval", 10*time.Second, "How often finished transactions are dropped from the registry (0 disables)")
	metricsAddress      = flag.String("metricsAddress", "", "Prometheus /metrics listen address (empty disables)")
	logLevel            = flag.String("logLevel", "info", "Log level (debug, info, warn, error)")
)

const metricsShutdownTimeout = 5 * time.Second

type config struct {
	redisAddress     string
	defaultIsolation kv.IsolationLevel
	txnTimeout       time.Duration
	disabled         bool
	lockStripes      int
	keySeparator     string
	pruneInterval    time.Duration
	metricsAddress   string
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func loadConfig() (config, error) {
	lvl, err := kv.ParseIsolationLevel(*isolation)
	if err != nil {
		return config{}, errors.WithStack(err)
	}
	return config{
		redisAddress:     *redisAddress,
		defaultIsolation: lvl,
		txnTimeout:       *txnTimeout,
		disabled:         *disableTransactions,
		lockStripes:      *lockStripes,
		keySeparator:     *keySeparator,
		pruneInterval:    *pruneInterval,
		metricsAddress:   *metricsAddress,
	}, nil
}

func main() {
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	})))

	cfg, err := loadConfig()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	st := store.NewMemoryStoreWithLogger(slog.Default())
	defer st.Close()

	manager := kv.NewTransactionManager(kv.ManagerConfig{
		Disabled:         cfg.disabled,
		DefaultIsolation: cfg.defaultIsolation,
		DefaultTimeout:   cfg.txnTimeout,
		Analyzer:         kv.PrefixAnalyzer{Separator: cfg.keySeparator},
		Clock:            kv.NewHybridClock(),
		Logger:           slog.Default(),
	})
	coordinator := kv.NewCoordinatorWithLogger(manager, st, kv.NewLockTable(cfg.lockStripes), slog.Default())

	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", cfg.redisAddress)
	if err != nil {
		return errors.WithStack(err)
	}
	srv := adapter.NewRedisServerWithLogger(l, coordinator, slog.Default())

	eg, runCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		slog.Info("serving redis protocol",
			slog.String("address", l.Addr().String()),
			slog.String("isolation", cfg.defaultIsolation.String()),
		)
		err := srv.Run()
		if runCtx.Err() != nil {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-runCtx.Done()
		srv.Stop()
		return nil
	})
	if cfg.pruneInterval > 0 {
		eg.Go(func() error {
			return pruneLoop(runCtx, manager, cfg.pruneInterval)
		})
	}

	if cfg.metricsAddress != "" {
		eg.Go(func() error {
			return serveMetrics(runCtx, cfg.metricsAddress)
		})
	}

	return errors.WithStack(eg.Wait())
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithStack(err)
	}
	return nil
}

// pruneLoop keeps the registry from growing without bound. It only removes
// transactions that can no longer conflict with anything.
func pruneLoop(ctx context.Context, m *kv.TransactionManager, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Prune()
		}
	}
}
