package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/option-broker/internal/api"
	s3blob "github.com/atmx/option-broker/internal/blob/s3"
	"github.com/atmx/option-broker/internal/broker"
	cacheredis "github.com/atmx/option-broker/internal/cache/redis"
	"github.com/atmx/option-broker/internal/clock"
	"github.com/atmx/option-broker/internal/config"
	"github.com/atmx/option-broker/internal/emission"
	"github.com/atmx/option-broker/internal/events"
	"github.com/atmx/option-broker/internal/model"
	"github.com/atmx/option-broker/internal/oracle"
	"github.com/atmx/option-broker/internal/registry"
	"github.com/atmx/option-broker/internal/scheduler"
	"github.com/atmx/option-broker/internal/store"
	"github.com/atmx/option-broker/internal/token"
	"github.com/atmx/option-broker/internal/twaml"
)

func main() {
	configPath := flag.String("config", os.Getenv("OPTBROKER_CONFIG"), "path to the TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("option-broker exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("option-broker stopped")
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Ledger store ---
	var st store.Store
	switch cfg.Store.Driver {
	case "bolt":
		bs, err := store.OpenBoltStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		st = bs
		slog.Info("ledger opened", "driver", "bolt", "path", cfg.Store.Path)
	default:
		slog.Warn("using in-memory ledger (data will not persist)")
		st = store.NewMemoryStore()
	}
	cleanup = append(cleanup, func() { st.Close() })

	// --- Event sinks ---
	fanout := events.NewFanout()
	hub := events.NewWSHub(logger)
	fanout.Add("ws", hub)

	var history api.History
	if cfg.Postgres.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		journal := store.NewPostgresJournal(pool)
		if cfg.Postgres.RunMigrations {
			if err := journal.Migrate(ctx); err != nil {
				return err
			}
		}
		fanout.Add("postgres", journal)
		history = journal
		slog.Info("connected to PostgreSQL")
	}

	var rc *cacheredis.Client
	if cfg.Redis.Enabled {
		rc, err = cacheredis.New(ctx, cacheredis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { rc.Close() })
		fanout.Add("redis", cacheredis.NewEventBus(rc, cfg.Redis.EventChannel))
		slog.Info("Redis event bus enabled", "channel", cfg.Redis.EventChannel)
	}

	var archive *s3blob.Archive
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		if err := sc.Health(ctx); err != nil {
			slog.Warn("S3 bucket not reachable yet", "bucket", cfg.S3.Bucket, "err", err)
		}
		archive = s3blob.NewArchive(s3blob.NewWriter(sc), cfg.S3.PartSizeMB*1024*1024)
		fanout.Add("s3", archive)
		slog.Info("S3 event archive enabled", "bucket", cfg.S3.Bucket)
	}

	// --- Capabilities ---
	clk := clock.System{}
	pools := registry.NewPoolRegistry()
	for _, p := range cfg.Pools {
		pools.RegisterPool(p.ID, p.Weight)
	}
	locks := registry.NewLockRegistry(clk, pools)

	oracles := oracle.NewRegistry()
	for _, o := range cfg.Oracles {
		switch o.Kind {
		case "static":
			rate, err := o.FixedRate()
			if err != nil {
				return err
			}
			oracles.Register(o.Name, oracle.NewStatic(rate))
		case "redis":
			oracles.Register(o.Name, cacheredis.NewPriceFeed(rc, clk, o.MaxAge.Duration))
		}
	}

	// --- Broker ---
	curve, err := twaml.NewCurve(cfg.Broker.MinDiscountBps, cfg.Broker.MaxDiscountBps, cfg.Broker.MinWeightBps, cfg.Broker.MaxLockHorizon.Duration)
	if err != nil {
		return err
	}
	budget, err := cfg.Emission.Budget()
	if err != nil {
		return err
	}
	schedule, err := emission.NewSchedule(budget, cfg.Emission.DecayBps)
	if err != nil {
		return err
	}
	b, err := broker.New(broker.Params{
		RewardToken:      config.Address(cfg.Broker.RewardToken),
		Holding:          config.Address(cfg.Broker.Holding),
		RewardOracle:     cfg.Broker.RewardOracle,
		RewardOracleData: []byte(cfg.Broker.RewardOracleData),
		Curve:            curve,
		Schedule:         schedule,
	}, broker.Deps{
		Store:   st,
		Locks:   locks,
		Pools:   pools,
		Oracles: oracles,
		Tokens:  token.NewBank(),
		Clock:   clk,
		Events:  fanout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	params := b.Params()
	slog.Info("broker configured",
		"holding", params.Holding.Hex(),
		"reward_token", params.RewardToken.Hex(),
		"min_discount_bps", params.Curve.MinDiscount(),
		"max_discount_bps", params.Curve.MaxDiscount(),
		"min_weight_bps", params.Curve.MinWeight(),
		"lock_horizon", params.Curve.Horizon().String(),
		"epoch_budget", model.Units(params.Schedule.BudgetFor(1)).String(),
	)

	owner := config.Address(cfg.Broker.Owner)
	if err := b.Init(ctx, owner, config.Address(cfg.Broker.Beneficiary)); err != nil {
		if !errors.Is(err, model.ErrAlreadyInitialized) {
			return err
		}
		slog.Warn("ledger already owned by another identity, configured owner ignored", "err", err)
	}
	for _, pt := range cfg.PaymentTokens {
		tok := config.Address(pt.Token)
		if err := b.SetPaymentToken(ctx, owner, tok, pt.Oracle, []byte(pt.OracleData)); err != nil {
			slog.Warn("payment token not configured", "token", tok.Hex(), "err", err)
		}
	}

	// --- HTTP router ---
	handler := api.NewHandler(b, logger)
	if history != nil {
		handler.WithHistory(history)
	}
	router := api.NewRouter(handler, hub.HandleWS)
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.Emission.SchedulerEnabled {
		opts := []scheduler.Option{scheduler.WithClock(clk), scheduler.WithLogger(logger)}
		if rc != nil {
			opts = append(opts, scheduler.WithLocker(cacheredis.NewLockManager(rc)))
		}
		if archive != nil {
			var exported uint64
			opts = append(opts, scheduler.OnAdvance(func(ctx context.Context, e model.EpochState) {
				n, last, err := archive.Export(ctx, b, exported)
				if err != nil {
					slog.Warn("journal export failed", "epoch", e.Number, "err", err)
					return
				}
				exported = last
				slog.Info("journal exported", "epoch", e.Number, "events", n, "last_seq", last)
			}))
		}
		sched, err := scheduler.New(scheduler.Config{
			Interval:   cfg.Emission.EpochInterval.Duration,
			CheckEvery: cfg.Emission.CheckEvery.Duration,
			Caller:     config.Address(cfg.Emission.Caller),
			LockKey:    scheduler.DefaultLockKey,
			LockTTL:    cfg.Redis.LockTTL.Duration,
		}, b, opts...)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("option-broker listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down option-broker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
