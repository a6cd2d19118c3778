package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/emergency-dispatch/internal/auth"
	"github.com/example/emergency-dispatch/internal/config"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/escalation"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/hospitals"
	httpapi "github.com/example/emergency-dispatch/internal/http"
	"github.com/example/emergency-dispatch/internal/ingest"
	"github.com/example/emergency-dispatch/internal/logging"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/notify"
	"github.com/example/emergency-dispatch/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:          "dispatch-server",
		Short:        "Emergency dispatch API",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd(), hospitalsCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg)
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations to PG_DSN",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			if cfg.PGDSN == "" {
				return errors.New("PG_DSN is required")
			}
			ps, err := storage.NewPostgresStore(cmd.Context(), cfg.PGDSN)
			if err != nil {
				return err
			}
			defer ps.Close()
			if err := storage.Migrate(cmd.Context(), ps.DB()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(storage.MigrationNames()))
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		id   string
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			r, err := models.ParseRole(role)
			if err != nil {
				return err
			}
			v, err := auth.NewVerifier(cfg.AuthJWTSecret, cfg.AuthIssuer)
			if err != nil {
				return err
			}
			tok, err := v.Issue(models.Actor{ID: id, Role: r}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (token subject)")
	cmd.Flags().StringVar(&role, "role", "reporter", "reporter or responder")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func hospitalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hospitals",
		Short: "Manage the facility index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Load hospitals from a YAML file into MONGO_URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return err
			}
			if cfg.MongoURI == "" {
				return errors.New("MONGO_URI is required")
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			ms, err := hospitals.NewMongoStore(cmd.Context(), cfg.MongoURI, cfg.MongoDatabase)
			if err != nil {
				return fmt.Errorf("mongo: %w", err)
			}
			defer func() { _ = ms.Close(context.Background()) }()
			n, err := importHospitals(cmd.Context(), f, ms)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d hospital(s)\n", n)
			return nil
		},
	})
	return cmd
}

// importHospitals validates the whole file before writing any entry.
func importHospitals(ctx context.Context, r io.Reader, store hospitals.Store) (int, error) {
	hs, err := hospitals.LoadYAML(r)
	if err != nil {
		return 0, err
	}
	for i := range hs {
		if err := store.Put(ctx, &hs[i]); err != nil {
			return i, fmt.Errorf("hospital %s: %w", hs[i].ID, err)
		}
	}
	return len(hs), nil
}

func newLogger(cfg config.ServerConfig) *zap.SugaredLogger {
	return logging.NewLogger(logging.Options{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
}

// serve wires the backends named in cfg, falling back to in-process
// implementations for anything left unset, and runs until ctx ends.
func serve(ctx context.Context, cfg config.ServerConfig, log *zap.SugaredLogger) error {
	verifier, err := auth.NewVerifier(cfg.AuthJWTSecret, cfg.AuthIssuer)
	if err != nil {
		return fmt.Errorf("AUTH_JWT_SECRET: %w", err)
	}
	checks := map[string]httpapi.ReadyCheck{}
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var (
		records  storage.RecordStore
		profiles storage.ProfileStore
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, func() { _ = ps.Close() })
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, ps.DB()); err != nil {
				return err
			}
			log.Infow("migrations applied", "count", len(storage.MigrationNames()))
		}
		records, profiles = ps, ps
		checks["postgres"] = ps.Ping
	} else {
		log.Warnw("PG_DSN not set; records are kept in memory")
		ms := storage.NewMemoryStore()
		records, profiles = ms, ms
	}
	if cfg.ProfileCacheTTL > 0 {
		profiles = storage.NewCachedProfiles(profiles, cfg.ProfileCacheTTL)
	}

	var (
		index geo.Index
		rc    *redis.Client
	)
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, func() { _ = rc.Close() })
		index = geo.NewRedisGeo(rc, cfg.RedisGeoPrefix)
		checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		index = geo.NewIndex()
	}

	var facilities hospitals.Store
	if cfg.MongoURI != "" {
		ms, err := hospitals.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		closers = append(closers, func() { _ = ms.Close(context.Background()) })
		facilities = ms
		checks["mongo"] = ms.Ping
	} else {
		facilities = hospitals.NewMemoryStore()
	}

	lim, err := newLimiter(cfg, rc)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	hub := notify.NewHub(0)
	var sinks notify.Multi
	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		w := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaEventTopic, log)
		bus := notify.NewKafkaBus(w, log)
		closers = append(closers, func() { _ = bus.Close() })
		sinks = append(sinks, bus)

		// every instance reads the whole event topic so its own subscribers
		// see events committed elsewhere
		group := cfg.KafkaGroup + "-events-" + uuid.NewString()[:8]
		r := notify.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaEventTopic, group)
		closers = append(closers, func() { _ = r.Close() })
		g.Go(func() error { return notify.Relay(gctx, r, hub, log) })

		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		closers = append(closers, func() { _ = producer.Close() })
		locations = producer
	} else {
		sinks = append(sinks, hub)
	}
	if cfg.WebhookURL != "" {
		wh := notify.NewWebhook(cfg.WebhookURL, 0, log)
		sinks = append(sinks, wh)
		g.Go(func() error { return wh.Run(gctx) })
	}

	engine := &dispatch.Engine{
		Records:        records,
		Profiles:       profiles,
		Geo:            index,
		Hospitals:      facilities,
		Publisher:      sinks,
		Log:            log,
		RadiusMeters:   cfg.RadiusMeters,
		CandidateLimit: cfg.CandidateLimit,
		OpTimeout:      cfg.OpTimeout,
	}

	sweeper := &escalation.Sweeper{Source: engine, After: cfg.EscalationAfter, Log: log}
	g.Go(func() error { return sweeper.Run(gctx, cfg.EscalationSchedule) })

	api := httpapi.NewServer(httpapi.Options{
		Engine:              engine,
		Profiles:            profiles,
		Geo:                 index,
		Hub:                 hub,
		Locations:           locations,
		Verifier:            verifier,
		Limiter:             lim,
		Checks:              checks,
		Logger:              log,
		DefaultRadiusMeters: cfg.RadiusMeters,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g.Go(func() error {
		log.Infow("dispatch api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		log.Infow("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newLimiter shares counters through Redis when it is configured so the
// limit holds across instances.
func newLimiter(cfg config.ServerConfig, rc *redis.Client) (*limiter.Limiter, error) {
	if cfg.RateLimit == "" {
		return nil, nil
	}
	rate, err := limiter.NewRateFromFormatted(cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT: %w", err)
	}
	store := memory.NewStore()
	if rc != nil {
		store, err = redisstore.NewStoreWithOptions(rc, limiter.StoreOptions{Prefix: "dispatch:limit"})
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
	}
	return limiter.New(store, rate), nil
}
