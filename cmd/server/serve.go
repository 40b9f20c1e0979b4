package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tangled.org/arabica.social/murmur/internal/config"
	"tangled.org/arabica.social/murmur/internal/database"
	"tangled.org/arabica.social/murmur/internal/database/boltstore"
	"tangled.org/arabica.social/murmur/internal/database/gormstore"
	"tangled.org/arabica.social/murmur/internal/database/sqlitestore"
	"tangled.org/arabica.social/murmur/internal/discussion"
	"tangled.org/arabica.social/murmur/internal/email"
	"tangled.org/arabica.social/murmur/internal/events"
	"tangled.org/arabica.social/murmur/internal/handlers"
	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/middleware"
	"tangled.org/arabica.social/murmur/internal/moderation"
	"tangled.org/arabica.social/murmur/internal/notify"
	"tangled.org/arabica.social/murmur/internal/realtime"
	"tangled.org/arabica.social/murmur/internal/routing"
	"tangled.org/arabica.social/murmur/internal/rules"
	"tangled.org/arabica.social/murmur/internal/thread"
	"tangled.org/arabica.social/murmur/internal/tracing"
	"tangled.org/arabica.social/murmur/internal/trust"
)

func serveCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// openStore opens the configured comment store
func openStore(cfg config.StorageConfig) (database.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return gormstore.Open(gormstore.Options{Driver: gormstore.DriverSQLite, DSN: cfg.DSN, Debug: cfg.Debug})
	case config.BackendPostgres:
		return gormstore.Open(gormstore.Options{Driver: gormstore.DriverPostgres, DSN: cfg.DSN, Debug: cfg.Debug})
	default:
		return boltstore.Open(boltstore.Options{Path: cfg.BoltPath})
	}
}

// importRules copies a rules file into the store. Invalid rules are
// reported and skipped.
func importRules(ctx context.Context, store database.Store, engine *rules.Engine, path string) (int, error) {
	ruleSet, err := rules.LoadFile(path)
	if err != nil {
		return 0, err
	}
	imported := 0
	for _, r := range ruleSet {
		if err := engine.Check(r); err != nil {
			log.Warn().Err(err).Str("rule", r.ID).Msg("rules: skipping invalid rule")
			continue
		}
		if err := store.SaveRule(ctx, r); err != nil {
			return imported, fmt.Errorf("failed to save rule %s: %w", r.ID, err)
		}
		imported++
	}
	return imported, nil
}

// buildDeliverer assembles the delivery channels beyond the inbox
func buildDeliverer(cfg *config.Config, directory notify.Directory) (notify.Multi, error) {
	channels := notify.Multi{{Name: "log", Deliverer: notify.LogDeliverer{}}}

	sender := email.NewSender(cfg.EmailConfig())
	if sender.Enabled() {
		channels = append(channels, notify.Channel{
			Name:      "email",
			Deliverer: notify.NewEmailDeliverer(sender, directory, cfg.Server.PublicURL),
		})
		log.Info().Str("host", cfg.Notify.SMTP.Host).Msg("notify: email delivery enabled")
	}

	if len(cfg.Notify.PushURLs) > 0 {
		push, err := notify.NewShoutrrrDeliverer(cfg.Notify.PushURLs, cfg.PushTypes(), cfg.Notify.DeliveryTimeout)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.Channel{Name: "push", Deliverer: push})
		log.Info().Int("urls", len(cfg.Notify.PushURLs)).Msg("notify: push delivery enabled")
	}
	return channels, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().Msg("Starting Murmur comment engine")

	if cfg.Server.Tracing.Enabled {
		tp, err := tracing.Init(ctx, cfg.Server.Tracing.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("tracing: shutdown failed")
			}
		}()
		log.Info().Str("endpoint", cfg.Server.Tracing.Endpoint).Msg("OpenTelemetry tracing enabled")
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	log.Info().Str("backend", cfg.Storage.Backend).Msg("Database opened")

	inbox, err := sqlitestore.OpenNotificationStore(cfg.Storage.InboxPath)
	if err != nil {
		return fmt.Errorf("failed to open notification inbox: %w", err)
	}
	defer inbox.Close()

	roles, err := moderation.NewService(cfg.Moderation.RolesFile)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	threads := thread.NewService(store, cfg.Thread)
	scorer := trust.NewScorer(store, cfg.Trust)

	engine := rules.NewEngine(cfg.Rules, store)
	if cfg.Rules.RulesFile != "" {
		n, err := importRules(ctx, store, engine, cfg.Rules.RulesFile)
		if err != nil {
			return err
		}
		log.Info().Int("rules", n).Str("file", cfg.Rules.RulesFile).Msg("rules: imported rules file")
	}
	loaded, err := engine.Reload(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("rules", loaded).Msg("rules: engine ready")

	machine := moderation.NewStateMachine(store, scorer, bus, roles)
	svc := discussion.NewService(cfg.Discussion, threads, scorer, engine, machine, roles, bus)

	gateway := realtime.NewGateway(cfg.GatewayConfig(), bus, roles)
	defer gateway.Close()
	defer gateway.Attach(bus)()

	var directory notify.Directory = notify.IdentityDirectory{}
	if len(cfg.Notify.Directory) > 0 {
		static := notify.NewStaticDirectory(cfg.Notify.Directory)
		directory = static
		log.Info().Int("users", static.Len()).Msg("notify: user directory loaded")
	}
	deliverer, err := buildDeliverer(cfg, directory)
	if err != nil {
		return err
	}
	router := notify.NewRouter(cfg.RouterConfig(), notify.Deps{
		Inbox:      inbox,
		Comments:   threads,
		Directory:  directory,
		Moderators: roles.ModeratorIDs,
		Bus:        bus,
		Deliverer:  deliverer,
	})
	defer router.Stop()
	defer router.Attach(bus)()
	router.Start()

	metrics.StartCollector(ctx, metrics.StatsSource{
		CommentCount: func() int {
			n, err := store.CountComments(ctx)
			if err != nil {
				return -1
			}
			return n
		},
		PendingCount: func() int {
			queue, err := machine.Queue(ctx, 0)
			if err != nil {
				return -1
			}
			return len(queue)
		},
		RuleCount:       engine.Count,
		SessionsByState: gateway.SessionsByState,
		TypingCount:     gateway.TypingCount,
	}, cfg.Server.MetricsInterval)

	h := handlers.NewHandler(svc, inbox, gateway, handlers.Config{})
	ws := realtime.NewHandler(gateway, cfg.TransportConfig(), func(r *http.Request) string {
		return middleware.UserIDFromContext(r.Context())
	})
	rl := cfg.Server.RateLimit
	handler := routing.SetupRouter(routing.Config{
		Handlers:  h,
		Realtime:  ws,
		RateLimit: middleware.NewRateLimitConfig(rl.Writes, rl.Reads, rl.Global),
		Logger:    log.Logger,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("address", cfg.Server.Addr).
			Str("url", cfg.Server.PublicURL).
			Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
