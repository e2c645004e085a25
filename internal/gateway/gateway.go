// ABOUTME: Gateway orchestrator wiring store, vault, channel driver, session pool and router
// ABOUTME: Serves gRPC health and the admin service, and mirrors session status into the store

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/branchline/internal/admin"
	"github.com/2389/branchline/internal/config"
	"github.com/2389/branchline/internal/conversation"
	"github.com/2389/branchline/internal/dedupe"
	"github.com/2389/branchline/internal/driver"
	"github.com/2389/branchline/internal/driver/loopback"
	"github.com/2389/branchline/internal/driver/matrix"
	"github.com/2389/branchline/internal/reply"
	"github.com/2389/branchline/internal/session"
	"github.com/2389/branchline/internal/store"
	"github.com/2389/branchline/internal/vault"
)

const dedupeMaxEntries = 100_000

// Gateway owns every long-lived component of a branchline server.
type Gateway struct {
	config     *config.Config
	store      store.Store
	vault      *vault.Vault
	driver     driver.Driver
	pool       *session.Pool
	router     *conversation.Router
	dedupe     *dedupe.Cache
	health     *health.Server
	grpcServer *grpc.Server
	logger     *slog.Logger

	// serverID identifies this gateway instance in logs.
	serverID string

	addrMu sync.Mutex
	addr   net.Addr
	ready  chan struct{}

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option overrides a component New would otherwise build from config.
type Option func(*options)

type options struct {
	store  store.Store
	driver driver.Driver
	engine reply.Engine
}

// WithStore uses s instead of opening the configured database.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithDriver uses d instead of the configured channel driver.
func WithDriver(d driver.Driver) Option {
	return func(o *options) { o.driver = d }
}

// WithEngine replaces the default keyword reply engine.
func WithEngine(e reply.Engine) Option {
	return func(o *options) { o.engine = e }
}

// initStore opens the configured SQLite database. BRANCHLINE_DB_PATH overrides the path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BRANCHLINE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.OpenSQLite(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newDriver builds the channel driver selected by channels.driver.
func newDriver(cfg *config.Config, v *vault.Vault, logger *slog.Logger) (driver.Driver, error) {
	switch cfg.Channels.Driver {
	case "matrix":
		accounts := make(map[string]matrix.Account, len(cfg.Channels.Matrix.Accounts))
		for branchID, acct := range cfg.Channels.Matrix.Accounts {
			accounts[branchID] = matrix.Account{UserID: acct.UserID, Password: acct.Password}
		}
		return matrix.New(matrix.Config{
			Homeserver: cfg.Channels.Matrix.Homeserver,
			Accounts:   accounts,
			PairingTTL: cfg.Sessions.PairingTTL,
		}, v, logger)
	case "loopback":
		return loopback.New(cfg.Channels.Loopback.AutoPairDelay, logger), nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", cfg.Channels.Driver)
	}
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New creates a Gateway from cfg. Nothing is started until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg); err != nil {
			return nil, err
		}
	}

	v, err := vault.New(cfg.Sessions.Dir, cfg.Sessions.IdentityFile, logger)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("opening session vault: %w", err)
	}

	drv := o.driver
	if drv == nil {
		if drv, err = newDriver(cfg, v, logger); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating channel driver: %w", err)
		}
	}

	pool, err := session.NewPool(session.Options{
		Driver:   drv,
		Branches: s,
		Purger:   v,
		Policy: session.ReconnectPolicy{
			BaseDelay:  cfg.Sessions.RetryBaseDelay,
			MaxRetries: cfg.Sessions.MaxRetries,
		},
		PairingTTL:      cfg.Sessions.PairingTTL,
		InitTimeout:     cfg.Sessions.InitTimeout,
		SendTimeout:     cfg.Sessions.SendTimeout,
		TeardownTimeout: cfg.Sessions.TeardownTimeout,
		Logger:          logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating session pool: %w", err)
	}

	engine := o.engine
	if engine == nil {
		engine = reply.NewKeywordEngine(logger)
	}
	dedupeCache := dedupe.New(cfg.Conversation.DedupeTTL, dedupeMaxEntries)

	router, err := conversation.New(conversation.Options{
		Store:        s,
		Sender:       pool,
		Engine:       engine,
		Dedupe:       dedupeCache,
		Branches:     s,
		HistoryLimit: cfg.Conversation.HistoryLimit,
		CacheSize:    cfg.Conversation.CacheSize,
		ReplyTimeout: cfg.Conversation.ReplyTimeout,
		Logger:       logger,
	})
	if err != nil {
		dedupeCache.Close()
		_ = s.Close()
		return nil, fmt.Errorf("creating conversation router: %w", err)
	}
	pool.SetInbound(router)

	healthServer := health.NewServer()
	grpcServer := newGRPCServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	admin.Register(grpcServer, admin.NewService(pool, s, logger))

	return &Gateway{
		config:     cfg,
		store:      s,
		vault:      v,
		driver:     drv,
		pool:       pool,
		router:     router,
		dedupe:     dedupeCache,
		health:     healthServer,
		grpcServer: grpcServer,
		logger:     logger.With("component", "gateway"),
		serverID:   generateServerID(),
		ready:      make(chan struct{}),
	}, nil
}

// Pool exposes the operational surface: Start, Status, PairingArtifact,
// Send, Disconnect, Logout and PoolHealth.
func (g *Gateway) Pool() *session.Pool { return g.pool }

// Store returns the gateway's store.
func (g *Gateway) Store() store.Store { return g.store }

// Driver returns the channel driver in use.
func (g *Gateway) Driver() driver.Driver { return g.driver }

// Ready is closed once Run is listening.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Addr returns the gRPC listen address, or nil before Run is listening.
func (g *Gateway) Addr() net.Addr {
	g.addrMu.Lock()
	defer g.addrMu.Unlock()
	return g.addr
}

func (g *Gateway) seedCatalog(ctx context.Context) error {
	if g.config.Catalog.Path == "" {
		return nil
	}
	cat, err := store.LoadCatalog(g.config.Catalog.Path)
	if err != nil {
		return err
	}
	if err := store.SeedCatalog(ctx, g.store, cat); err != nil {
		return err
	}
	g.logger.Info("branch catalog seeded", "path", g.config.Catalog.Path, "branches", len(cat.Branches))
	return nil
}

// Run seeds the catalog, starts background workers, restores sessions and
// serves gRPC until ctx is cancelled or the server fails. Returns nil on a
// clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.seedCatalog(ctx); err != nil {
		_ = g.gracefulShutdown()
		return err
	}

	ln, err := net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = g.gracefulShutdown()
		return fmt.Errorf("listening on gRPC address: %w", err)
	}
	g.addrMu.Lock()
	g.addr = ln.Addr()
	g.addrMu.Unlock()

	grp, gctx := errgroup.WithContext(ctx)

	// Subscribe before anything starts so no transition goes unrecorded.
	statusCh := g.pool.Watch(gctx, session.AllBranches, 256)
	healthCh := g.pool.Watch(gctx, session.AllBranches, 256)
	g.initHealth(gctx)

	grp.Go(func() error {
		g.persistStatuses(statusCh)
		return nil
	})
	grp.Go(func() error {
		g.syncHealth(healthCh)
		return nil
	})
	grp.Go(func() error {
		g.logger.Info("gRPC server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.shutdownGRPCServer(stopCtx)
		return nil
	})

	close(g.ready)

	if g.config.Sessions.ShouldRestore() {
		g.restoreSessions(gctx)
	}

	serverErr := grp.Wait()
	if serverErr != nil {
		g.logger.Error("server error", "error", serverErr)
	}
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context, since the one Run
// was given is already cancelled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Sessions.TeardownTimeout+5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the gRPC server, drains the router, closes every session
// handle and finally the store. Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		g.shutdownGRPCServer(ctx)
		errs = appendCloseError(errs, "router close", g.router.Close(ctx))
		errs = appendCloseError(errs, "session pool close", g.pool.Close(ctx))
		g.dedupe.Close()
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("branchline-%d", time.Now().UnixNano()%1000000)
}
