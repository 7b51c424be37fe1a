// Package app assembles a hub node from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"ocpihub.org/internal/auth"
	"ocpihub.org/internal/command"
	"ocpihub.org/internal/config"
	"ocpihub.org/internal/events"
	"ocpihub.org/internal/handshake"
	"ocpihub.org/internal/httpapi"
	"ocpihub.org/internal/obs"
	"ocpihub.org/internal/ocpiclient"
	"ocpihub.org/internal/outbound"
	"ocpihub.org/internal/partner"
	"ocpihub.org/internal/push"
	"ocpihub.org/internal/replication"
	"ocpihub.org/internal/resource"
	"ocpihub.org/internal/scheduler"
	"ocpihub.org/internal/store/pg"
)

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	handler    command.Handler
	httpClient *http.Client
	version    string
}

// WithCommandHandler sets the adapter executing inbound commands.
func WithCommandHandler(h command.Handler) Option {
	return func(o *buildOptions) { o.handler = h }
}

// WithHTTPClient replaces the client used for calls to partners.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *buildOptions) { o.httpClient = hc }
}

// WithVersion sets the build version reported by /v1/info.
func WithVersion(v string) Option {
	return func(o *buildOptions) { o.version = v }
}

// Node is one running hub.
type Node struct {
	Config     config.Config
	Bus        *events.Bus
	Registry   *partner.Registry
	Engine     *replication.Engine
	Handshaker *handshake.Handshaker
	Dispatcher *command.Dispatcher
	Receiver   *command.Receiver
	Puller     *push.Puller
	Clients    *ocpiclient.Cache
	API        *httpapi.API
	GRPC       *httpapi.GRPCServer
	Scheduler  *scheduler.Scheduler

	pool    *outbound.Pool
	db      *pg.Store
	closers []func()

	closeOnce sync.Once
}

// Build wires every component. With a database DSN the stores are
// PostgreSQL and pending migrations are applied; otherwise they live in
// memory.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*Node, error) {
	bo := buildOptions{version: "dev"}
	for _, opt := range opts {
		opt(&bo)
	}

	n := &Node{Config: cfg, Bus: events.New()}

	var (
		partners  partner.Store  = partner.NewMemoryStore()
		resources resource.Store = resource.NewMemoryStore()
		probe     httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		db, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		applied, err := db.Migrate(ctx)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		if applied > 0 {
			obs.Info("schema migrated", map[string]any{"applied": applied})
		}
		n.db = db
		partners, resources = db.Partners(), db.Resources()
		probe = httpapi.ReadyProbe{DB: db.DB()}
	}

	clients, err := ocpiclient.NewCache(cfg.Client.CacheSize, ocpiclient.Options{
		HTTPClient:    bo.httpClient,
		RatePerSecond: cfg.Client.RatePerSecond,
		Burst:         cfg.Client.Burst,
		Timeout:       cfg.Client.Timeout,
	})
	if err != nil {
		n.release()
		return nil, err
	}
	n.Clients = clients

	local := cfg.LocalRoles()
	n.pool = outbound.New(cfg.Outbound)
	n.Registry = partner.NewRegistry(partners, n.Bus)
	n.Engine = replication.New(resources, n.Bus, cfg.Replication)
	n.Handshaker = handshake.New(n.Registry, clients, n.pool, handshake.Config{
		BaseURL:     cfg.BaseURL,
		Roles:       local,
		BackoffBase: cfg.Discovery.BackoffBase,
		BackoffMax:  cfg.Discovery.BackoffMax,
	})
	cmdCfg := cfg.Commands
	cmdCfg.BaseURL = cfg.BaseURL
	n.Dispatcher = command.NewDispatcher(n.Registry, clients, n.pool, n.Bus, cmdCfg)
	n.Receiver = command.NewReceiver(n.Registry, clients, n.pool, n.Bus, bo.handler, cmdCfg)
	n.Puller = push.NewPuller(n.Engine, n.Registry, clients, 0)
	n.closers = append(n.closers, push.New(n.Engine, n.Registry, clients, n.pool, local).Attach(n.Bus))

	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, "ocpihub")
		if err != nil {
			n.release()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		detach := events.NewNATSBridge(nc, cfg.NATS.SubjectPrefix).Attach(n.Bus)
		n.closers = append(n.closers, detach, func() { _ = nc.Drain() })
	}

	var signer *auth.Signer
	if cfg.Admin.Secret != "" {
		signer, err = auth.NewSigner(cfg.Admin.Secret, cfg.Admin.Issuer)
		if err != nil {
			n.release()
			return nil, fmt.Errorf("admin signer: %w", err)
		}
	}

	n.API = httpapi.New(probe, httpapi.Deps{
		Registry:   n.Registry,
		Gate:       auth.NewGate(n.Registry),
		Handshaker: n.Handshaker,
		Engine:     n.Engine,
		Dispatcher: n.Dispatcher,
		Receiver:   n.Receiver,
		Puller:     n.Puller,
		Clients:    clients,
		Bus:        n.Bus,
		Signer:     signer,
	}, httpapi.Options{
		BaseURL:           cfg.BaseURL,
		Roles:             local,
		Version:           bo.version,
		AdminPasswordHash: cfg.Admin.PasswordHash,
		AdminTokenTTL:     cfg.Admin.TokenTTL,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		RatePerSecond:     cfg.Server.RatePerSecond,
		RateBurst:         cfg.Server.RateBurst,
	})
	n.GRPC = httpapi.NewGRPCServer(probe)
	n.Scheduler = scheduler.New(n.Dispatcher, n.Registry, n.Handshaker, n.pool, scheduler.Config{
		SweepInterval:     cfg.Discovery.SweepInterval,
		DiscoveryInterval: cfg.Discovery.Interval,
	})

	obs.Info("node built", map[string]any{
		"base_url": cfg.BaseURL,
		"roles":    len(local),
		"postgres": n.db != nil,
		"nats":     cfg.NATS.URL != "",
		"admin":    signer != nil,
	})
	return n, nil
}

// Handler is the HTTP surface of the node.
func (n *Node) Handler() http.Handler { return n.API.Handler() }

// Run drives the scheduler until ctx ends.
func (n *Node) Run(ctx context.Context) { n.Scheduler.Run(ctx) }

// Close detaches the event subscribers, drains the outbound pool until ctx
// ends and closes the database.
func (n *Node) Close(ctx context.Context) error {
	var err error
	n.closeOnce.Do(func() {
		for i := len(n.closers) - 1; i >= 0; i-- {
			n.closers[i]()
		}
		n.closers = nil
		if n.pool != nil {
			err = n.pool.Close(ctx)
		}
		if n.db != nil {
			err = errors.Join(err, n.db.Close())
		}
	})
	return err
}

func (n *Node) release() {
	for _, c := range n.closers {
		c()
	}
	n.closers = nil
	if n.pool != nil {
		_ = n.pool.Close(context.Background())
	}
	if n.db != nil {
		_ = n.db.Close()
	}
}
