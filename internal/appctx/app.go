package appctx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dws-network/dws-core/autoscaler"
	"github.com/dws-network/dws-core/internal/config"
	"github.com/dws-network/dws-core/internal/events"
	"github.com/dws-network/dws-core/internal/idhash"
	"github.com/dws-network/dws-core/internal/log"
	"github.com/dws-network/dws-core/internal/metrics"
	"github.com/dws-network/dws-core/ingress"
	"github.com/dws-network/dws-core/mesh"
	"github.com/dws-network/dws-core/p2p"
	"github.com/dws-network/dws-core/p2p/bootstrap"
	"github.com/dws-network/dws-core/p2p/discover"
	"github.com/dws-network/dws-core/p2p/gossip"
	"github.com/dws-network/dws-core/p2p/peerstore"
	"github.com/dws-network/dws-core/poc"
)

// App is the single explicit composition root for one DWS node
// process: every subsystem handle named in base spec §2's component
// table lives here, constructed once by New and started/stopped
// together by Run, following the "Global singletons and lazy-init
// functions" design note (§9) and grounded on
// wisbric-nightowl/internal/app/app.go's explicit Run(ctx, cfg) shape
// (no package-level getFoo() lazy singletons anywhere in this repo).
type App struct {
	cfg    *config.Config
	logger *log.Logger

	Metrics *metrics.Registry
	Events  *events.Bus

	PeerStore *peerstore.Store
	Table     *discover.Table
	DHT       *discover.DHT
	Bootstrap *bootstrap.Manager
	Discovery *discover.Discovery
	Gossip    *gossip.Mesh
	P2P       *p2p.Service

	Autoscaler *autoscaler.Autoscaler
	Mesh       *mesh.Service
	Ingress    *ingress.Service
	PoC        *poc.Verifier

	selfPeerID string
	httpSrv    *http.Server
	httpErrCh  chan error
}

// New constructs every subsystem from cfg, wiring their collaborators
// per base spec §4, but starts nothing — callers invoke Run (or Start)
// to begin background loops. Returns an error on any fatal
// initialization failure (base spec §7 "Fatal initialization errors"),
// most notably an invalid mesh CA or a rejected config.
func New(cfg *config.Config, logger *log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(log.ParseLevel(cfg.LogLevel))
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	selfPeerID := idhash.PeerID(nodeID)

	reg := metrics.NewRegistry()
	bus := events.NewBus(logger)

	store := peerstore.New(peerstore.Config{
		Path:         cfg.PeerStorePath,
		SaveInterval: cfg.PeerStoreSaveInt,
		Metrics:      reg,
		Logger:       logger,
	})
	if err := store.Load(cfg.PeerStorePath); err != nil {
		logger.Warn("peer store: starting fresh", "error", err)
	}

	table := discover.NewTable(selfPeerID)
	httpTimeout := 5 * time.Second
	dialer := p2p.NewHTTPDialer(httpTimeout)
	dht := discover.NewDHT(selfPeerID, table, dialer)

	hardcoded := make([]bootstrap.Seed, 0, len(cfg.BootstrapSeeds))
	for _, addr := range cfg.BootstrapSeeds {
		hardcoded = append(hardcoded, bootstrap.Seed{Address: addr, Source: "hardcoded", Healthy: true})
	}
	bootstrapMgr := bootstrap.New(bootstrap.Config{
		HardcodedSeeds:  hardcoded,
		DNSSeeds:        cfg.BootstrapDNSSeeds,
		DNS:             bootstrap.NewHTTPDoHResolver(cfg.BootstrapDoHEndpoint),
		Registry:        nil, // on-chain registry is a named-interface external collaborator (base spec §1); no concrete implementation is in scope
		Pinger:          dialer,
		RefreshInterval: cfg.BootstrapRefreshInt,
		RetryInterval:   cfg.BootstrapRetryInterval,
		MaxPeers:        cfg.BootstrapMaxPeers,
		Logger:          logger,
	})

	discovery := discover.New(discover.Config{
		SelfID:          selfPeerID,
		Table:           table,
		DHT:             dht,
		Dialer:          dialer,
		Store:           store,
		Events:          bus,
		Metrics:         reg,
		Logger:          logger,
		MaxConnections:  cfg.MaxConnections,
		RefreshInterval: cfg.RefreshInterval,
		PingInterval:    cfg.PingInterval,
	})

	gossipSender := p2p.NewGossipSender(store, httpTimeout)
	scoreAdapter := &peerScoreAdapter{store: store}
	gossipMesh := gossip.New(gossip.Config{
		SelfID:         selfPeerID,
		Sender:         gossipSender,
		ScoreStore:     scoreAdapter,
		Metrics:        reg,
		Logger:         logger,
		MaxMessageSize: cfg.GossipMaxMsgBytes,
		Heartbeat:      cfg.GossipHeartbeat,
		SeenTTL:        cfg.GossipSeenTTL,
	})

	p2pSvc := p2p.New(p2p.Config{
		SelfPeerID: selfPeerID,
		SelfNodeID: nodeID,
		Endpoint:   cfg.Endpoint,
		Services:   cfg.Services,
		Region:     cfg.Region,
		Store:      store,
		Table:      table,
		DHT:        dht,
		Discovery:  discovery,
		Bootstrap:  bootstrapMgr,
		Mesh:       gossipMesh,
		Events:     bus,
		Metrics:    reg,
		Logger:     logger,
	})

	scaler := autoscaler.New(autoscaler.Config{
		Interval:      cfg.AutoscalerInterval,
		ScaleCallback: noopScaleCallback(logger),
		NodeCallback:  noopNodeCallback(logger),
		Metrics:       reg,
		Logger:        logger,
	})

	meshSvc, err := mesh.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("appctx: constructing service mesh: %w", err)
	}

	rdb, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		logger.Warn("ingress: redis unavailable at startup, rate limiting falls back to in-memory", "error", err)
		rdb = nil
	}
	rules := ingress.NewRuleTable()
	limiter := ingress.NewRateLimiter(rdb)
	ingressSvc := ingress.New(ingress.Config{
		Rules:       rules,
		RateLimiter: limiter,
		Dispatchers: defaultDispatchers(discovery, store, logger),
		Metrics:     reg,
		Logger:      logger,
	})

	pocVerifier := poc.New(poc.Config{
		Parser:     poc.NewReferenceParser(),
		Registry:   poc.NewHTTPRegistryClient(cfg.PoCRegistryURL, httpTimeout),
		Reputation: scoreAdapter,
		Events:     bus,
		Metrics:    reg,
		Logger:     logger,
		SaltHex:    cfg.HardwareIDSaltHex,
		CacheTTL:   cfg.PoCCacheTTL,
	})

	return &App{
		cfg:        cfg,
		logger:     logger.Module("app"),
		Metrics:    reg,
		Events:     bus,
		PeerStore:  store,
		Table:      table,
		DHT:        dht,
		Bootstrap:  bootstrapMgr,
		Discovery:  discovery,
		Gossip:     gossipMesh,
		P2P:        p2pSvc,
		Autoscaler: scaler,
		Mesh:       meshSvc,
		Ingress:    ingressSvc,
		PoC:        pocVerifier,
		selfPeerID: selfPeerID,
	}, nil
}

// newRedisClient parses a redis:// URL into a client. A connectivity
// error is not fatal: the rate limiter falls back to its in-memory
// path per base spec §4.7 step 2.
func newRedisClient(rawURL string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, errors.New("appctx: empty redis URL")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("appctx: parsing redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Start begins every owned subsystem's background loops and mounts the
// `/p2p/*`, ingress, and `/metrics` HTTP surfaces on one listener (base
// spec §6).
func (a *App) Start(ctx context.Context) error {
	a.PeerStore.Start(ctx)
	a.Bootstrap.Start(ctx)
	a.Discovery.Start(ctx)
	a.Gossip.Start()
	a.Autoscaler.Start(ctx)

	mux := http.NewServeMux()
	a.P2P.RegisterRoutes(mux)
	mux.Handle("/metrics", a.Metrics.Handler())
	mux.Handle("/", a.Ingress)

	a.httpSrv = &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	a.httpErrCh = make(chan error, 1)
	go func() {
		a.logger.Info("control-plane listening", "addr", a.cfg.ListenAddr, "peerId", a.selfPeerID)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.httpErrCh <- fmt.Errorf("appctx: http server: %w", err)
			return
		}
		a.httpErrCh <- nil
	}()
	return nil
}

// Stop quiesces every owned subsystem and shuts the HTTP surface down,
// forcing a final peer-store save (base spec §4.1 "stop() forces a
// final save").
func (a *App) Stop() error {
	var firstErr error
	if a.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			firstErr = err
		}
	}
	a.Autoscaler.Stop()
	a.Gossip.Stop()
	a.Discovery.Stop()
	a.Bootstrap.Stop()
	a.PeerStore.Stop()
	return firstErr
}

// Run starts the App and blocks until ctx is cancelled, then performs
// an orderly shutdown. This is the function cmd/dwsnode/main.go calls.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-a.httpErrCh:
		if err != nil {
			a.logger.Error("control-plane listener failed, shutting down", "error", err)
		}
	}
	if stopErr := a.Stop(); stopErr != nil {
		return stopErr
	}
	return nil
}

func noopScaleCallback(logger *log.Logger) autoscaler.ScaleCallback {
	l := logger.Module("autoscaler")
	return func(targetID string, targetType autoscaler.TargetType, desiredReplicas int) error {
		l.Warn("scale callback not wired to a platform, decision not applied",
			"target", targetID, "type", targetType, "desired", desiredReplicas)
		return nil
	}
}

func noopNodeCallback(logger *log.Logger) autoscaler.NodeCallback {
	l := logger.Module("autoscaler")
	return func(poolID string, desiredNodes int) error {
		l.Warn("node callback not wired to a platform, decision not applied",
			"pool", poolID, "desired", desiredNodes)
		return nil
	}
}
