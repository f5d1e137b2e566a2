// Package supervisor owns the process lifecycle: loading and
// validating configuration, building the certificate store, routers,
// and workers for the current snapshot, running them until a signal
// or management request asks for a reload or shutdown, and handing
// off to a freshly built set of workers on reload. The "start
// everything, roll back what's already started if any one thing
// fails" boot sequence is adapted from Caddy's caddy.go run/
// provisionContext; the start-all-apps loop there becomes start-all-
// workers here.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/benliao/bws/internal/acme"
	"github.com/benliao/bws/internal/admin"
	"github.com/benliao/bws/internal/bwsconfig"
	"github.com/benliao/bws/internal/bwslog"
	"github.com/benliao/bws/internal/certstore"
	"github.com/benliao/bws/internal/renewal"
	"github.com/benliao/bws/internal/reverseproxy"
	"github.com/benliao/bws/internal/siterouter"
	"github.com/benliao/bws/internal/staticfiles"
	"github.com/benliao/bws/internal/upstream"
	"github.com/benliao/bws/internal/worker"
	"github.com/benliao/bws/internal/wsproxy"
)

// State is the supervisor's externally observable lifecycle state.
type State int

const (
	StateRunning State = iota
	StateReloading
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReloading:
		return "reloading"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "running"
	}
}

const (
	defaultDrainTimeout = 30 * time.Second
	acmeStorageDir      = "acme-data"
)

// Supervisor boots and re-boots the serving graph from a single
// config file path, reacting to SIGHUP (reload) and SIGTERM/SIGINT
// (drain then exit).
type Supervisor struct {
	ConfigPath string
	// AcmeStorageDir is where ACME account keys and issued certificates
	// are cached on disk. Defaults to "acme-data" relative to the
	// working directory; tests override it to an isolated temp dir.
	AcmeStorageDir string

	mu        sync.Mutex
	state     State
	cfg       *bwsconfig.ServerConfig
	scheduler *renewal.Scheduler
	workers   []*bootedWorker
	mgmtLn    net.Listener

	log *zap.Logger
}

type bootedWorker struct {
	w  *worker.Worker
	ln net.Listener
}

// New builds a Supervisor that will load configPath on Run.
func New(configPath string) *Supervisor {
	return &Supervisor{
		ConfigPath:     configPath,
		AcmeStorageDir: acmeStorageDir,
		log:            bwslog.Named("supervisor"),
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run loads the config, boots the serving graph, and blocks until ctx
// is cancelled or a terminating signal arrives.
func (s *Supervisor) Run(ctx context.Context) error {
	built, err := s.build(nil)
	if err != nil {
		return fmt.Errorf("initial boot: %w", err)
	}
	s.commit(built)
	s.startServing(built)
	s.log.Info("boot complete", zap.Int("listeners", len(built.workers)))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutdown signal received, draining")
			return s.drainAndStop()
		case <-sighup:
			s.log.Info("reload signal received")
			if err := s.Reload(); err != nil {
				s.log.Warn("reload failed, continuing to serve previous configuration", zap.Error(err))
			}
		}
	}
}

// Reload parses and validates a fresh configuration, builds a new
// serving graph bound to new listening sockets, and drains the
// previous workers once the new ones are accepting connections. A
// failed reload leaves the previously committed graph serving
// unchanged.
func (s *Supervisor) Reload() error {
	s.mu.Lock()
	s.state = StateReloading
	prevCfg := s.cfg
	prevWorkers := s.workers
	prevScheduler := s.scheduler
	prevMgmtLn := s.mgmtLn
	s.mu.Unlock()

	built, err := s.build(prevCfg)
	if err != nil {
		s.mu.Lock()
		s.state = StateRunning
		s.mu.Unlock()
		return fmt.Errorf("reload: %w", err)
	}

	s.commit(built)
	s.startServing(built)

	if prevScheduler != nil {
		prevScheduler.Stop()
	}
	if prevMgmtLn != nil {
		_ = prevMgmtLn.Close()
	}
	drainTimeout := drainTimeoutOf(built.cfg)
	for _, bw := range prevWorkers {
		go func(bw *bootedWorker) { _ = bw.w.Drain(drainTimeout) }(bw)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Info("reload complete", zap.Int("listeners", len(built.workers)))
	return nil
}

func (s *Supervisor) drainAndStop() error {
	s.mu.Lock()
	s.state = StateDraining
	workers := s.workers
	cfg := s.cfg
	scheduler := s.scheduler
	mgmtLn := s.mgmtLn
	s.mu.Unlock()

	if scheduler != nil {
		scheduler.Stop()
	}
	if mgmtLn != nil {
		_ = mgmtLn.Close()
	}

	timeout := drainTimeoutOf(cfg)
	g, _ := errgroup.WithContext(context.Background())
	for _, bw := range workers {
		bw := bw
		g.Go(func() error { return bw.w.Drain(timeout) })
	}
	err := g.Wait()

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	return err
}

func drainTimeoutOf(cfg *bwsconfig.ServerConfig) time.Duration {
	if cfg != nil && cfg.Performance.DrainTimeout > 0 {
		return cfg.Performance.DrainTimeout
	}
	return defaultDrainTimeout
}

// built is everything a successful build() produces: a config
// snapshot, its workers (already listening, not yet serving), and the
// renewal scheduler tracking its auto-cert orders.
type built struct {
	cfg       *bwsconfig.ServerConfig
	workers   []*bootedWorker
	scheduler *renewal.Scheduler
	mgmtLn    net.Listener
	mgmtMux   *admin.Handler
}

// build parses configuration fresh from disk and constructs every
// worker and its listening socket for the new snapshot. If any
// listener fails to bind, every socket already opened during this
// build is closed before build returns the error, so a failed build
// never leaks file descriptors or leaves a half-started graph
// reachable from the supervisor.
func (s *Supervisor) build(prevCfg *bwsconfig.ServerConfig) (*built, error) {
	cfg, err := bwsconfig.Load(s.ConfigPath)
	if err != nil {
		return nil, err
	}

	diff := bwsconfig.Diff(prevCfg, cfg)
	s.log.Info("configuration loaded", zap.Bool("sites_changed", diff.SitesChanged))

	s.mu.Lock()
	prevWorkers := s.workers
	prevMgmtLn := s.mgmtLn
	s.mu.Unlock()

	prevListeners := map[bwsconfig.ListenKey]net.Listener{}
	for _, bw := range prevWorkers {
		prevListeners[bw.w.Listener] = bw.ln
	}

	certs := certstore.New()
	challenge := acme.NewChallengeTable()
	storage, err := certstore.NewDiskStorage(s.AcmeStorageDir)
	if err != nil {
		return nil, fmt.Errorf("opening acme storage: %w", err)
	}
	acmeClient := acme.NewClient(storage, challenge, certs)
	scheduler := renewal.New(acmeClient, certs)

	if err := loadManualCertificates(cfg, certs); err != nil {
		return nil, err
	}
	newAutoDomains := bwsconfig.NewAutoDomains(prevCfg, cfg)
	scheduleAutoCertificates(cfg, acmeClient, scheduler, newAutoDomains)

	workers, err := buildWorkers(cfg, certs, challenge, s.Reload, prevListeners)
	if err != nil {
		return nil, err
	}

	var mgmtLn net.Listener
	var mgmtHandler *admin.Handler
	if cfg.Management.Enabled {
		mgmtHandler = admin.New(cfg.Management.APIKey, s.Reload)
		addr := fmt.Sprintf("%s:%d", cfg.Management.Host, cfg.Management.Port)
		var prevMgmt net.Listener
		if prevCfg != nil && prevCfg.Management.Enabled &&
			prevCfg.Management.Host == cfg.Management.Host &&
			prevCfg.Management.Port == cfg.Management.Port {
			prevMgmt = prevMgmtLn
		}
		ln, err := dupOrListen(addr, prevMgmt)
		if err != nil {
			closeWorkerListeners(workers)
			return nil, fmt.Errorf("listening on management address %s: %w", addr, err)
		}
		mgmtLn = ln
	}

	return &built{cfg: cfg, workers: workers, scheduler: scheduler, mgmtLn: mgmtLn, mgmtMux: mgmtHandler}, nil
}

func closeWorkerListeners(workers []*bootedWorker) {
	for _, bw := range workers {
		_ = bw.ln.Close()
	}
}

// dupOrListen hands off prev's socket to the new generation by
// duplicating its file descriptor, instead of binding addr fresh,
// whenever prev is non-nil: a reload that leaves a listener's bind
// address unchanged must not call net.Listen on that same address
// again, since nothing in this tree sets SO_REUSEPORT and a second
// bind would fail with "address already in use" while the previous
// generation's listener is still open and draining. The duplicated
// descriptor is independent of prev, so closing prev during drain
// (or closing the returned listener during a rollback) never affects
// the other. Falls back to a fresh net.Listen when prev is nil or the
// handoff itself fails for any reason.
func dupOrListen(addr string, prev net.Listener) (net.Listener, error) {
	if tl, ok := prev.(*net.TCPListener); ok {
		if f, err := tl.File(); err == nil {
			ln, ferr := net.FileListener(f)
			_ = f.Close()
			if ferr == nil {
				return ln, nil
			}
		}
	}
	return net.Listen("tcp", addr)
}

// commit swaps b into the supervisor's live state under lock. It does
// not start serving; call startServing afterward.
func (s *Supervisor) commit(b *built) {
	s.mu.Lock()
	s.cfg = b.cfg
	s.workers = b.workers
	s.scheduler = b.scheduler
	s.mgmtLn = b.mgmtLn
	s.mu.Unlock()
}

// startServing launches the accept loops for every worker and the
// management listener in b, and starts the renewal scheduler.
func (s *Supervisor) startServing(b *built) {
	for _, bw := range b.workers {
		go func(bw *bootedWorker) {
			var serveErr error
			if bw.w.CertMgr != nil {
				serveErr = bw.w.ServeTLS(context.Background(), bw.ln)
			} else {
				serveErr = bw.w.Serve(context.Background(), bw.ln)
			}
			if serveErr != nil {
				s.log.Warn("worker exited", zap.Error(serveErr))
			}
		}(bw)
	}

	if b.mgmtLn != nil {
		mux := b.mgmtMux.Mux()
		ln := b.mgmtLn
		go func() {
			if err := http.Serve(ln, mux); err != nil && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("management listener exited", zap.Error(err))
			}
		}()
	}

	go b.scheduler.Start(context.Background())
	b.scheduler.CheckNow(context.Background())
}

func loadManualCertificates(cfg *bwsconfig.ServerConfig, store *certstore.Store) error {
	for _, site := range cfg.Sites {
		if site.SSL.Mode != bwsconfig.SSLManual {
			continue
		}
		cert, err := certstore.LoadKeyPair(site.SSL.CertPath, site.SSL.KeyPath)
		if err != nil {
			return fmt.Errorf("site %s: %w", site.Name, err)
		}
		store.Install(site.Hostnames, cert)
	}
	return nil
}

func scheduleAutoCertificates(cfg *bwsconfig.ServerConfig, client *acme.Client, scheduler *renewal.Scheduler, newDomains map[string][]string) {
	for _, site := range cfg.Sites {
		if site.SSL.Mode != bwsconfig.SSLAuto {
			continue
		}
		order := acme.Order{Domains: site.SSL.Domains, Email: site.SSL.Email, Staging: site.SSL.Staging}
		if len(order.Domains) == 0 {
			order.Domains = site.Hostnames
		}
		scheduler.Track(order)
		if _, isNew := newDomains[site.Name]; !isNew {
			continue
		}
		go func(order acme.Order, name string) {
			if err := client.Obtain(context.Background(), order); err != nil {
				bwslog.Named("supervisor").Warn("certificate order failed",
					zap.String("site", name), zap.Error(err))
			}
		}(order, site.Name)
	}
}

// buildWorkers constructs one worker.Worker per distinct listener in
// cfg and binds its listening socket, reusing the previous
// generation's socket via dupOrListen wherever prevListeners has an
// entry for that listener's key. If any listener fails to bind, every
// socket opened so far in this call is closed before returning the
// error.
func buildWorkers(cfg *bwsconfig.ServerConfig, certs *certstore.Store, challenge *acme.ChallengeTable, reload admin.ReloadFunc, prevListeners map[bwsconfig.ListenKey]net.Listener) ([]*bootedWorker, error) {
	byListener := map[bwsconfig.ListenKey][]bwsconfig.Site{}
	var order []bwsconfig.ListenKey
	for _, site := range cfg.Sites {
		key := site.Key()
		if _, seen := byListener[key]; !seen {
			order = append(order, key)
		}
		byListener[key] = append(byListener[key], site)
	}

	router := siterouter.NewRouter(cfg.Sites)

	var result []*bootedWorker
	rollback := func() { closeWorkerListeners(result) }

	for _, listenKey := range order {
		sites := byListener[listenKey]
		sitesHandlers := map[string]worker.SiteHandlers{}
		usesSSL := false
		for _, site := range sites {
			handlers := worker.SiteHandlers{Routes: site.Proxy.Routes}
			if site.StaticRoot != "" {
				handlers.Static = staticfiles.New(site.StaticRoot, site.ResponseHeaders)
			}
			if site.Proxy.Enabled {
				registry, err := upstream.BuildRegistry(site.Proxy)
				if err != nil {
					rollback()
					return nil, fmt.Errorf("site %s: %w", site.Name, err)
				}
				handlers.Registry = registry
				handlers.Proxy = map[string]*reverseproxy.Handler{}
				handlers.WS = map[string]*wsproxy.Handler{}
				for _, route := range site.Proxy.Routes {
					pool := registry.Pool(route.UpstreamName)
					if pool == nil {
						rollback()
						return nil, fmt.Errorf("site %s: route %s references unknown upstream group %s", site.Name, route.PathPrefix, route.UpstreamName)
					}
					handlers.Proxy[route.PathPrefix] = reverseproxy.New(pool, worker.OptionsFor(route, site.Proxy))
					if route.IsWebSocket {
						handlers.WS[route.PathPrefix] = wsproxy.New(pool, site.Proxy.ConnectTimeout)
					}
				}
			}
			if site.SSL.Mode != bwsconfig.SSLDisabled {
				usesSSL = true
			}
			sitesHandlers[site.Name] = handlers
		}

		var listenerCerts *certstore.Store
		if usesSSL {
			listenerCerts = certs
		}

		// The HTTP-01 challenge responder only ever needs to answer on
		// the plain-HTTP listener for a site's domains; mounting it on
		// a TLS listener too would never actually be reachable (an
		// ACME validator speaks plaintext HTTP, not TLS, on port 80),
		// so it is scoped out here rather than left to be harmlessly
		// unreachable.
		var listenerChallenge *acme.ChallengeTable
		if !usesSSL {
			listenerChallenge = challenge
		}

		w := worker.New(listenKey, router, sitesHandlers, listenerCerts, listenerChallenge)
		if cfg.Management.Enabled {
			w.Admin = admin.New(cfg.Management.APIKey, reload)
		}

		addr := fmt.Sprintf("%s:%d", listenKey.Host, listenKey.Port)
		ln, err := dupOrListen(addr, prevListeners[listenKey])
		if err != nil {
			rollback()
			return nil, fmt.Errorf("listening on %s: %w", addr, err)
		}
		result = append(result, &bootedWorker{w: w, ln: ln})
	}

	return result, nil
}
