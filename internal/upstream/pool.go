// Package upstream implements a per-site upstream pool: active-
// connection accounting and the three load-balancing policies. The
// selection logic is adapted from Caddy's
// caddyhttp/proxy/policy.go Policy interface, generalized from
// HostPool/UpstreamHost to a config-driven, atomically-counted Server.
package upstream

import (
	"errors"
	"math/rand"
	"net/url"
	"sync/atomic"

	"github.com/benliao/bws/internal/bwsconfig"
	"github.com/benliao/bws/internal/bwserrors"
)

// ErrNoUpstreamAvailable is returned by Select when the pool is empty.
var ErrNoUpstreamAvailable = bwserrors.New(bwserrors.KindNoUpstreamAvailable, "no upstream available")

// Server is one backend and its live connection counter. Weight and
// URL are immutable for the life of the snapshot; ActiveConnections
// is the only mutable field, touched exclusively through a Guard.
type Server struct {
	URL              *url.URL
	Weight           int
	activeConnections int64 // atomic; access via ActiveConnections/guard only
}

// ActiveConnections reads the live counter with a relaxed atomic load.
// Callers that only need an approximate load signal (such as the
// least-connections policy) can tolerate a value that is a moment
// stale.
func (s *Server) ActiveConnections() int64 {
	return atomic.LoadInt64(&s.activeConnections)
}

// Pool holds one upstream group's servers and load-balancing state.
// A Pool is built once per ServerConfig snapshot and never mutated
// after construction except via each Server's atomic counter.
type Pool struct {
	Name    string
	Policy  bwsconfig.LBPolicy
	servers []*Server

	roundRobinCounter uint64 // atomic
}

// NewPool builds a Pool from a validated UpstreamGroup. Construction
// assumes the config has already been validated (non-empty servers,
// positive weights); it returns an error only for malformed URLs,
// which Validate should already have rejected.
func NewPool(group bwsconfig.UpstreamGroup, policy bwsconfig.LBPolicy) (*Pool, error) {
	p := &Pool{Name: group.Name, Policy: policy}
	for _, srv := range group.Servers {
		u, err := url.Parse(srv.URL)
		if err != nil {
			return nil, errors.New("invalid upstream url: " + srv.URL)
		}
		p.servers = append(p.servers, &Server{URL: u, Weight: srv.Weight})
	}
	return p, nil
}

// Servers returns the pool's backends in configuration order. The
// returned slice must not be mutated by callers.
func (p *Pool) Servers() []*Server { return p.servers }

// Select picks a backend under the pool's policy and returns it with
// a Guard that must be released (via Guard.Release, typically via
// defer) exactly once regardless of how the caller's request exits.
func (p *Pool) Select() (*Server, *Guard, error) {
	if len(p.servers) == 0 {
		return nil, nil, ErrNoUpstreamAvailable
	}
	var s *Server
	switch p.Policy {
	case bwsconfig.LBWeighted:
		s = p.selectWeighted()
	case bwsconfig.LBLeastConnections:
		s = p.selectLeastConnections()
	default:
		s = p.selectRoundRobin()
	}
	if s == nil {
		return nil, nil, ErrNoUpstreamAvailable
	}
	return s, newGuard(s), nil
}

// selectRoundRobin: index = counter.fetch_add(1) mod len(servers). An
// unsigned counter taken modulo each selection never overflows
// semantically even as it wraps around uint64.
func (p *Pool) selectRoundRobin() *Server {
	n := atomic.AddUint64(&p.roundRobinCounter, 1) - 1
	idx := n % uint64(len(p.servers))
	return p.servers[idx]
}

// selectWeighted draws r in [0, totalWeight) from a fast, non-cryptographic
// PRNG and returns the first server whose cumulative weight exceeds r.
func (p *Pool) selectWeighted() *Server {
	total := 0
	for _, s := range p.servers {
		total += s.Weight
	}
	if total <= 0 {
		return p.servers[0]
	}
	r := rand.Intn(total)
	cum := 0
	for _, s := range p.servers {
		cum += s.Weight
		if r < cum {
			return s
		}
	}
	return p.servers[len(p.servers)-1]
}

// selectLeastConnections does a single pass picking the minimum
// ActiveConnections, ties broken by earlier configuration order.
func (p *Pool) selectLeastConnections() *Server {
	best := p.servers[0]
	bestConns := best.ActiveConnections()
	for _, s := range p.servers[1:] {
		if c := s.ActiveConnections(); c < bestConns {
			best, bestConns = s, c
		}
	}
	return best
}

// Guard tracks one in-flight request against the server it was issued
// for: its creation increments the selected server's counter, and
// Release decrements it exactly once. Guard is safe to Release
// multiple times; only the first call has effect, so a defer alongside
// an explicit early Release on the happy path can't double-decrement.
type Guard struct {
	server   *Server
	released int32 // atomic
}

func newGuard(s *Server) *Guard {
	atomic.AddInt64(&s.activeConnections, 1)
	return &Guard{server: s}
}

// Release decrements the counter exactly once regardless of call
// count, so a defer is safe after an earlier explicit call, a panic
// recovery path, or request cancellation.
func (g *Guard) Release() {
	if atomic.CompareAndSwapInt32(&g.released, 0, 1) {
		atomic.AddInt64(&g.server.activeConnections, -1)
	}
}
