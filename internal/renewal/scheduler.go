// Package renewal implements the background renewal scheduler: every
// 12h it inspects the certificate store and re-triggers the ACME
// client for any auto-managed certificate within 30 days of expiry,
// with capped exponential backoff on failure.
package renewal

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benliao/bws/internal/acme"
	"github.com/benliao/bws/internal/bwslog"
	"github.com/benliao/bws/internal/certstore"
)

const (
	tickInterval  = 12 * time.Hour
	renewalWindow = 30 * 24 * time.Hour
)

var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	1 * time.Hour, // capped: repeats thereafter
}

// Tracked is one domain set the scheduler watches, mirroring the
// Order the ACME Client originally obtained it with.
type Tracked struct {
	Order acme.Order
}

// Scheduler owns the 12h tick loop. Newly installed certificates are
// published atomically by the Store itself; the old certificate keeps
// serving until Install publishes its replacement.
type Scheduler struct {
	client *acme.Client
	store  *certstore.Store
	log    *zap.Logger

	mu       sync.Mutex
	tracked  map[string]Tracked // keyed by Order domain set
	failures map[string]int     // consecutive failure count, for backoff

	stop chan struct{}
}

// New builds a Scheduler. Call Track for each Auto site before or
// after Start; Track is safe to call concurrently with a running loop.
func New(client *acme.Client, store *certstore.Store) *Scheduler {
	return &Scheduler{
		client:   client,
		store:    store,
		log:      bwslog.Named("renewal"),
		tracked:  map[string]Tracked{},
		failures: map[string]int{},
		stop:     make(chan struct{}),
	}
}

// Track registers a domain set for periodic renewal checks.
func (s *Scheduler) Track(order acme.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[key(order.Domains)] = Tracked{Order: order}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

// Stop halts the tick loop.
func (s *Scheduler) Stop() { close(s.stop) }

// CheckNow forces an immediate scan, used by the supervisor each time
// it starts serving a freshly built graph (at boot and after a reload).
func (s *Scheduler) CheckNow(ctx context.Context) { s.checkAll(ctx) }

func (s *Scheduler) checkAll(ctx context.Context) {
	s.mu.Lock()
	orders := make([]acme.Order, 0, len(s.tracked))
	for _, t := range s.tracked {
		orders = append(orders, t.Order)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, order := range orders {
		if !s.needsRenewal(order, now) {
			continue
		}
		s.renew(ctx, order)
	}
}

func (s *Scheduler) needsRenewal(order acme.Order, now time.Time) bool {
	cert := s.certFor(order)
	if cert == nil {
		return true // never issued, or was replaced out from under us
	}
	return cert.NotAfter.Sub(now) < renewalWindow
}

func (s *Scheduler) certFor(order acme.Order) *certstore.Certificate {
	if len(order.Domains) == 0 {
		return nil
	}
	cert, ok := s.store.Lookup(order.Domains[0])
	if !ok {
		return nil
	}
	return cert
}

func (s *Scheduler) renew(ctx context.Context, order acme.Order) {
	k := key(order.Domains)

	s.mu.Lock()
	failures := s.failures[k]
	s.mu.Unlock()

	if failures > 0 {
		wait := backoffSchedule[min(failures-1, len(backoffSchedule)-1)]
		go func() {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			s.attempt(ctx, order, k)
		}()
		return
	}
	s.attempt(ctx, order, k)
}

func (s *Scheduler) attempt(ctx context.Context, order acme.Order, k string) {
	if err := s.client.Obtain(ctx, order); err != nil {
		s.mu.Lock()
		s.failures[k]++
		s.mu.Unlock()
		s.log.Warn("certificate renewal failed; existing certificate keeps serving",
			zap.Strings("domains", order.Domains), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.failures[k] = 0
	s.mu.Unlock()
}

func key(domains []string) string {
	out := ""
	for i, d := range domains {
		if i > 0 {
			out += ","
		}
		out += d
	}
	return out
}
