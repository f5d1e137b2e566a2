// Package acme implements the ACME client and its ChallengeTable
// collaborator. Ordering/finalization is driven through
// github.com/mholt/acmez/v3 (the library used internally by
// certmagic) with a Solver backed by ChallengeTable, so BWS gets the
// HTTP-01 wire protocol for free while keeping explicit control over
// account persistence, retry/backoff, and where certificates land
// (internal/certstore).
package acme

import "sync"

// ChallengeTable is the shared token -> key_authorization map the
// HTTP-01 responder path reads. A plain mutex-guarded map is
// sufficient here: the table sees a handful of entries at a time and
// latency is not critical during certificate issuance.
type ChallengeTable struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewChallengeTable returns an empty table.
func NewChallengeTable() *ChallengeTable {
	return &ChallengeTable{entries: make(map[string]string)}
}

// Put installs token -> keyAuth, called by the solver before
// requesting validation.
func (t *ChallengeTable) Put(token, keyAuth string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[token] = keyAuth
}

// Get returns the key authorization for token, used by the HTTP-01
// responder mounted by the Site Router.
func (t *ChallengeTable) Get(token string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[token]
	return v, ok
}

// Delete clears token once the order finishes or fails.
func (t *ChallengeTable) Delete(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, token)
}
