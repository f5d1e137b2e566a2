package upstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benliao/bws/internal/bwsconfig"
)

func equalWeightGroup() bwsconfig.UpstreamGroup {
	return bwsconfig.UpstreamGroup{
		Name: "backends",
		Servers: []bwsconfig.UpstreamServer{
			{URL: "http://127.0.0.1:3001", Weight: 1},
			{URL: "http://127.0.0.1:3002", Weight: 1},
			{URL: "http://127.0.0.1:3003", Weight: 1},
		},
	}
}

func TestRoundRobinFairness(t *testing.T) {
	pool, err := NewPool(equalWeightGroup(), bwsconfig.LBRoundRobin)
	require.NoError(t, err)

	counts := map[string]int{}
	const n = 30
	for i := 0; i < n; i++ {
		s, guard, err := pool.Select()
		require.NoError(t, err)
		counts[s.URL.String()]++
		guard.Release()
	}

	for _, c := range counts {
		assert.Equal(t, n/len(pool.Servers()), c)
	}
}

func TestLeastConnectionsPrefersIdleServer(t *testing.T) {
	pool, err := NewPool(equalWeightGroup(), bwsconfig.LBLeastConnections)
	require.NoError(t, err)

	// Pin connections on the first two servers so the third is idle.
	busy1 := newGuard(pool.servers[0])
	busy2 := newGuard(pool.servers[1])
	defer busy1.Release()
	defer busy2.Release()

	s, guard, err := pool.Select()
	require.NoError(t, err)
	defer guard.Release()
	assert.Equal(t, pool.servers[2].URL.String(), s.URL.String())
}

func TestGuardReleaseIsIdempotentAndBalanced(t *testing.T) {
	pool, err := NewPool(equalWeightGroup(), bwsconfig.LBRoundRobin)
	require.NoError(t, err)

	s, guard, err := pool.Select()
	require.NoError(t, err)
	assert.EqualValues(t, 1, s.ActiveConnections())

	guard.Release()
	guard.Release() // double release must not double-decrement
	assert.EqualValues(t, 0, s.ActiveConnections())
}

func TestSelectOnEmptyPoolFails(t *testing.T) {
	pool, err := NewPool(bwsconfig.UpstreamGroup{Name: "empty"}, bwsconfig.LBRoundRobin)
	require.NoError(t, err)

	_, _, err = pool.Select()
	assert.ErrorIs(t, err, ErrNoUpstreamAvailable)
}

func TestWeightedSelectionRespectsDistributionBounds(t *testing.T) {
	group := bwsconfig.UpstreamGroup{
		Name: "weighted",
		Servers: []bwsconfig.UpstreamServer{
			{URL: "http://127.0.0.1:4001", Weight: 9},
			{URL: "http://127.0.0.1:4002", Weight: 1},
		},
	}
	pool, err := NewPool(group, bwsconfig.LBWeighted)
	require.NoError(t, err)

	counts := map[string]int{}
	const n = 1000
	for i := 0; i < n; i++ {
		s, guard, err := pool.Select()
		require.NoError(t, err)
		counts[s.URL.String()]++
		guard.Release()
	}
	// Heavily weighted server should dominate; loose bound avoids flakiness.
	assert.Greater(t, counts["http://127.0.0.1:4001"], counts["http://127.0.0.1:4002"])
}
