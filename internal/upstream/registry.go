package upstream

import "github.com/benliao/bws/internal/bwsconfig"

// Registry indexes a site's upstream pools by group name, so the
// reverse-proxy and websocket handlers can resolve a Route's
// UpstreamName to a Pool in O(1).
type Registry struct {
	pools map[string]*Pool
}

// BuildRegistry constructs every pool declared in a site's proxy
// block. Each upstream group shares the site's single load-balancing
// policy, since the configuration surface sets one policy per proxy
// block rather than per group.
func BuildRegistry(proxy bwsconfig.ProxyConfig) (*Registry, error) {
	r := &Registry{pools: make(map[string]*Pool, len(proxy.Upstreams))}
	for _, g := range proxy.Upstreams {
		pool, err := NewPool(g, proxy.LoadBalancing)
		if err != nil {
			return nil, err
		}
		r.pools[g.Name] = pool
	}
	return r, nil
}

// Pool returns the named pool, or nil if no such group exists.
func (r *Registry) Pool(name string) *Pool {
	if r == nil {
		return nil
	}
	return r.pools[name]
}
