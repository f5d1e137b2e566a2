package bwsconfig

import "reflect"

// ReloadResult records which top-level sections changed between two
// snapshots; the supervisor logs SitesChanged. Which SSL-auto domain
// sets a reload must order is computed separately by NewAutoDomains.
type ReloadResult struct {
	ServerInfoChanged bool
	LoggingChanged    bool
	PerformanceChanged bool
	SecurityChanged   bool
	SitesChanged      bool
}

// Diff computes a ReloadResult for old -> next. A nil old is treated
// as "everything changed" (first boot).
func Diff(old, next *ServerConfig) ReloadResult {
	if old == nil {
		return ReloadResult{ServerInfoChanged: true, LoggingChanged: true, PerformanceChanged: true, SecurityChanged: true, SitesChanged: true}
	}
	return ReloadResult{
		ServerInfoChanged:  old.ServerName != next.ServerName,
		PerformanceChanged: old.Performance != next.Performance,
		SecurityChanged:    !reflect.DeepEqual(old.Management, next.Management),
		SitesChanged:       !reflect.DeepEqual(old.Sites, next.Sites),
	}
}

// AnyChanged reports whether any section differs.
func (r ReloadResult) AnyChanged() bool {
	return r.ServerInfoChanged || r.LoggingChanged || r.PerformanceChanged || r.SecurityChanged || r.SitesChanged
}

// NewAutoDomains returns the SSL-auto domain sets present in next but
// absent (by site name) from old, i.e. newly-required ACME domains a
// reload must schedule acquisition for.
func NewAutoDomains(old, next *ServerConfig) map[string][]string {
	oldBySite := map[string]Site{}
	if old != nil {
		for _, s := range old.Sites {
			oldBySite[s.Name] = s
		}
	}
	out := map[string][]string{}
	for _, s := range next.Sites {
		if s.SSL.Mode != SSLAuto {
			continue
		}
		prev, existed := oldBySite[s.Name]
		if !existed || prev.SSL.Mode != SSLAuto || !reflect.DeepEqual(prev.SSL.Domains, s.SSL.Domains) {
			domains := s.SSL.Domains
			if len(domains) == 0 {
				domains = s.Hostnames
			}
			out[s.Name] = domains
		}
	}
	return out
}
