// Package bwsconfig holds the validated configuration snapshot the
// core engine operates on and the YAML loader that produces it. This
// package is intentionally thin: it owns parsing and validation only,
// producing a fully validated ServerConfig value that every other
// package treats as immutable.
package bwsconfig

import "time"

// ServerConfig is the immutable snapshot the supervisor builds from
// disk and publishes to workers. Once built and validated it is never
// mutated; a reload builds a brand new ServerConfig rather than
// patching this one.
type ServerConfig struct {
	ServerName  string
	Sites       []Site
	Management  ManagementConfig
	Performance PerformanceConfig
}

// ManagementConfig is the localhost-bound control surface.
type ManagementConfig struct {
	Enabled bool
	Host    string
	Port    int
	APIKey  string
}

// PerformanceConfig holds optional global limits; absent fields take
// the worker's built-in defaults.
type PerformanceConfig struct {
	WorkerThreads int
	DrainTimeout  time.Duration
}

// Site binds a set of hostnames on one listener to a serving policy.
// Validate (validate.go) enforces the field-level invariants at load
// time.
type Site struct {
	Name            string
	ListenHost      string
	ListenPort      int
	Hostnames       []string // lower-cased; Hostnames[0] is the canonical hostname
	Default         bool
	APIOnly         bool
	StaticRoot      string
	ResponseHeaders [][2]string // ordered multimap, preserves config order
	SSL             SSLConfig
	Proxy           ProxyConfig
}

// ListenKey identifies the accept endpoint a Site is bound to.
type ListenKey struct {
	Host string
	Port int
}

// Key returns this site's listener key.
func (s Site) Key() ListenKey { return ListenKey{Host: s.ListenHost, Port: s.ListenPort} }

// SSLMode selects which variant of SSLConfig is populated.
type SSLMode int

const (
	SSLDisabled SSLMode = iota
	SSLManual
	SSLAuto
)

// SSLConfig is a tagged union over the three TLS provisioning modes.
type SSLConfig struct {
	Mode Mode

	// Manual
	CertPath string
	KeyPath  string

	// Auto (ACME)
	Email         string
	Domains       []string
	Staging       bool
	ChallengeRoot string
}

// Mode is an alias kept for readability at call sites (SSLConfig.Mode).
type Mode = SSLMode

// ProxyConfig is a site's optional reverse-proxy block.
type ProxyConfig struct {
	Enabled        bool
	Upstreams      []UpstreamGroup
	Routes         []Route
	LoadBalancing  LBPolicy
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AddXForwarded  bool
	AddForwarded   bool
	AddHeaders     [][2]string
	RemoveHeaders  []string
}

// LBPolicy enumerates the three upstream selection policies.
type LBPolicy int

const (
	LBRoundRobin LBPolicy = iota
	LBWeighted
	LBLeastConnections
)

func (p LBPolicy) String() string {
	switch p {
	case LBWeighted:
		return "weighted"
	case LBLeastConnections:
		return "least_connections"
	default:
		return "round_robin"
	}
}

// UpstreamGroup is a named pool of backends a Route can reference.
type UpstreamGroup struct {
	Name    string
	Servers []UpstreamServer
}

// UpstreamServer is one backend: its static config. The mutable
// runtime counter lives alongside it in internal/upstream, not here,
// so that ServerConfig stays an immutable value.
type UpstreamServer struct {
	URL    string
	Weight int
}

// Route maps a path prefix to an upstream group.
type Route struct {
	PathPrefix   string
	UpstreamName string
	StripPrefix  bool
	IsWebSocket  bool
}
