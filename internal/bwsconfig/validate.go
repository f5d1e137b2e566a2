package bwsconfig

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/benliao/bws/internal/bwserrors"
)

// Validate enforces every configuration-validity rule the loader is
// responsible for, returning a ConfigInvalid error on the first
// violation found. It never mutates cfg.
func Validate(cfg *ServerConfig) error {
	if err := validateManagement(cfg.Management); err != nil {
		return err
	}

	seenNames := map[string]bool{}
	defaultPerPort := map[int]string{}
	hostIndex := map[ListenKey]map[string]string{} // listener -> hostname -> site name

	for _, s := range cfg.Sites {
		if s.Name == "" {
			return invalid("site is missing a name")
		}
		if seenNames[s.Name] {
			return invalid(fmt.Sprintf("duplicate site name %q", s.Name))
		}
		seenNames[s.Name] = true

		if s.Default {
			if existing, ok := defaultPerPort[s.ListenPort]; ok {
				return invalid(fmt.Sprintf("sites %q and %q are both marked default on port %d", existing, s.Name, s.ListenPort))
			}
			defaultPerPort[s.ListenPort] = s.Name
		}

		key := s.Key()
		if hostIndex[key] == nil {
			hostIndex[key] = map[string]string{}
		}
		for _, h := range s.Hostnames {
			if existing, ok := hostIndex[key][h]; ok {
				return invalid(fmt.Sprintf("host %q is claimed by both site %q and %q on %v", h, existing, s.Name, key))
			}
			hostIndex[key][h] = s.Name
		}

		if !s.APIOnly && s.StaticRoot == "" && !s.Proxy.Enabled {
			return invalid(fmt.Sprintf("site %q has neither static_dir, proxy, nor api_only set", s.Name))
		}

		if err := validateSSL(s); err != nil {
			return err
		}
		if err := validateProxy(s); err != nil {
			return err
		}
	}

	return nil
}

func validateManagement(m ManagementConfig) error {
	if !m.Enabled {
		return nil
	}
	if !isLoopbackHost(m.Host) {
		return invalid(fmt.Sprintf("management.host %q must be loopback", m.Host))
	}
	if m.Port <= 0 || m.Port > 65535 {
		return invalid(fmt.Sprintf("management.port %d is out of range", m.Port))
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func validateSSL(s Site) error {
	switch s.SSL.Mode {
	case SSLManual:
		if s.SSL.CertPath == "" || s.SSL.KeyPath == "" {
			return invalid(fmt.Sprintf("site %q: manual ssl requires cert_file and key_file", s.Name))
		}
		if _, err := tls.LoadX509KeyPair(s.SSL.CertPath, s.SSL.KeyPath); err != nil {
			return bwserrors.Wrap(bwserrors.KindConfigInvalid,
				fmt.Sprintf("site %q: loading certificate/key", s.Name), err)
		}
	case SSLAuto:
		if len(s.SSL.Domains) == 0 && len(s.Hostnames) == 0 {
			return invalid(fmt.Sprintf("site %q: auto ssl requires at least one domain", s.Name))
		}
	}
	return nil
}

func validateProxy(s Site) error {
	if !s.Proxy.Enabled {
		return nil
	}
	groupNames := map[string]bool{}
	for _, g := range s.Proxy.Upstreams {
		if g.Name == "" {
			return invalid(fmt.Sprintf("site %q: upstream group missing name", s.Name))
		}
		if groupNames[g.Name] {
			return invalid(fmt.Sprintf("site %q: duplicate upstream group %q", s.Name, g.Name))
		}
		groupNames[g.Name] = true
		if len(g.Servers) == 0 {
			return invalid(fmt.Sprintf("site %q: upstream group %q has no servers", s.Name, g.Name))
		}
		for _, srv := range g.Servers {
			u, err := url.Parse(srv.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return invalid(fmt.Sprintf("site %q: malformed upstream url %q", s.Name, srv.URL))
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return invalid(fmt.Sprintf("site %q: upstream url %q has unsupported scheme", s.Name, srv.URL))
			}
			if srv.Weight < 1 {
				return invalid(fmt.Sprintf("site %q: upstream %q has non-positive weight", s.Name, srv.URL))
			}
		}
	}
	for _, r := range s.Proxy.Routes {
		if !groupNames[r.UpstreamName] {
			return invalid(fmt.Sprintf("site %q: route %q references unknown upstream %q", s.Name, r.PathPrefix, r.UpstreamName))
		}
	}
	return nil
}

func invalid(msg string) error {
	return bwserrors.New(bwserrors.KindConfigInvalid, msg)
}
