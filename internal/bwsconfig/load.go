package bwsconfig

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/benliao/bws/internal/bwserrors"
)

// Load reads, parses, and validates the configuration document at
// path, returning a ready-to-publish ServerConfig or a
// bwserrors.KindConfigInvalid error.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, bwserrors.Wrap(bwserrors.KindConfigInvalid, "reading config file", err)
	}
	return Parse(raw, filepath.Dir(path))
}

// Parse decodes a YAML document already in memory. baseDir is used to
// resolve any relative static_dir/cert paths in the document.
func Parse(raw []byte, baseDir string) (*ServerConfig, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, bwserrors.Wrap(bwserrors.KindConfigInvalid, "parsing YAML", err)
	}

	cfg := &ServerConfig{
		ServerName: doc.Server.Name,
		Management: ManagementConfig{
			Enabled: doc.Management.Enabled,
			Host:    doc.Management.Host,
			Port:    doc.Management.Port,
			APIKey:  doc.Management.APIKey,
		},
	}
	if cfg.Management.Host == "" {
		cfg.Management.Host = "127.0.0.1"
	}

	for _, sd := range doc.Sites {
		site, err := translateSite(sd, baseDir)
		if err != nil {
			return nil, err
		}
		cfg.Sites = append(cfg.Sites, site)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func translateSite(sd siteDoc, baseDir string) (Site, error) {
	site := Site{
		Name:       sd.Name,
		ListenHost: sd.Host,
		ListenPort: sd.Port,
		Default:    sd.Default,
		APIOnly:    sd.APIOnly,
		StaticDir:  sd.StaticDir,
	}
	if site.ListenHost == "" {
		site.ListenHost = "0.0.0.0"
	}

	hostnames := map[string]struct{}{}
	order := []string{}
	addHost := func(h string) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			return
		}
		if _, ok := hostnames[h]; !ok {
			hostnames[h] = struct{}{}
			order = append(order, h)
		}
	}
	addHost(sd.Hostname)
	for _, h := range sd.Hostnames {
		addHost(h)
	}
	site.Hostnames = order

	if sd.StaticDir != "" && !filepath.IsAbs(sd.StaticDir) {
		site.StaticRoot = filepath.Join(baseDir, sd.StaticDir)
	} else {
		site.StaticRoot = sd.StaticDir
	}
	if site.StaticRoot != "" {
		abs, err := filepath.Abs(site.StaticRoot)
		if err == nil {
			site.StaticRoot = abs
		}
	}

	for k, v := range sd.Headers {
		site.ResponseHeaders = append(site.ResponseHeaders, [2]string{k, v})
	}

	if sd.SSL != nil {
		site.SSL = translateSSL(*sd.SSL, baseDir)
	}
	if sd.Proxy != nil {
		pc, err := translateProxy(*sd.Proxy)
		if err != nil {
			return Site{}, err
		}
		site.Proxy = pc
	}

	return site, nil
}

func translateSSL(sd sslDoc, baseDir string) SSLConfig {
	if !sd.Enabled {
		return SSLConfig{Mode: SSLDisabled}
	}
	if sd.AutoCert || (sd.Acme != nil && sd.Acme.Enabled) {
		sc := SSLConfig{Mode: SSLAuto, Domains: sd.Domains}
		if sd.Acme != nil {
			sc.Email = sd.Acme.Email
			sc.Staging = sd.Acme.Staging
			sc.ChallengeRoot = sd.Acme.ChallengeDir
		}
		if sc.ChallengeRoot == "" {
			sc.ChallengeRoot = filepath.Join(baseDir, "certs")
		} else if !filepath.IsAbs(sc.ChallengeRoot) {
			sc.ChallengeRoot = filepath.Join(baseDir, sc.ChallengeRoot)
		}
		return sc
	}
	cert, key := sd.CertFile, sd.KeyFile
	if cert != "" && !filepath.IsAbs(cert) {
		cert = filepath.Join(baseDir, cert)
	}
	if key != "" && !filepath.IsAbs(key) {
		key = filepath.Join(baseDir, key)
	}
	return SSLConfig{Mode: SSLManual, CertPath: cert, KeyPath: key}
}

func translateProxy(pd proxyDoc) (ProxyConfig, error) {
	pc := ProxyConfig{
		Enabled:       pd.Enabled,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		AddXForwarded:  pd.Headers.AddXForwarded,
		AddForwarded:   pd.Headers.AddForwarded,
	}
	if pd.Timeout.Connect != nil {
		pc.ConnectTimeout = time.Duration(*pd.Timeout.Connect)
	}
	if pd.Timeout.Read != nil {
		pc.ReadTimeout = time.Duration(*pd.Timeout.Read)
	}
	if pd.Timeout.Write != nil {
		pc.WriteTimeout = time.Duration(*pd.Timeout.Write)
	}
	for k, v := range pd.Headers.Add {
		pc.AddHeaders = append(pc.AddHeaders, [2]string{k, v})
	}
	pc.RemoveHeaders = pd.Headers.Remove

	switch strings.ToLower(pd.LoadBalancing.Method) {
	case "weighted":
		pc.LoadBalancing = LBWeighted
	case "least_connections", "least_conn":
		pc.LoadBalancing = LBLeastConnections
	default:
		pc.LoadBalancing = LBRoundRobin
	}

	for _, ud := range pd.Upstreams {
		pc.Upstreams = append(pc.Upstreams, UpstreamGroup{
			Name:    ud.Name,
			Servers: []UpstreamServer{{URL: ud.URL, Weight: ud.Weight}},
		})
	}
	// Upstreams sharing a name collapse into one group with many
	// servers (the document lists one entry per server; group by name).
	pc.Upstreams = mergeUpstreamsByName(pc.Upstreams)

	for _, rd := range pd.Routes {
		pc.Routes = append(pc.Routes, Route{
			PathPrefix:   rd.Path,
			UpstreamName: rd.Upstream,
			StripPrefix:  rd.StripPrefix,
			IsWebSocket:  rd.WebSocket,
		})
	}
	return pc, nil
}

func mergeUpstreamsByName(groups []UpstreamGroup) []UpstreamGroup {
	index := map[string]int{}
	var merged []UpstreamGroup
	for _, g := range groups {
		if i, ok := index[g.Name]; ok {
			merged[i].Servers = append(merged[i].Servers, g.Servers...)
			continue
		}
		index[g.Name] = len(merged)
		merged = append(merged, g)
	}
	return merged
}
