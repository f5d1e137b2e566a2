package bwsconfig

import "time"

// Duration wraps time.Duration so it can be written as a plain string
// ("5s", "250ms") in the YAML document, the same convenience
// caddy.Duration gives JSON config documents.
type Duration time.Duration

// UnmarshalYAML accepts either a duration string or a bare integer
// (nanoseconds), mirroring caddy.Duration's UnmarshalJSON leniency.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// document mirrors the on-disk YAML shape exactly; it is decoded
// first, then translated and validated into a ServerConfig. Keeping
// the wire shape separate from ServerConfig lets the loader reject
// malformed documents before any internal invariant code runs.
type document struct {
	Server     serverDoc     `yaml:"server"`
	Management managementDoc `yaml:"management"`
	Sites      []siteDoc     `yaml:"sites"`
}

type serverDoc struct {
	Name string `yaml:"name"`
}

type managementDoc struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	APIKey  string `yaml:"api_key"`
}

type siteDoc struct {
	Name       string            `yaml:"name"`
	Hostname   string            `yaml:"hostname"`
	Hostnames  []string          `yaml:"hostnames"`
	Port       int               `yaml:"port"`
	Host       string            `yaml:"host"`
	StaticDir  string            `yaml:"static_dir"`
	Default    bool              `yaml:"default"`
	APIOnly    bool              `yaml:"api_only"`
	Headers    map[string]string `yaml:"headers"`
	SSL        *sslDoc           `yaml:"ssl"`
	Proxy      *proxyDoc         `yaml:"proxy"`
}

type sslDoc struct {
	Enabled  bool      `yaml:"enabled"`
	AutoCert bool      `yaml:"auto_cert"`
	Domains  []string  `yaml:"domains"`
	CertFile string    `yaml:"cert_file"`
	KeyFile  string    `yaml:"key_file"`
	Acme     *acmeDoc  `yaml:"acme"`
}

type acmeDoc struct {
	Enabled      bool   `yaml:"enabled"`
	Email        string `yaml:"email"`
	Staging      bool   `yaml:"staging"`
	ChallengeDir string `yaml:"challenge_dir"`
}

type proxyDoc struct {
	Enabled       bool              `yaml:"enabled"`
	Upstreams     []upstreamDoc     `yaml:"upstreams"`
	Routes        []routeDoc        `yaml:"routes"`
	LoadBalancing lbDoc             `yaml:"load_balancing"`
	Timeout       timeoutDoc        `yaml:"timeout"`
	Headers       headersDoc        `yaml:"headers"`
}

type upstreamDoc struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

type routeDoc struct {
	Path        string `yaml:"path"`
	Upstream    string `yaml:"upstream"`
	StripPrefix bool   `yaml:"strip_prefix"`
	WebSocket   bool   `yaml:"websocket"`
}

type lbDoc struct {
	Method string `yaml:"method"`
}

type timeoutDoc struct {
	Connect *Duration `yaml:"connect"`
	Read    *Duration `yaml:"read"`
	Write   *Duration `yaml:"write"`
}

type headersDoc struct {
	AddXForwarded bool              `yaml:"add_x_forwarded"`
	AddForwarded  bool              `yaml:"add_forwarded"`
	Add           map[string]string `yaml:"add"`
	Remove        []string          `yaml:"remove"`
}
