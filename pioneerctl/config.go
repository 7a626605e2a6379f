package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"

	"github.com/getsidetrack/pioneer/connect"
	"github.com/getsidetrack/pioneer/protocol"
)

const envPrefix = "PIONEER_"

type serveConfig struct {
	Addr           string
	Path           string
	SubProtocols   []*protocol.SubProtocol
	KeepAlive      time.Duration
	Introspection  bool
	JwtClaims      bool
	AllowedOrigins []string
	RedisUrl       string
	ReadLimit      int64
}

func defaultServeConfig() *serveConfig {
	return &serveConfig{
		Addr:          ":8080",
		Path:          connect.DefaultPath,
		SubProtocols:  protocol.SubProtocols,
		KeepAlive:     connect.DefaultKeepAliveInterval,
		Introspection: true,
		ReadLimit:     connect.DefaultTransportSettings().ReadLimit,
	}
}

// unset fields keep the current value
type fileConfig struct {
	Addr           *string  `toml:"addr" yaml:"addr"`
	Path           *string  `toml:"path" yaml:"path"`
	Protocols      []string `toml:"protocols" yaml:"protocols"`
	KeepAlive      *string  `toml:"keep_alive" yaml:"keep_alive"`
	Introspection  *bool    `toml:"introspection" yaml:"introspection"`
	JwtClaims      *bool    `toml:"jwt_claims" yaml:"jwt_claims"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	RedisUrl       *string  `toml:"redis_url" yaml:"redis_url"`
	ReadLimit      *int64   `toml:"read_limit" yaml:"read_limit"`
}

func loadFileConfig(path string) (*fileConfig, error) {
	raw := &fileConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, raw); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, raw); err != nil {
			return nil, fmt.Errorf("parse config (%s): %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
	return raw, nil
}

func (self *serveConfig) applyFile(raw *fileConfig) error {
	if raw.Addr != nil {
		self.Addr = strings.TrimSpace(*raw.Addr)
	}
	if raw.Path != nil {
		self.Path = strings.TrimSpace(*raw.Path)
	}
	if raw.Protocols != nil {
		subProtocols, err := parseSubProtocols(raw.Protocols)
		if err != nil {
			return err
		}
		self.SubProtocols = subProtocols
	}
	if raw.KeepAlive != nil {
		d, err := time.ParseDuration(strings.TrimSpace(*raw.KeepAlive))
		if err != nil {
			return fmt.Errorf("parse keep_alive: %w", err)
		}
		self.KeepAlive = d
	}
	if raw.Introspection != nil {
		self.Introspection = *raw.Introspection
	}
	if raw.JwtClaims != nil {
		self.JwtClaims = *raw.JwtClaims
	}
	if raw.AllowedOrigins != nil {
		self.AllowedOrigins = raw.AllowedOrigins
	}
	if raw.RedisUrl != nil {
		self.RedisUrl = strings.TrimSpace(*raw.RedisUrl)
	}
	if raw.ReadLimit != nil {
		self.ReadLimit = *raw.ReadLimit
	}
	return nil
}

// applyEnv reads `PIONEER_*` variables. `lookup` is `os.LookupEnv` outside of tests.
func (self *serveConfig) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(envPrefix + "ADDR"); ok {
		self.Addr = v
	}
	if v, ok := lookup(envPrefix + "PATH"); ok {
		self.Path = v
	}
	if v, ok := lookup(envPrefix + "PROTOCOLS"); ok {
		subProtocols, err := parseSubProtocols(strings.Split(v, ","))
		if err != nil {
			return err
		}
		self.SubProtocols = subProtocols
	}
	if v, ok := lookup(envPrefix + "KEEP_ALIVE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sKEEP_ALIVE: %w", envPrefix, err)
		}
		self.KeepAlive = d
	}
	if v, ok := lookup(envPrefix + "INTROSPECTION"); ok {
		introspection, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sINTROSPECTION: %w", envPrefix, err)
		}
		self.Introspection = introspection
	}
	if v, ok := lookup(envPrefix + "JWT_CLAIMS"); ok {
		jwtClaims, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sJWT_CLAIMS: %w", envPrefix, err)
		}
		self.JwtClaims = jwtClaims
	}
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok {
		self.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup(envPrefix + "REDIS_URL"); ok {
		self.RedisUrl = v
	}
	return nil
}

func (self *serveConfig) Validate() error {
	if strings.TrimSpace(self.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	if !strings.HasPrefix(self.Path, "/") {
		return fmt.Errorf("path must start with /: %q", self.Path)
	}
	if len(self.SubProtocols) == 0 {
		return fmt.Errorf("config requires at least one protocol")
	}
	if self.KeepAlive < 0 {
		return fmt.Errorf("keep_alive must not be negative: %s", self.KeepAlive)
	}
	if self.ReadLimit < 0 {
		return fmt.Errorf("read_limit must not be negative: %d", self.ReadLimit)
	}
	return nil
}

func parseSubProtocols(names []string) ([]*protocol.SubProtocol, error) {
	subProtocols := []*protocol.SubProtocol{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		subProtocol, ok := protocol.SubProtocolByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown protocol %q", name)
		}
		subProtocols = append(subProtocols, subProtocol)
	}
	return subProtocols, nil
}

func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (self *serveConfig) checkOrigin() func(r *http.Request) bool {
	if len(self.AllowedOrigins) == 0 {
		// same origin only
		return nil
	}
	allowed := map[string]bool{}
	for _, origin := range self.AllowedOrigins {
		allowed[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

func (self *serveConfig) serverSettings() *connect.ServerSettings {
	settings := connect.DefaultServerSettings()
	settings.SubProtocols = self.SubProtocols
	settings.KeepAliveInterval = self.KeepAlive
	settings.Introspection = self.Introspection
	settings.ReadLimit = self.ReadLimit
	settings.CheckOrigin = self.checkOrigin()
	if self.JwtClaims {
		settings.ContextBuilder = connect.JwtClaimsContextBuilder
	}
	return settings
}
