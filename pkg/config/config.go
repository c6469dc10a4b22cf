package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct, loaded from YAML with env and
// flag overrides.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Logging   LoggingConfig   `yaml:"logging"`
	Limits    LimitsConfig    `yaml:"limits"`
	Actor     ActorConfig     `yaml:"actor"`
	Transport TransportConfig `yaml:"transport"`
	Catchup   CatchupConfig   `yaml:"catchup"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Address string    `yaml:"address"`
	Port    int       `yaml:"port"`
	DBPath  string    `yaml:"db_path"`
	TLS     TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type SecurityConfig struct {
	CORS struct {
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"cors"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	APIKeys struct {
		Backend     []string `yaml:"backend"`
		Frontend    []string `yaml:"frontend"`
		Admin       []string `yaml:"admin"`
		AllowUnauth bool     `yaml:"allow_unauth"`
	} `yaml:"api_keys"`
	SigningKeys []string `yaml:"signing_keys"`
	IPWhitelist []string `yaml:"ip_whitelist"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LimitsConfig bounds message payloads at the validation boundary.
type LimitsConfig struct {
	MaxContentBytes  SizeBytes `yaml:"max_content_bytes"`
	MaxMetadataBytes SizeBytes `yaml:"max_metadata_bytes"`
	MaxMetadataKeys  int       `yaml:"max_metadata_keys"`
}

// ActorConfig tunes the per-conversation actors.
type ActorConfig struct {
	Mailbox          int      `yaml:"mailbox"`
	SubscriberBuffer int      `yaml:"subscriber_buffer"`
	IdleTTL          Duration `yaml:"idle_ttl"`
	AppendTimeout    Duration `yaml:"append_timeout"`
}

// TransportConfig tunes the realtime websocket layer.
type TransportConfig struct {
	AuthTimeout Duration `yaml:"auth_timeout"`
	WriteWait   Duration `yaml:"write_wait"`
	PongWait    Duration `yaml:"pong_wait"`
}

type CatchupConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// RetentionConfig holds configuration for the automatic purge runner.
type RetentionConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Cron               string   `yaml:"cron"`
	MaxAge             Duration `yaml:"max_age"`
	MaxPerConversation int      `yaml:"max_per_conversation"`
	BatchSize          int      `yaml:"batch_size"`
	BatchSleepMs       int      `yaml:"batch_sleep_ms"`
	DryRun             bool     `yaml:"dry_run"`
}

type TelemetryConfig struct {
	SlowThreshold Duration `yaml:"slow_threshold"`
}

// Addr returns the listen address from address/port, defaulting the port.
func (c *Config) Addr() string {
	host := c.Server.Address
	port := c.Server.Port
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Effective is the resolved startup configuration after merging file, env
// and flags.
type Effective struct {
	Config *Config
	Addr   string
	DBPath string
	Source string
}

// Load reads a YAML config file. A missing path yields a zero Config so
// env/flag-only startup works.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseCommandFlags parses the standard command-line flags and reports
// which were explicitly set.
func ParseCommandFlags() (addr, db, cfgPath string, set map[string]bool) {
	addrFlag := flag.String("addr", ":8080", "listen address")
	dbFlag := flag.String("db", "./talkd-data", "database path")
	cfgFlag := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	set = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return *addrFlag, *dbFlag, *cfgFlag, set
}

// LoadEffective merges file, env and explicit flags into the effective
// startup configuration. Flags win over env, env wins over file.
func LoadEffective(addrVal, dbVal, cfgVal string, setFlags map[string]bool) (Effective, error) {
	cfgPath := cfgVal
	if !setFlags["config"] {
		if p := os.Getenv("TALKD_CONFIG"); p != "" {
			cfgPath = p
		}
	}
	cfg, err := Load(cfgPath)
	if err != nil {
		return Effective{}, err
	}

	eff := Effective{Config: cfg, Source: "config"}

	eff.Addr = cfg.Addr()
	if v := os.Getenv("TALKD_ADDR"); v != "" {
		eff.Addr = v
		eff.Source = "env"
	}
	if setFlags["addr"] {
		eff.Addr = addrVal
		eff.Source = "flags"
	}

	eff.DBPath = cfg.Server.DBPath
	if v := os.Getenv("TALKD_DB_PATH"); v != "" {
		eff.DBPath = v
	}
	if setFlags["db"] || eff.DBPath == "" {
		eff.DBPath = dbVal
	}
	return eff, nil
}

// RuntimeConfig holds derived runtime key sets other packages query.
type RuntimeConfig struct {
	BackendKeys map[string]struct{}
	SigningKeys map[string]struct{}
}

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime sets the canonical runtime config used by the running server.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()
	runtimeCfg = rc
}

// GetBackendKeys returns a copy of configured backend keys.
func GetBackendKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := map[string]struct{}{}
	if runtimeCfg == nil || runtimeCfg.BackendKeys == nil {
		return out
	}
	for k := range runtimeCfg.BackendKeys {
		out[k] = struct{}{}
	}
	return out
}

// GetSigningKeys returns a copy of configured signing keys.
func GetSigningKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	out := map[string]struct{}{}
	if runtimeCfg == nil || runtimeCfg.SigningKeys == nil {
		return out
	}
	for k := range runtimeCfg.SigningKeys {
		out[k] = struct{}{}
	}
	return out
}
