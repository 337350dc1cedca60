package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes the environment variables that override the file.
const EnvPrefix = "CONVERSA_"

// Config represents ~/.conversa/config.toml.
type Config struct {
	UserID   string   `toml:"user_id"`
	DataDir  string   `toml:"data_dir"`
	Presence Presence `toml:"presence"`
	Media    Media    `toml:"media"`
	Profile  Profile  `toml:"profile"`
	Chat     Chat     `toml:"chat"`
	Audit    Audit    `toml:"audit"`
	Ops      Ops      `toml:"ops"`
}

// Presence backends.
const (
	PresenceMemory = "memory"
	PresenceRedis  = "redis"
)

type Presence struct {
	// Backend is PresenceMemory or PresenceRedis.
	Backend   string   `toml:"backend"`
	RedisAddr string   `toml:"redis_addr"`
	LeaseTTL  Duration `toml:"lease_ttl"`
}

type Media struct {
	MaxEntries int   `toml:"max_entries"`
	MaxBytes   int64 `toml:"max_bytes"`
}

type Profile struct {
	FetchTimeout Duration `toml:"fetch_timeout"`
}

type Chat struct {
	MessageWindow int      `toml:"message_window"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type Audit struct {
	// An empty URL disables publishing.
	AMQPURL  string `toml:"amqp_url"`
	Exchange string `toml:"exchange"`
}

type Ops struct {
	// An empty address disables the ops HTTP server.
	HTTPAddr string `toml:"http_addr"`
}

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// BaseDir returns ~/.conversa.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".conversa")
}

// Path returns the config file path.
func Path() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataDir: BaseDir(),
		Presence: Presence{
			Backend:  PresenceMemory,
			LeaseTTL: Duration{15 * time.Second},
		},
		Media: Media{
			MaxEntries: 256,
			MaxBytes:   64 << 20,
		},
		Profile: Profile{FetchTimeout: Duration{5 * time.Second}},
		Chat: Chat{
			MessageWindow: 50,
			SweepInterval: Duration{2 * time.Second},
		},
		Audit: Audit{Exchange: "conversa.events"},
		Ops:   Ops{HTTPAddr: "127.0.0.1:9464"},
	}
}

// Load reads config from the given path on top of Default. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv loads envFile (if it exists) into the environment without
// overriding variables already set, then applies CONVERSA_* overrides.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	str("USER_ID", &c.UserID)
	str("DATA_DIR", &c.DataDir)
	str("PRESENCE_BACKEND", &c.Presence.Backend)
	str("REDIS_ADDR", &c.Presence.RedisAddr)
	str("AMQP_URL", &c.Audit.AMQPURL)
	str("AMQP_EXCHANGE", &c.Audit.Exchange)
	str("OPS_ADDR", &c.Ops.HTTPAddr)

	var errs []error
	if v, ok := os.LookupEnv(EnvPrefix + "MEDIA_MAX_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMEDIA_MAX_BYTES: %w", EnvPrefix, err))
		} else {
			c.Media.MaxBytes = n
		}
	}
	if v, ok := os.LookupEnv(EnvPrefix + "LEASE_TTL"); ok {
		if err := c.Presence.LeaseTTL.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, fmt.Errorf("%sLEASE_TTL: %w", EnvPrefix, err))
		}
	}
	return errors.Join(errs...)
}

var userIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateUserID checks that id is usable as a document id and directory name.
func ValidateUserID(id string) error {
	if !userIDRegexp.MatchString(id) {
		return fmt.Errorf("invalid user id %q: must match %s", id, userIDRegexp)
	}
	return nil
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if err := ValidateUserID(c.UserID); err != nil {
		return err
	}
	switch c.Presence.Backend {
	case PresenceMemory:
	case PresenceRedis:
		if c.Presence.RedisAddr == "" {
			return errors.New("presence backend redis requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown presence backend %q", c.Presence.Backend)
	}
	return nil
}

// UserDir returns the per-user directory under the data dir.
func (c *Config) UserDir() string {
	return filepath.Join(c.DataDir, "users", c.UserID)
}

// DBPath returns the document store path.
func (c *Config) DBPath() string {
	return filepath.Join(c.UserDir(), "conversa.db")
}

// LogDir returns the log directory of the user.
func (c *Config) LogDir() string {
	return filepath.Join(c.UserDir(), "logs")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogDir(), "conversad.log")
}

// SocketPath returns the UDS socket path of the daemon.
func (c *Config) SocketPath() string {
	return filepath.Join(c.UserDir(), "daemon.sock")
}

// EnsureDirs creates the user directory tree with proper permissions.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.UserDir(), c.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
