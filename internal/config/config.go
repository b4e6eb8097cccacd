package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "DOCDB"
	defaultBackend         = "bolt"
	defaultLogLevel        = "warn"
	defaultCacheSize       = 100
	defaultMaxRevTreeDepth = 20
)

// Config is the CLI's runtime configuration.
type Config struct {
	DatabasePath    string
	Backend         string
	AttachmentsDir  string
	LogLevel        string
	Verbose         bool
	CacheSize       int
	MaxRevTreeDepth int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	v := viper.New()
	ApplyDefaults(v)
	return v
}

// ApplyDefaults configures defaults and env bindings; DOCDB_DATABASE_PATH
// sets database.path and so on.
func ApplyDefaults(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.backend", defaultBackend)
	v.SetDefault("database.cache_size", defaultCacheSize)
	v.SetDefault("database.max_rev_tree_depth", defaultMaxRevTreeDepth)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.verbose", false)
}

// Load reads and validates the configuration.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabasePath:    v.GetString("database.path"),
		Backend:         strings.ToLower(strings.TrimSpace(v.GetString("database.backend"))),
		AttachmentsDir:  v.GetString("database.attachments_dir"),
		LogLevel:        v.GetString("log.level"),
		Verbose:         v.GetBool("log.verbose"),
		CacheSize:       v.GetInt("database.cache_size"),
		MaxRevTreeDepth: v.GetInt("database.max_rev_tree_depth"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Backend {
	case "bolt", "pebble":
	default:
		return fmt.Errorf("database.backend: unknown backend %q", c.Backend)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("database.cache_size must not be negative")
	}
	if c.MaxRevTreeDepth < 0 {
		return fmt.Errorf("database.max_rev_tree_depth must not be negative")
	}
	return nil
}
