// Package config loads kubefs settings.
//
// Sources, highest precedence first:
//  1. command-line flags bound with BindFlags
//  2. KUBEFS_* environment variables (KUBE_TOKEN is also accepted for kube.token)
//  3. the config file (YAML or JSON)
//  4. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/agentic-research/kubefs/api"
	"github.com/agentic-research/kubefs/internal/logging"
)

const envPrefix = "KUBEFS"

// Config is the full kubefs configuration.
type Config struct {
	Mountpoint string `mapstructure:"mountpoint"`
	Backend    string `mapstructure:"backend" validate:"oneof=fuse nfs"`
	AllowOther bool   `mapstructure:"allow_other"`

	Kube    KubeConfig     `mapstructure:"kube"`
	Layout  api.Layout     `mapstructure:"layout"`
	Fetch   FetchConfig    `mapstructure:"fetch"`
	Render  RenderConfig   `mapstructure:"render"`
	Logging logging.Config `mapstructure:"logging"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	NFS     NFSConfig      `mapstructure:"nfs"`
}

// KubeConfig selects and authenticates against the cluster.
type KubeConfig struct {
	Kubeconfig string  `mapstructure:"kubeconfig"`
	Context    string  `mapstructure:"context"`
	Server     string  `mapstructure:"server" validate:"omitempty,url"`
	Token      string  `mapstructure:"token"`
	TokenFile  string  `mapstructure:"token_file"`
	Insecure   bool    `mapstructure:"insecure"`
	QPS        float32 `mapstructure:"qps" validate:"gte=0"`
	Burst      int     `mapstructure:"burst" validate:"gte=0"`
}

// FetchConfig tunes the one-time snapshot fetch.
type FetchConfig struct {
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1,lte=256"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
	PageSize    int64         `mapstructure:"page_size" validate:"gte=0"`
}

// RenderConfig tunes content rendering.
type RenderConfig struct {
	CacheSize int `mapstructure:"cache_size" validate:"gte=1"`
	// ManifestFields is a list so that keys keep their case through viper.
	ManifestFields []ManifestField `mapstructure:"manifest_fields" validate:"omitempty,dive"`
}

// ManifestField names one column of the per-namespace manifest and the
// JSONPath it is read from.
type ManifestField struct {
	Key  string `mapstructure:"key" validate:"required"`
	Path string `mapstructure:"path" validate:"required,startswith=$"`
}

// FieldPaths returns the manifest fields keyed by name, or nil when none
// are configured.
func (c RenderConfig) FieldPaths() map[string]string {
	if len(c.ManifestFields) == 0 {
		return nil
	}
	out := make(map[string]string, len(c.ManifestFields))
	for _, f := range c.ManifestFields {
		out[f.Key] = f.Path
	}
	return out
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,tcp_addr"`
}

// NFSConfig controls the NFS backend listener.
type NFSConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,tcp_addr"`
}

// setDefaults registers every default in one place.
func setDefaults(v *viper.Viper) {
	layout := api.DefaultLayout()
	v.SetDefault("backend", "fuse")
	v.SetDefault("allow_other", false)
	v.SetDefault("layout.kinds", layout.Kinds)
	v.SetDefault("layout.file_suffix", layout.FileSuffix)
	v.SetDefault("layout.manifest_name", layout.ManifestName)
	v.SetDefault("fetch.concurrency", 8)
	v.SetDefault("fetch.max_elapsed", 30*time.Second)
	v.SetDefault("fetch.page_size", 500)
	v.SetDefault("render.cache_size", 4096)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("nfs.addr", "127.0.0.1:0")
}

// keys are bound to KUBEFS_<KEY> explicitly, since AutomaticEnv alone does
// not surface nested keys that have no default to Unmarshal.
var keys = []string{
	"mountpoint", "backend", "allow_other",
	"kube.kubeconfig", "kube.context", "kube.server", "kube.token",
	"kube.token_file", "kube.insecure", "kube.qps", "kube.burst",
	"layout.kinds", "layout.file_suffix", "layout.manifest_name",
	"fetch.concurrency", "fetch.max_elapsed", "fetch.page_size",
	"render.cache_size", "render.manifest_fields",
	"logging.level", "logging.format", "logging.output",
	"metrics.addr", "nfs.addr",
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	_ = v.BindEnv("kube.token", envPrefix+"_KUBE_TOKEN", "KUBE_TOKEN")
	return v
}

// BindFlags binds flags to config keys. Flag names use dashes; keys use
// dots and underscores, so the mapping is explicit.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, mapping map[string]string) error {
	for key, name := range mapping {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("flag --%s not defined", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// Load reads path (if non-empty) into v and returns the validated config.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Layout.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Render.ManifestFields))
	for _, f := range cfg.Render.ManifestFields {
		if _, dup := seen[f.Key]; dup {
			return fmt.Errorf("invalid config: render.manifest_fields: duplicate key %q", f.Key)
		}
		seen[f.Key] = struct{}{}
	}
	if cfg.Kube.TokenFile != "" {
		if _, err := os.Stat(cfg.Kube.TokenFile); err != nil {
			return fmt.Errorf("invalid config: kube.token_file: %w", err)
		}
	}
	return nil
}
