package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuihairu/execgate/internal/notify"
	"github.com/cuihairu/execgate/internal/telemetry"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. EXECGATE_DB_DSN.
const EnvPrefix = "EXECGATE"

// Config is the typed view of the execgate configuration file.
type Config struct {
	DB struct {
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
	} `mapstructure:"db"`
	// Policies is the connection policy file; Watch reloads it on change.
	Policies struct {
		File  string `mapstructure:"file"`
		Watch bool   `mapstructure:"watch"`
	} `mapstructure:"policies"`
	Lock struct {
		Type     string        `mapstructure:"type"` // local|redis
		RedisURL string        `mapstructure:"redis_url"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lock"`
	Notify notify.Config `mapstructure:"notify"`
	Audit  struct {
		File string `mapstructure:"file"`
	} `mapstructure:"audit"`
	Authz struct {
		Model  string              `mapstructure:"model"`
		Policy string              `mapstructure:"policy"`
		Roles  map[string][]string `mapstructure:"roles"`
	} `mapstructure:"authz"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	Log       LogConfig        `mapstructure:"log"`
	// Lease is the temporary access window.
	Lease time.Duration `mapstructure:"lease"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("lock.type", "local")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("notify.type", "noop")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("lease", time.Hour)
	v.SetDefault("telemetry.service_name", "execgate")
	v.SetDefault("telemetry.sampling_ratio", 1.0)
}

// LoadWithIncludes reads base config and merges includes in order.
func LoadWithIncludes(base string, includes []string) (*viper.Viper, error) {
	v := viper.New()
	if base != "" {
		v.SetConfigFile(base)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	for _, inc := range includes {
		iv := viper.New()
		iv.SetConfigFile(inc)
		if err := iv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
		if err := v.MergeConfigMap(iv.AllSettings()); err != nil {
			return nil, fmt.Errorf("include %s: %w", inc, err)
		}
	}
	return v, nil
}

// mergeMaps recursively merges b into a.
func mergeMaps(a, b map[string]any) map[string]any {
	for k, vb := range b {
		if ma, ok := a[k].(map[string]any); ok {
			if mb, ok2 := vb.(map[string]any); ok2 {
				a[k] = mergeMaps(ma, mb)
				continue
			}
		}
		a[k] = vb
	}
	return a
}

// ApplySectionAndProfile extracts a section and overlays profiles.<name> if present.
func ApplySectionAndProfile(v *viper.Viper, section, profile string) (*viper.Viper, error) {
	if section != "" {
		sub := v.Sub(section)
		if sub == nil {
			return nil, fmt.Errorf("section %s not found", section)
		}
		v = sub
	}
	if profile != "" {
		prof := v.Sub("profiles")
		if prof == nil {
			return nil, fmt.Errorf("profiles not found in section")
		}
		p := prof.Sub(profile)
		if p == nil {
			return nil, fmt.Errorf("profile %s not found", profile)
		}
		merged := mergeMaps(v.AllSettings(), p.AllSettings())
		delete(merged, "profiles")
		nv := viper.New()
		if err := nv.MergeConfigMap(merged); err != nil {
			return nil, err
		}
		v = nv
	}
	return v, nil
}

// Load builds the effective viper: file, includes, optional profile, then
// defaults and EXECGATE_* environment overrides.
func Load(base string, includes []string, profile string) (*viper.Viper, error) {
	v, err := LoadWithIncludes(base, includes)
	if err != nil {
		return nil, err
	}
	if profile != "" {
		if v, err = ApplySectionAndProfile(v, "", profile); err != nil {
			return nil, err
		}
	}
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Decode unmarshals v into a Config.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	// AutomaticEnv only answers Get for keys viper knows about; bind the
	// ones that commonly come from the environment.
	for _, k := range []string{"db.dsn", "lock.redis_url", "notify.redis_url", "audit.file", "policies.file"} {
		_ = v.BindEnv(k)
	}
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}
