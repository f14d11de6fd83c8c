package common

import (
	"fmt"
	"os"

	"github.com/cuihairu/execgate/internal/policy"
)

func fileExists(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	return nil
}

// ValidateConfig checks the decoded config. strict additionally requires
// the files a production deployment needs.
func ValidateConfig(c *Config, strict bool) error {
	if p := c.Policies.File; p != "" {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("policies.file: %w", err)
		}
		if _, err := policy.Parse(data); err != nil {
			return fmt.Errorf("policies.file: %w", err)
		}
	} else if strict {
		return fmt.Errorf("policies.file missing")
	}
	if strict && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn missing")
	}
	switch c.Lock.Type {
	case "", "local":
	case "redis":
		if c.Lock.RedisURL == "" {
			return fmt.Errorf("lock.redis_url required for redis locks")
		}
	default:
		return fmt.Errorf("lock.type: unknown %q", c.Lock.Type)
	}
	switch c.Notify.Type {
	case "", "noop", "redis", "kafka":
	default:
		return fmt.Errorf("notify.type: unknown %q", c.Notify.Type)
	}
	if c.Authz.Model != "" || c.Authz.Policy != "" {
		if err := fileExists(c.Authz.Model); err != nil {
			return fmt.Errorf("authz.model: %w", err)
		}
		if err := fileExists(c.Authz.Policy); err != nil {
			return fmt.Errorf("authz.policy: %w", err)
		}
	}
	if c.Lease < 0 {
		return fmt.Errorf("lease must not be negative")
	}
	if r := c.Telemetry.SamplingRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sampling_ratio must be within [0,1]")
	}
	return nil
}
