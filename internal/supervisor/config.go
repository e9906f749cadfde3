package supervisor

import (
	"fmt"
	"time"

	"github.com/srg/mindlink/internal/device"
)

// Config holds link supervision timing
type Config struct {
	MTU                  int           `yaml:"mtu" default:"247"`
	Priority             string        `yaml:"priority" default:"high"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" default:"10s"`
	OpTimeout            time.Duration `yaml:"op_timeout" default:"5s"`
	KeepAliveInterval    time.Duration `yaml:"keep_alive_interval" default:"8s"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval" default:"15s"`
	StaleThreshold       time.Duration `yaml:"stale_threshold" default:"12s"`
	DiscoveryAttempts    int           `yaml:"discovery_attempts" default:"3"`
	DiscoveryDelay       time.Duration `yaml:"discovery_delay" default:"1s"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"5"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay" default:"2s"`
	AutoReconnect        bool          `yaml:"auto_reconnect" default:"true"`
}

// DefaultConfig returns the supervision defaults
func DefaultConfig() Config {
	return Config{
		MTU:                  247,
		Priority:             "high",
		ConnectTimeout:       10 * time.Second,
		OpTimeout:            5 * time.Second,
		KeepAliveInterval:    8 * time.Second,
		HealthCheckInterval:  15 * time.Second,
		StaleThreshold:       12 * time.Second,
		DiscoveryAttempts:    3,
		DiscoveryDelay:       time.Second,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       2 * time.Second,
		AutoReconnect:        true,
	}
}

// ParsePriority maps a config value to device.Priority
func ParsePriority(s string) (device.Priority, error) {
	switch s {
	case "", "high":
		return device.PriorityHigh, nil
	case "balanced":
		return device.PriorityBalanced, nil
	case "low_power":
		return device.PriorityLowPower, nil
	}
	return device.PriorityBalanced, fmt.Errorf("unknown priority %q", s)
}

// ConnectOptions returns the options passed to Transport.Dial
func (c Config) ConnectOptions() device.ConnectOptions {
	p, _ := ParsePriority(c.Priority)
	return device.ConnectOptions{
		MTU:            c.MTU,
		Priority:       p,
		AutoConnect:    c.AutoReconnect,
		ConnectTimeout: c.ConnectTimeout,
	}
}

func (c Config) Validate() error {
	if _, err := ParsePriority(c.Priority); err != nil {
		return err
	}
	if c.MTU != 0 && (c.MTU < 23 || c.MTU > 517) {
		return fmt.Errorf("mtu must be within [23, 517], got %d", c.MTU)
	}
	for name, d := range map[string]time.Duration{
		"keep_alive_interval":   c.KeepAliveInterval,
		"health_check_interval": c.HealthCheckInterval,
		"stale_threshold":       c.StaleThreshold,
		"op_timeout":            c.OpTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.DiscoveryAttempts < 1 {
		return fmt.Errorf("discovery_attempts must be at least 1, got %d", c.DiscoveryAttempts)
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts must not be negative, got %d", c.MaxReconnectAttempts)
	}
	if c.DiscoveryDelay < 0 || c.ReconnectDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	return nil
}
