package protocol

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/srediag/compositor-shm/pkg/shmpool"
)

const (
	defaultMaxClients      = 64
	defaultReleaseQueueCap = 256
	defaultWriteTimeout    = 2 * time.Second
)

// Environment variables read by ConfigFromEnv.
const (
	EnvMaxClients      = "SHMCOMP_MAX_CLIENTS"
	EnvReleaseQueueCap = "SHMCOMP_RELEASE_QUEUE_CAP"
	EnvWriteTimeout    = "SHMCOMP_WRITE_TIMEOUT"
	EnvMaxPoolSize     = "SHMCOMP_MAX_POOL_SIZE"
)

// Config configures a Server.
type Config struct {
	Pool *shmpool.Config
	// MaxClients sizes the worker pool serving connections; clients past
	// it are turned away.
	MaxClients int
	// ReleaseQueueCap is the number of outgoing events queued per client
	// before it is considered stuck and disconnected.
	ReleaseQueueCap uint64
	// WriteTimeout bounds every write to a client.
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Pool:            shmpool.DefaultConfig(),
		MaxClients:      defaultMaxClients,
		ReleaseQueueCap: defaultReleaseQueueCap,
		WriteTimeout:    defaultWriteTimeout,
	}
}

// VerifyConfig checks that c is usable.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("protocol: nil config")
	}
	if err := shmpool.VerifyConfig(c.Pool); err != nil {
		return err
	}
	if c.MaxClients <= 0 {
		return fmt.Errorf("protocol: MaxClients must be positive, got %d", c.MaxClients)
	}
	if c.ReleaseQueueCap < 2 {
		return fmt.Errorf("protocol: ReleaseQueueCap must be at least 2, got %d", c.ReleaseQueueCap)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("protocol: negative WriteTimeout %s", c.WriteTimeout)
	}
	return nil
}

// ConfigFromEnv returns the default configuration overridden by any
// SHMCOMP_* variables that are set.
func ConfigFromEnv() (*Config, error) {
	c := DefaultConfig()
	if v, ok := os.LookupEnv(EnvMaxClients); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvMaxClients, err)
		}
		c.MaxClients = n
	}
	if v, ok := os.LookupEnv(EnvReleaseQueueCap); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvReleaseQueueCap, err)
		}
		c.ReleaseQueueCap = n
	}
	if v, ok := os.LookupEnv(EnvWriteTimeout); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvWriteTimeout, err)
		}
		c.WriteTimeout = d
	}
	if v, ok := os.LookupEnv(EnvMaxPoolSize); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvMaxPoolSize, err)
		}
		c.Pool.MaxPoolSize = n
	}
	if err := VerifyConfig(c); err != nil {
		return nil, err
	}
	return c, nil
}
