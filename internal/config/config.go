// Package config provides controller configuration from flags and environment.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kelos-dev/testsys/internal/controller"
)

// Config holds controller configuration. Values come from flags, env vars,
// or defaults, in that priority order.
type Config struct {
	// MetricsAddr is the metrics endpoint address (env: TESTSYS_METRICS_BIND_ADDRESS).
	MetricsAddr string

	// ProbeAddr is the health probe address (env: TESTSYS_HEALTH_PROBE_BIND_ADDRESS).
	ProbeAddr string

	// LeaderElect enables leader election (env: TESTSYS_LEADER_ELECT).
	LeaderElect bool

	// WatchNamespace restricts the controller to one namespace (env: TESTSYS_WATCH_NAMESPACE).
	// Empty means all namespaces.
	WatchNamespace string

	// ResourceAgentServiceAccount runs create and destroy Jobs
	// (env: TESTSYS_RESOURCE_AGENT_SERVICE_ACCOUNT).
	ResourceAgentServiceAccount string

	// TestAgentServiceAccount runs test Jobs (env: TESTSYS_TEST_AGENT_SERVICE_ACCOUNT).
	TestAgentServiceAccount string

	// PollInterval is how often agent reports are re-read (env: TESTSYS_POLL_INTERVAL).
	PollInterval time.Duration

	// MaxConcurrentReconciles bounds parallel reconciles across Tests
	// (env: TESTSYS_MAX_CONCURRENT_RECONCILES).
	MaxConcurrentReconciles int

	// BackoffBase and BackoffMax bound the per-Test retry backoff
	// (env: TESTSYS_BACKOFF_BASE, TESTSYS_BACKOFF_MAX).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// RateLimitQPS and RateLimitBurst bound retries across all Tests
	// (env: TESTSYS_RATE_LIMIT_QPS, TESTSYS_RATE_LIMIT_BURST).
	RateLimitQPS   float64
	RateLimitBurst int
}

// BindFlags registers the configuration flags on fs. Defaults are read from
// the environment at call time.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.MetricsAddr, "metrics-bind-address",
		envOr("TESTSYS_METRICS_BIND_ADDRESS", ":8080"), "The address the metric endpoint binds to.")
	fs.StringVar(&c.ProbeAddr, "health-probe-bind-address",
		envOr("TESTSYS_HEALTH_PROBE_BIND_ADDRESS", ":8081"), "The address the probe endpoint binds to.")
	fs.BoolVar(&c.LeaderElect, "leader-elect", envBoolOr("TESTSYS_LEADER_ELECT", false),
		"Enable leader election for controller manager. "+
			"Enabling this will ensure there is only one active controller manager.")
	fs.StringVar(&c.WatchNamespace, "watch-namespace", os.Getenv("TESTSYS_WATCH_NAMESPACE"),
		"Only reconcile Tests in this namespace (empty for all namespaces).")
	fs.StringVar(&c.ResourceAgentServiceAccount, "resource-agent-service-account",
		envOr("TESTSYS_RESOURCE_AGENT_SERVICE_ACCOUNT", controller.DefaultResourceAgentServiceAccount),
		"The service account resource agent Jobs run as.")
	fs.StringVar(&c.TestAgentServiceAccount, "test-agent-service-account",
		envOr("TESTSYS_TEST_AGENT_SERVICE_ACCOUNT", controller.DefaultTestAgentServiceAccount),
		"The service account test agent Jobs run as.")
	fs.DurationVar(&c.PollInterval, "poll-interval",
		envDurationOr("TESTSYS_POLL_INTERVAL", controller.DefaultPollInterval),
		"How often agent reports are re-read while an agent Job runs.")
	fs.IntVar(&c.MaxConcurrentReconciles, "max-concurrent-reconciles",
		envIntOr("TESTSYS_MAX_CONCURRENT_RECONCILES", 4),
		"How many Tests are reconciled in parallel.")
	fs.DurationVar(&c.BackoffBase, "backoff-base",
		envDurationOr("TESTSYS_BACKOFF_BASE", controller.DefaultBackoffBase),
		"Initial retry delay after a failed reconcile.")
	fs.DurationVar(&c.BackoffMax, "backoff-max",
		envDurationOr("TESTSYS_BACKOFF_MAX", controller.DefaultBackoffMax),
		"Maximum retry delay after repeated failed reconciles.")
	fs.Float64Var(&c.RateLimitQPS, "rate-limit-qps",
		envFloatOr("TESTSYS_RATE_LIMIT_QPS", controller.DefaultRateLimitQPS),
		"Overall retry rate across all Tests.")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst",
		envIntOr("TESTSYS_RATE_LIMIT_BURST", controller.DefaultRateLimitBurst),
		"Overall retry burst across all Tests.")
}

// Validate reports the first configuration value that cannot be used.
func (c *Config) Validate() error {
	if c.ResourceAgentServiceAccount == "" || c.TestAgentServiceAccount == "" {
		return fmt.Errorf("agent service accounts must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.MaxConcurrentReconciles < 1 {
		return fmt.Errorf("max concurrent reconciles must be at least 1, got %d", c.MaxConcurrentReconciles)
	}
	if c.BackoffBase <= 0 || c.BackoffMax <= 0 {
		return fmt.Errorf("backoff durations must be positive, got base %s max %s", c.BackoffBase, c.BackoffMax)
	}
	if c.BackoffBase > c.BackoffMax {
		return fmt.Errorf("backoff base %s exceeds backoff max %s", c.BackoffBase, c.BackoffMax)
	}
	if c.RateLimitQPS <= 0 || c.RateLimitBurst < 1 {
		return fmt.Errorf("rate limit must be positive, got %v qps burst %d", c.RateLimitQPS, c.RateLimitBurst)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
