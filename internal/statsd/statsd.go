// Package statsd builds the DataDog statsd client used for operational
// counters. Metrics are fire-and-forget: a missing statsd endpoint degrades
// to a no-op client so batch jobs never fail or block on metrics delivery.
package statsd

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Config is the statsd endpoint configuration. Env names the deployment
// environment and is attached to every metric as an env: tag.
type Config struct {
	Host string `yaml:"hostname"`
	Port int    `yaml:"port"`
	Env  string `yaml:"-"`
}

// New returns a statsd client for the configured endpoint, or a no-op client
// when no host is configured.
func New(log *slog.Logger, cfg Config) (statsd.ClientInterface, error) {
	if cfg.Host == "" {
		log.Debug("statsd not configured, metrics disabled")
		return &statsd.NoOpClient{}, nil
	}

	var opts []statsd.Option
	if cfg.Env != "" {
		opts = append(opts, statsd.WithTags([]string{"env:" + cfg.Env}))
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	client, err := statsd.New(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create statsd client for %s: %w", addr, err)
	}
	log.Debug("statsd client created", "addr", addr, "env", cfg.Env)
	return client, nil
}

// ImportFailureName builds the counter name for an import validation failure,
// dirbs.import.<type>[.operator.<op>].validation_failures.<reason>.
func ImportFailureName(listType, operatorID, reason string) string {
	if operatorID != "" {
		return fmt.Sprintf("dirbs.import.%s.operator.%s.validation_failures.%s", listType, operatorID, reason)
	}
	return fmt.Sprintf("dirbs.import.%s.validation_failures.%s", listType, reason)
}

// ExceptionName builds the counter name incremented when a component
// surfaces an uncaught error.
func ExceptionName(component string) string {
	return fmt.Sprintf("dirbs.exceptions.%s.unknown", component)
}
