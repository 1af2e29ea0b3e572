package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Validate checks a parsed configuration and reports every problem found.
func Validate(cfg *Config) error {
	var errs []error

	switch strings.ToLower(cfg.Agent.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("agent.log_level: unknown level %q", cfg.Agent.LogLevel))
	}
	switch strings.ToLower(cfg.Agent.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("agent.log_format: must be json or text, got %q", cfg.Agent.LogFormat))
	}
	if cfg.Agent.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("agent.event_buffer: must not be negative"))
	}

	if strings.TrimSpace(cfg.Database.Path) == "" {
		errs = append(errs, fmt.Errorf("database.path: required"))
	}
	if strings.TrimSpace(cfg.Staging.Dir) == "" {
		errs = append(errs, fmt.Errorf("staging.dir: required"))
	}

	if cfg.Transfer.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("transfer.dial_timeout: must not be negative"))
	}
	if cfg.Dispatch.SlowHandlerWarning < 0 {
		errs = append(errs, fmt.Errorf("dispatch.slow_handler_warning: must not be negative"))
	}
	if cfg.Dispatch.NotifyTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch.notify_timeout: must not be negative"))
	}
	if cfg.Scheduler.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval: must be positive"))
	}
	if cfg.Scheduler.Jitter < 0 {
		errs = append(errs, fmt.Errorf("scheduler.jitter: must not be negative"))
	}

	if cfg.Notify.Enabled && strings.TrimSpace(cfg.Notify.Command) == "" {
		errs = append(errs, fmt.Errorf("notify.command: required when notifications are enabled"))
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			errs = append(errs, fmt.Errorf("api.listen: %w", err))
		}
		if strings.TrimSpace(cfg.API.Token) == "" {
			errs = append(errs, fmt.Errorf("api.token: required when the API is enabled"))
		}
	}

	for name, pc := range cfg.Plugins {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, fmt.Errorf("plugins: empty plugin name"))
		}
		if err := checkUnresolvedEnvVars(pc.Config, name); err != nil {
			errs = append(errs, err)
		}
	}
	if err := checkUnresolvedEnvVars(map[string]any{"token": cfg.API.Token}, "api"); err != nil && cfg.API.Enabled {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// checkUnresolvedEnvVars fails when a ${VAR} placeholder survived interpolation.
func checkUnresolvedEnvVars(data map[string]any, scope string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if envVarPattern.MatchString(v) {
				return fmt.Errorf("%s: %s references undefined environment variable %s", scope, key, envVarPattern.FindString(v))
			}
		case map[string]any:
			if err := checkUnresolvedEnvVars(v, scope); err != nil {
				return err
			}
		}
	}
	return nil
}
