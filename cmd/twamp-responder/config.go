package main

import (
	"errors"
	"fmt"
	"flag"
	"os"
	"strings"
	"time"
)

type appConfig struct {
	listenAddr       string
	reflectHost      string
	logFormat        string
	logLevel         string
	metricsAddr      string
	handshakeTimeout time.Duration
	sessionTimeout   time.Duration
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	port := flag.Int("port", 862, "TWAMP-Control TCP listen port")
	listen := flag.String("listen", "", "TCP listen address (overrides --port if set, e.g. 0.0.0.0:862)")
	reflectHost := flag.String("reflect-host", "", "Host IP to bind reflector UDP sockets on (default: all interfaces)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	handshakeTO := flag.Duration("handshake-timeout", 5*time.Second, "Control handshake timeout")
	sessionTO := flag.Duration("session-timeout", 5*time.Minute, "Maximum time to wait for Start-Sessions/Stop-Sessions")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.listenAddr = *listen
	if cfg.listenAddr == "" {
		cfg.listenAddr = fmt.Sprintf(":%d", *port)
	}
	cfg.reflectHost = *reflectHost
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.handshakeTimeout = *handshakeTO
	cfg.sessionTimeout = *sessionTO

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.handshakeTimeout <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.sessionTimeout <= 0 {
		return fmt.Errorf("session-timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps TWAMP_RESPONDER_* environment variables to config
// fields unless the corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["listen"]; !ok {
		if v, ok := get("TWAMP_RESPONDER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["reflect-host"]; !ok {
		if v, ok := get("TWAMP_RESPONDER_REFLECT_HOST"); ok {
			c.reflectHost = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("TWAMP_RESPONDER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("TWAMP_RESPONDER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("TWAMP_RESPONDER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("TWAMP_RESPONDER_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TWAMP_RESPONDER_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["session-timeout"]; !ok {
		if v, ok := get("TWAMP_RESPONDER_SESSION_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.sessionTimeout = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TWAMP_RESPONDER_SESSION_TIMEOUT: %w", err)
			}
		}
	}
	return firstErr
}
