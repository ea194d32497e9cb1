package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	responderAddr  string
	responderPort  uint16
	controllerAddr string
	reflectPort    uint16
	numPackets     uint32
	timeout        time.Duration
	paddingLen     uint32
	interPacketGap time.Duration
	logFormat      string
	logLevel       string
	metricsAddr    string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	responderAddr := flag.String("responder-addr", "127.0.0.1", "Responder IP address")
	responderPort := flag.Int("responder-port", 862, "Responder TWAMP-Control TCP port")
	controllerAddr := flag.String("controller-addr", "127.0.0.1", "Controller (local) IP address reported in Request-TW-Session")
	reflectPort := flag.Int("responder-reflect-port", 0, "Sender's local UDP port (0 = ephemeral)")
	numPackets := flag.Int("number-of-test-packets", 100, "Number of test packets to send")
	timeout := flag.Int("timeout", 5, "Seconds to wait for outstanding test replies after the last send")
	paddingLen := flag.Int("padding-len", 0, "Extra zero-padding bytes appended to each test packet")
	interPacketGap := flag.Duration("inter-packet-gap", 10*time.Millisecond, "Delay between consecutive test packet sends")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9101); empty disables")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.responderAddr = *responderAddr
	cfg.responderPort = uint16(*responderPort)
	cfg.controllerAddr = *controllerAddr
	cfg.reflectPort = uint16(*reflectPort)
	cfg.numPackets = uint32(*numPackets)
	cfg.timeout = time.Duration(*timeout) * time.Second
	cfg.paddingLen = uint32(*paddingLen)
	cfg.interPacketGap = *interPacketGap
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr

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
	if net.ParseIP(c.responderAddr) == nil {
		return fmt.Errorf("invalid responder-addr: %s", c.responderAddr)
	}
	if net.ParseIP(c.controllerAddr) == nil {
		return fmt.Errorf("invalid controller-addr: %s", c.controllerAddr)
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
	if c.numPackets == 0 {
		return errors.New("number-of-test-packets must be > 0")
	}
	if c.timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

// applyEnvOverrides maps TWAMP_CONTROLLER_* environment variables to config
// fields unless the corresponding flag was explicitly set (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["responder-addr"]; !ok {
		if v, ok := get("TWAMP_CONTROLLER_RESPONDER_ADDR"); ok && v != "" {
			c.responderAddr = v
		}
	}
	if _, ok := set["responder-port"]; !ok {
		if v, ok := get("TWAMP_CONTROLLER_RESPONDER_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.responderPort = uint16(n)
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TWAMP_CONTROLLER_RESPONDER_PORT: %w", err)
			}
		}
	}
	if _, ok := set["controller-addr"]; !ok {
		if v, ok := get("TWAMP_CONTROLLER_ADDR"); ok && v != "" {
			c.controllerAddr = v
		}
	}
	if _, ok := set["number-of-test-packets"]; !ok {
		if v, ok := get("TWAMP_CONTROLLER_NUM_PACKETS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.numPackets = uint32(n)
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TWAMP_CONTROLLER_NUM_PACKETS: %w", err)
			}
		}
	}
	if _, ok := set["timeout"]; !ok {
		if v, ok := get("TWAMP_CONTROLLER_TIMEOUT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.timeout = time.Duration(n) * time.Second
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid TWAMP_CONTROLLER_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("TWAMP_CONTROLLER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("TWAMP_CONTROLLER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("TWAMP_CONTROLLER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	return firstErr
}
