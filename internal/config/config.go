// Package config parses process configuration from flags with an
// environment-variable overlay, in the teacher's applyEnvOverrides style:
// flags win over environment, environment wins over the compiled default.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport selects which Transport implementation the link layer opens.
type Transport string

const (
	TransportTCP    Transport = "tcp"
	TransportSerial Transport = "serial"
)

// Config is the single configuration record for the gateway process,
// matching the options table in spec.md §6 plus the ambient options the
// teacher always exposes alongside domain options.
type Config struct {
	Transport Transport

	TCPHost string
	TCPPort int

	SerialPath string
	SerialBaud int

	MaxSources      int
	MaxDestinations int
	MaxLevels       int

	AutoConnect bool

	ClientListen        string
	ClientAllowedOrigin string
	ClientReadTimeout    time.Duration

	LogFormat string
	LogLevel  string

	MetricsAddr     string
	LogMetricsEvery time.Duration

	HubBuffer int
	HubPolicy string

	MDNSEnable bool
	MDNSName   string
}

// Parse parses flags, applies environment overrides, validates, and returns
// the resulting Config. showVersion is true when -version was passed.
func Parse(args []string) (cfg *Config, showVersion bool, err error) {
	fs := flag.NewFlagSet("swp08gw", flag.ContinueOnError)

	transport := fs.String("transport", "tcp", "Router transport: tcp|serial")
	tcpHost := fs.String("tcp-host", "localhost", "TCP host of the router")
	tcpPort := fs.Int("tcp-port", 2000, "TCP port of the router")
	serialPath := fs.String("serial-path", "/dev/ttyUSB0", "Serial device path")
	serialBaud := fs.Int("serial-baud", 38400, "Serial baud rate")
	maxSources := fs.Int("max-sources", 1024, "Number of valid source indices (0..N-1)")
	maxDestinations := fs.Int("max-destinations", 1024, "Number of valid destination indices (0..N-1)")
	maxLevels := fs.Int("max-levels", 16, "Number of valid level indices (0..N-1); also the tally-dump reconciliation count")
	autoConnect := fs.Bool("auto-connect", true, "Attempt the router link at startup")
	clientListen := fs.String("client-listen", ":3001", "Fan-out WebSocket listen address")
	clientAllowedOrigin := fs.String("client-allowed-origin", "http://localhost:3000", "CORS origin allowed on the fan-out endpoint")
	clientReadTimeout := fs.Duration("client-read-timeout", 60*time.Second, "Per-client fan-out read deadline")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	hubBuffer := fs.Int("hub-buffer", 512, "Per-client fan-out buffer (events)")
	hubPolicy := fs.String("hub-policy", "drop", "Fan-out backpressure policy: drop|kick")
	mdnsEnable := fs.Bool("mdns-enable", false, "Enable mDNS advertisement of the fan-out endpoint")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default swp08gw-<hostname>)")
	version := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })

	cfg = &Config{
		Transport:            Transport(*transport),
		TCPHost:              *tcpHost,
		TCPPort:              *tcpPort,
		SerialPath:           *serialPath,
		SerialBaud:           *serialBaud,
		MaxSources:           *maxSources,
		MaxDestinations:      *maxDestinations,
		MaxLevels:            *maxLevels,
		AutoConnect:          *autoConnect,
		ClientListen:         *clientListen,
		ClientAllowedOrigin:  *clientAllowedOrigin,
		ClientReadTimeout:    *clientReadTimeout,
		LogFormat:            *logFormat,
		LogLevel:             *logLevel,
		MetricsAddr:          *metricsAddr,
		LogMetricsEvery:      *logMetricsEvery,
		HubBuffer:            *hubBuffer,
		HubPolicy:            *hubPolicy,
		MDNSEnable:           *mdnsEnable,
		MDNSName:             *mdnsName,
	}

	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, err
	}
	return cfg, *version, nil
}

// validate performs semantic validation only; it never touches the
// filesystem or network.
func (c *Config) validate() error {
	switch c.Transport {
	case TransportTCP, TransportSerial:
	default:
		return fmt.Errorf("invalid transport: %s", c.Transport)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	switch c.HubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.HubPolicy)
	}
	if c.MaxSources <= 0 || c.MaxDestinations <= 0 || c.MaxLevels <= 0 {
		return errors.New("max-sources, max-destinations, and max-levels must be > 0")
	}
	if c.SerialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.SerialBaud)
	}
	if c.HubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.HubBuffer)
	}
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("tcp-port out of range: %d", c.TCPPort)
	}
	return nil
}

// applyEnvOverrides maps SWP08GW_* environment variables onto cfg unless
// the corresponding flag was explicitly set (flags win over env).
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) {
		v, ok := os.LookupEnv(k)
		return strings.TrimSpace(v), ok
	}
	setErr := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if _, ok := set["transport"]; !ok {
		if v, ok := get("SWP08GW_TRANSPORT"); ok && v != "" {
			c.Transport = Transport(v)
		}
	}
	if _, ok := set["tcp-host"]; !ok {
		if v, ok := get("SWP08GW_TCP_HOST"); ok && v != "" {
			c.TCPHost = v
		}
	}
	if _, ok := set["tcp-port"]; !ok {
		if v, ok := get("SWP08GW_TCP_PORT"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.TCPPort = n
			} else {
				setErr(fmt.Errorf("invalid SWP08GW_TCP_PORT: %w", err))
			}
		}
	}
	if _, ok := set["serial-path"]; !ok {
		if v, ok := get("SWP08GW_SERIAL_PATH"); ok && v != "" {
			c.SerialPath = v
		}
	}
	if _, ok := set["serial-baud"]; !ok {
		if v, ok := get("SWP08GW_SERIAL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.SerialBaud = n
			} else {
				setErr(fmt.Errorf("invalid SWP08GW_SERIAL_BAUD: %w", err))
			}
		}
	}
	if _, ok := set["max-sources"]; !ok {
		if v, ok := get("SWP08GW_MAX_SOURCES"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.MaxSources = n
			} else {
				setErr(fmt.Errorf("invalid SWP08GW_MAX_SOURCES: %w", err))
			}
		}
	}
	if _, ok := set["max-destinations"]; !ok {
		if v, ok := get("SWP08GW_MAX_DESTINATIONS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.MaxDestinations = n
			} else {
				setErr(fmt.Errorf("invalid SWP08GW_MAX_DESTINATIONS: %w", err))
			}
		}
	}
	if _, ok := set["max-levels"]; !ok {
		if v, ok := get("SWP08GW_MAX_LEVELS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.MaxLevels = n
			} else {
				setErr(fmt.Errorf("invalid SWP08GW_MAX_LEVELS: %w", err))
			}
		}
	}
	if _, ok := set["auto-connect"]; !ok {
		if v, ok := get("SWP08GW_AUTO_CONNECT"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.AutoConnect = true
			case "0", "false", "no", "off":
				c.AutoConnect = false
			}
		}
	}
	if _, ok := set["client-listen"]; !ok {
		if v, ok := get("SWP08GW_CLIENT_LISTEN"); ok && v != "" {
			c.ClientListen = v
		}
	}
	if _, ok := set["client-allowed-origin"]; !ok {
		if v, ok := get("SWP08GW_CLIENT_ALLOWED_ORIGIN"); ok && v != "" {
			c.ClientAllowedOrigin = v
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("SWP08GW_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.ClientReadTimeout = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid SWP08GW_CLIENT_READ_TIMEOUT: %w", err))
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("SWP08GW_LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("SWP08GW_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("SWP08GW_METRICS_ADDR"); ok {
			c.MetricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("SWP08GW_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.LogMetricsEvery = d
			} else if err != nil {
				setErr(fmt.Errorf("invalid SWP08GW_LOG_METRICS_INTERVAL: %w", err))
			}
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("SWP08GW_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.HubBuffer = n
			} else {
				setErr(fmt.Errorf("invalid SWP08GW_HUB_BUFFER: %w", err))
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("SWP08GW_HUB_POLICY"); ok && v != "" {
			c.HubPolicy = v
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("SWP08GW_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.MDNSEnable = true
			case "0", "false", "no", "off":
				c.MDNSEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("SWP08GW_MDNS_NAME"); ok && v != "" {
			c.MDNSName = v
		}
	}
	return firstErr
}
