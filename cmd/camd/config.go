package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-cam360/internal/session"
)

type appConfig struct {
	backend         string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	listenAddr      string
	cmdTimeout      time.Duration
	heartbeat       time.Duration
	idlePowerOff    time.Duration
	hubBuffer       int
	hubPolicy       string
	sinkBuffer      int
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	metricsAddr     string
	logFormat       string
	logLevel        string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	hotplug         bool
	usbVID          string
	usbPID          string
	configFile      string
}

// parseFlags reads the command line, then layers the config file and
// CAM360_* environment on top of defaults. Explicitly set flags always win.
func parseFlags(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.backend, "backend", "serial", "Camera backend: serial|sim")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyACM0", "Serial device path")
	fs.IntVar(&cfg.baud, "baud", 921600, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.listenAddr, "listen", ":20360", "TCP relay listen address")
	fs.DurationVar(&cfg.cmdTimeout, "command-timeout", session.DefaultCommandTimeout, "Default device command timeout")
	fs.DurationVar(&cfg.heartbeat, "heartbeat", 4*time.Second, "Heartbeat interval while idle (0 disables)")
	fs.DurationVar(&cfg.idlePowerOff, "idle-poweroff", 120*time.Second, "Power the camera off after this much inactivity (0 disables)")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client relay buffer (units)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.sinkBuffer, "sink-buffer", 1024, "Media/event delivery queue (units)")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous relay clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement of the relay")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default cam360-<hostname>)")
	fs.BoolVar(&cfg.hotplug, "hotplug", false, "Follow USB attach/detach uevents (Linux)")
	fs.StringVar(&cfg.usbVID, "usb-vid", "", "USB vendor ID of the accessory (hex)")
	fs.StringVar(&cfg.usbPID, "usb-pid", "", "USB product ID of the accessory (hex)")
	fs.StringVar(&cfg.configFile, "config", "", "Optional config file (.yaml, .yml or .toml)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	// Track which flags were explicitly set to give them precedence.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	path := cfg.configFile
	if _, ok := setFlags["config"]; !ok {
		if v, ok := os.LookupEnv("CAM360_CONFIG"); ok && strings.TrimSpace(v) != "" {
			path = strings.TrimSpace(v)
		}
	}
	if path != "" {
		if err := applyConfigFile(cfg, path, setFlags); err != nil {
			return nil, false, fmt.Errorf("config file: %w", err)
		}
		cfg.configFile = path
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, false, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration: %w", err)
	}
	return cfg, false, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners.
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
	switch c.backend {
	case "serial", "sim":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if _, ok := hubPolicies[c.hubPolicy]; !ok {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.backend == "serial" && c.serialDev == "" {
		return errors.New("serial device must be set for the serial backend")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.sinkBuffer <= 0 {
		return fmt.Errorf("sink-buffer must be > 0 (got %d)", c.sinkBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.cmdTimeout <= 0 {
		return fmt.Errorf("command-timeout must be > 0")
	}
	if c.heartbeat < 0 {
		return fmt.Errorf("heartbeat must be >= 0")
	}
	if c.idlePowerOff < 0 {
		return fmt.Errorf("idle-poweroff must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	if _, err := parseUSBID(c.usbVID); err != nil {
		return fmt.Errorf("invalid usb-vid: %w", err)
	}
	if _, err := parseUSBID(c.usbPID); err != nil {
		return fmt.Errorf("invalid usb-pid: %w", err)
	}
	return nil
}

// parseUSBID accepts "2e1a", "0x2E1A" or empty (any).
func parseUSBID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// applyEnvOverrides maps CAM360_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := get(flagName, key); ok {
			*dst = v
		}
	}
	num := func(flagName, key string, min int, dst *int) {
		if v, ok := get(flagName, key); ok {
			if n, err := strconv.Atoi(v); err == nil && n >= min {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", key, v)
			}
		}
	}
	dur := func(flagName, key string, dst *time.Duration) {
		if v, ok := get(flagName, key); ok {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", key, v)
			}
		}
	}
	boolean := func(flagName, key string, dst *bool) {
		if v, ok := get(flagName, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				if firstErr == nil {
					firstErr = fmt.Errorf("invalid %s: %q", key, v)
				}
			}
		}
	}

	str("backend", "CAM360_BACKEND", &c.backend)
	str("serial", "CAM360_SERIAL", &c.serialDev)
	num("baud", "CAM360_BAUD", 1, &c.baud)
	dur("serial-read-timeout", "CAM360_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("listen", "CAM360_LISTEN", &c.listenAddr)
	dur("command-timeout", "CAM360_COMMAND_TIMEOUT", &c.cmdTimeout)
	dur("heartbeat", "CAM360_HEARTBEAT", &c.heartbeat)
	dur("idle-poweroff", "CAM360_IDLE_POWEROFF", &c.idlePowerOff)
	num("hub-buffer", "CAM360_HUB_BUFFER", 1, &c.hubBuffer)
	str("hub-policy", "CAM360_HUB_POLICY", &c.hubPolicy)
	num("sink-buffer", "CAM360_SINK_BUFFER", 1, &c.sinkBuffer)
	num("max-clients", "CAM360_MAX_CLIENTS", 0, &c.maxClients)
	dur("handshake-timeout", "CAM360_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("client-read-timeout", "CAM360_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	// An empty CAM360_METRICS is meaningful (disable), so it bypasses get().
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := os.LookupEnv("CAM360_METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	str("log-format", "CAM360_LOG_FORMAT", &c.logFormat)
	str("log-level", "CAM360_LOG_LEVEL", &c.logLevel)
	dur("log-metrics-interval", "CAM360_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	boolean("mdns-enable", "CAM360_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "CAM360_MDNS_NAME", &c.mdnsName)
	boolean("hotplug", "CAM360_HOTPLUG", &c.hotplug)
	str("usb-vid", "CAM360_USB_VID", &c.usbVID)
	str("usb-pid", "CAM360_USB_PID", &c.usbPID)
	return firstErr
}
