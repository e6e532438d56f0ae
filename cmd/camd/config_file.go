package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors the flags. Keys are the flag names; unset keys keep the
// flag defaults. Durations use time.ParseDuration syntax.
type fileConfig struct {
	Backend           *string `yaml:"backend" toml:"backend"`
	Serial            *string `yaml:"serial" toml:"serial"`
	Baud              *int    `yaml:"baud" toml:"baud"`
	SerialReadTimeout *string `yaml:"serial-read-timeout" toml:"serial-read-timeout"`
	Listen            *string `yaml:"listen" toml:"listen"`
	CommandTimeout    *string `yaml:"command-timeout" toml:"command-timeout"`
	Heartbeat         *string `yaml:"heartbeat" toml:"heartbeat"`
	IdlePowerOff      *string `yaml:"idle-poweroff" toml:"idle-poweroff"`
	HubBuffer         *int    `yaml:"hub-buffer" toml:"hub-buffer"`
	HubPolicy         *string `yaml:"hub-policy" toml:"hub-policy"`
	SinkBuffer        *int    `yaml:"sink-buffer" toml:"sink-buffer"`
	MaxClients        *int    `yaml:"max-clients" toml:"max-clients"`
	HandshakeTimeout  *string `yaml:"handshake-timeout" toml:"handshake-timeout"`
	ClientReadTimeout *string `yaml:"client-read-timeout" toml:"client-read-timeout"`
	MetricsAddr       *string `yaml:"metrics-addr" toml:"metrics-addr"`
	LogFormat         *string `yaml:"log-format" toml:"log-format"`
	LogLevel          *string `yaml:"log-level" toml:"log-level"`
	LogMetrics        *string `yaml:"log-metrics-interval" toml:"log-metrics-interval"`
	MDNSEnable        *bool   `yaml:"mdns-enable" toml:"mdns-enable"`
	MDNSName          *string `yaml:"mdns-name" toml:"mdns-name"`
	Hotplug           *bool   `yaml:"hotplug" toml:"hotplug"`
	USBVID            *string `yaml:"usb-vid" toml:"usb-vid"`
	USBPID            *string `yaml:"usb-pid" toml:"usb-pid"`
}

var errConfigFormat = errors.New("unsupported config format (use .yaml, .yml or .toml)")

func loadConfigFile(path string) (*fileConfig, error) {
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case ".toml":
		md, err := toml.DecodeFile(path, &fc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if und := md.Undecoded(); len(und) > 0 {
			return nil, fmt.Errorf("%s: unknown keys %v", path, und)
		}
	default:
		return nil, fmt.Errorf("%s: %w", path, errConfigFormat)
	}
	return &fc, nil
}

// applyConfigFile loads path and copies every key present in it into c,
// skipping fields whose flag was set on the command line.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	fc, err := loadConfigFile(path)
	if err != nil {
		return err
	}
	var firstErr error
	str := func(flagName string, v *string, dst *string) {
		if _, ok := set[flagName]; ok || v == nil {
			return
		}
		*dst = *v
	}
	num := func(flagName string, v *int, dst *int) {
		if _, ok := set[flagName]; ok || v == nil {
			return
		}
		*dst = *v
	}
	boolean := func(flagName string, v *bool, dst *bool) {
		if _, ok := set[flagName]; ok || v == nil {
			return
		}
		*dst = *v
	}
	dur := func(flagName string, v *string, dst *time.Duration) {
		if _, ok := set[flagName]; ok || v == nil {
			return
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", flagName, err)
			}
			return
		}
		*dst = d
	}

	str("backend", fc.Backend, &c.backend)
	str("serial", fc.Serial, &c.serialDev)
	num("baud", fc.Baud, &c.baud)
	dur("serial-read-timeout", fc.SerialReadTimeout, &c.serialReadTO)
	str("listen", fc.Listen, &c.listenAddr)
	dur("command-timeout", fc.CommandTimeout, &c.cmdTimeout)
	dur("heartbeat", fc.Heartbeat, &c.heartbeat)
	dur("idle-poweroff", fc.IdlePowerOff, &c.idlePowerOff)
	num("hub-buffer", fc.HubBuffer, &c.hubBuffer)
	str("hub-policy", fc.HubPolicy, &c.hubPolicy)
	num("sink-buffer", fc.SinkBuffer, &c.sinkBuffer)
	num("max-clients", fc.MaxClients, &c.maxClients)
	dur("handshake-timeout", fc.HandshakeTimeout, &c.handshakeTO)
	dur("client-read-timeout", fc.ClientReadTimeout, &c.clientReadTO)
	str("metrics-addr", fc.MetricsAddr, &c.metricsAddr)
	str("log-format", fc.LogFormat, &c.logFormat)
	str("log-level", fc.LogLevel, &c.logLevel)
	dur("log-metrics-interval", fc.LogMetrics, &c.logMetricsEvery)
	boolean("mdns-enable", fc.MDNSEnable, &c.mdnsEnable)
	str("mdns-name", fc.MDNSName, &c.mdnsName)
	boolean("hotplug", fc.Hotplug, &c.hotplug)
	str("usb-vid", fc.USBVID, &c.usbVID)
	str("usb-pid", fc.USBPID, &c.usbPID)
	return firstErr
}
