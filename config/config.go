// SPDX-FileCopyrightText: Copyright (C) 2026  Katzenpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the onion client.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/onion/core/pki"
	"github.com/katzenpost/onion/internal/proxy"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultHandshakeTimeout = 60
	defaultDialTimeout      = 30
	defaultConnectAttempts  = 3

	// TransportTLS carries the link over TLS/TCP.
	TransportTLS = "tls"

	// TransportQUIC carries the link over a QUIC stream.
	TransportQUIC = "quic"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// HandshakeTimeout is the number of seconds to wait for each created
	// or extended response before the circuit is torn down.
	HandshakeTimeout int

	// DialTimeout is the number of seconds that dialing the entry relay
	// is allowed to take until it is canceled.
	DialTimeout int

	// ConnectAttempts is the number of times a transient failure to reach
	// the entry relay is retried, with exponential backoff.
	ConnectAttempts int
}

func (d *Debug) fixup() {
	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = defaultHandshakeTimeout
	}
	if d.DialTimeout == 0 {
		d.DialTimeout = defaultDialTimeout
	}
	if d.ConnectAttempts == 0 {
		d.ConnectAttempts = defaultConnectAttempts
	}
}

// HandshakeTimeoutDuration returns HandshakeTimeout as a time.Duration.
func (d *Debug) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(d.HandshakeTimeout) * time.Second
}

// DialTimeoutDuration returns DialTimeout as a time.Duration.
func (d *Debug) DialTimeoutDuration() time.Duration {
	return time.Duration(d.DialTimeout) * time.Second
}

// UpstreamProxy is the outgoing connection proxy configuration.
type UpstreamProxy struct {
	// Type is the proxy type (Eg: "none", "socks5", "tor+socks5").
	Type string

	// Network is the proxy address' network (`unix`, `tcp`).
	Network string

	// Address is the proxy's address.
	Address string

	// User is the optional proxy username.
	User string

	// Password is the optional proxy password.
	Password string
}

func (uCfg *UpstreamProxy) toProxyConfig() (*proxy.Config, error) {
	cfg := &proxy.Config{}
	if uCfg != nil {
		cfg = &proxy.Config{
			Type:     uCfg.Type,
			Network:  uCfg.Network,
			Address:  uCfg.Address,
			User:     uCfg.User,
			Password: uCfg.Password,
		}
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Channel is the link configuration.
type Channel struct {
	// Transport is the link transport, "tls" (default) or "quic".
	Transport string
}

func (c *Channel) validate() error {
	c.Transport = strings.ToLower(c.Transport)
	switch c.Transport {
	case "":
		c.Transport = TransportTLS
	case TransportTLS, TransportQUIC:
	default:
		return fmt.Errorf("config: Channel: Transport '%v' is invalid", c.Transport)
	}
	return nil
}

// Metrics is the instrumentation configuration.
type Metrics struct {
	// Address is the optional host:port to serve /metrics on.
	Address string
}

// Identity is the local identity configuration.
type Identity struct {
	// PrivateKeyFile is the optional PEM encoded RSA identity key.  If
	// omitted an ephemeral key is used for each connection.
	PrivateKeyFile string
}

// Cache is the descriptor cache configuration.
type Cache struct {
	// File is the bbolt database used to cache relay descriptors.
	File string
}

// Relay is a statically configured relay descriptor.
type Relay struct {
	// Name is the relay nickname.
	Name string

	// Address is the relay's IPv4 address.
	Address string

	// Port is the relay's OR port.
	Port uint16

	// OnionKey is the PEM encoded RSA-1024 onion key.
	OnionKey string

	// SigningKey is the PEM encoded RSA identity key.
	SigningKey string

	// ExitPolicy is the relay's exit policy, one rule per entry.
	ExitPolicy []string

	// Family lists the relays run by the same operator.
	Family []string
}

// Descriptor converts the configured relay into a validated descriptor.
func (r *Relay) Descriptor() (*pki.RelayDescriptor, error) {
	ip := net.ParseIP(r.Address)
	if ip == nil {
		return nil, fmt.Errorf("config: Relay '%v': Address '%v' is invalid", r.Name, r.Address)
	}
	onionKey, err := pki.PublicKeyFromPEM(r.OnionKey)
	if err != nil {
		return nil, fmt.Errorf("config: Relay '%v': OnionKey: %v", r.Name, err)
	}
	signingKey, err := pki.PublicKeyFromPEM(r.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("config: Relay '%v': SigningKey: %v", r.Name, err)
	}
	d := &pki.RelayDescriptor{
		Name:       r.Name,
		Address:    ip,
		Port:       r.Port,
		OnionKey:   onionKey,
		SigningKey: signingKey,
		ExitPolicy: r.ExitPolicy,
		Family:     r.Family,
	}
	if err = d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Config is the top level client configuration.
type Config struct {
	// Logging is the logging configuration.
	Logging *Logging

	// Debug is used to set various parameters.
	Debug *Debug

	// UpstreamProxy can be used to setup a SOCKS proxy for use with a VPN or Tor.
	UpstreamProxy *UpstreamProxy

	// Channel selects the link transport.
	Channel *Channel

	// Metrics configures the Prometheus endpoint.
	Metrics *Metrics

	// Identity is the local identity.
	Identity *Identity

	// Cache is the descriptor cache.
	Cache *Cache

	// Relays are the statically configured relays.
	Relays []*Relay

	// Path is the ordered list of relay names to build circuits through,
	// entry relay first.
	Path []string

	upstreamProxy *proxy.Config
	descriptors   map[string]*pki.RelayDescriptor
}

// UpstreamProxyConfig returns the configured upstream proxy, suitable for
// internal use.
func (c *Config) UpstreamProxyConfig() *proxy.Config {
	return c.upstreamProxy
}

// Descriptor returns the statically configured descriptor named name.
func (c *Config) Descriptor(name string) (*pki.RelayDescriptor, bool) {
	d, ok := c.descriptors[strings.ToLower(name)]
	return d, ok
}

// Descriptors returns every statically configured descriptor.
func (c *Config) Descriptors() []*pki.RelayDescriptor {
	ret := make([]*pki.RelayDescriptor, 0, len(c.Relays))
	for _, r := range c.Relays {
		ret = append(ret, c.descriptors[strings.ToLower(r.Name)])
	}
	return ret
}

// ResolvePath returns the descriptors of Path, consulting lookupFn for
// relays that are not statically configured.  lookupFn may be nil.  A path
// may not visit a relay twice or two relays of the same family.
func (c *Config) ResolvePath(lookupFn func(name string) (*pki.RelayDescriptor, error)) ([]*pki.RelayDescriptor, error) {
	ret := make([]*pki.RelayDescriptor, 0, len(c.Path))
	for _, name := range c.Path {
		d, ok := c.Descriptor(name)
		if !ok {
			if lookupFn == nil {
				return nil, fmt.Errorf("config: Path: unknown relay '%v'", name)
			}
			var err error
			if d, err = lookupFn(name); err != nil {
				return nil, fmt.Errorf("config: Path: relay '%v': %v", name, err)
			}
		}
		for _, prev := range ret {
			if prev.Fingerprint() == d.Fingerprint() {
				return nil, fmt.Errorf("config: Path: relay '%v' appears twice", name)
			}
			if prev.InFamily(d) || d.InFamily(prev) {
				return nil, fmt.Errorf("config: Path: relays '%v' and '%v' are in the same family", prev.Name, d.Name)
			}
		}
		ret = append(ret, d)
	}
	return ret, nil
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Debug.fixup()
	if c.Channel == nil {
		c.Channel = &Channel{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Identity == nil {
		c.Identity = &Identity{}
	}

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Debug.HandshakeTimeout < 0 || c.Debug.DialTimeout < 0 {
		return errors.New("config: Debug: timeouts must be positive")
	}
	if c.Debug.ConnectAttempts < 0 {
		return errors.New("config: Debug: ConnectAttempts must be positive")
	}
	if err := c.Channel.validate(); err != nil {
		return err
	}
	uCfg, err := c.UpstreamProxy.toProxyConfig()
	if err != nil {
		return err
	}
	if c.Channel.Transport == TransportQUIC && uCfg.ToDialContext("") != nil {
		return errors.New("config: UpstreamProxy is not supported with the QUIC transport")
	}
	c.upstreamProxy = uCfg
	if c.Metrics.Address != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", c.Metrics.Address, err)
		}
	}
	if c.Cache != nil && c.Cache.File == "" {
		return errors.New("config: Cache: File is not set")
	}

	c.descriptors = make(map[string]*pki.RelayDescriptor)
	for _, r := range c.Relays {
		d, err := r.Descriptor()
		if err != nil {
			return err
		}
		k := strings.ToLower(d.Name)
		if _, ok := c.descriptors[k]; ok {
			return fmt.Errorf("config: Relay '%v' is defined more than once", d.Name)
		}
		c.descriptors[k] = d
	}
	if len(c.Path) == 0 {
		return errors.New("config: Path is empty")
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
