// Package daemon runs a fabric node as a standalone process, standing in
// for the host application.
package daemon

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/raskyld/pcf"
)

// Config is the file configuration of the daemon.
type Config struct {
	Name   string     `toml:"name"`
	Fabric pcf.Config `toml:"fabric"`

	Reliable  ReliableConfig  `toml:"reliable"`
	Proximity ProximityConfig `toml:"proximity"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Logging   LoggingConfig   `toml:"logging"`
	Admin     AdminConfig     `toml:"admin"`
}

// ReliableConfig tunes the reliable transport.
type ReliableConfig struct {
	Network string         `toml:"network"`
	TLS     TLSConfig      `toml:"tls"`
	MDNS    pcf.MDNSConfig `toml:"mdns"`
}

// TLSConfig points to the mTLS material required by the quic network.
type TLSConfig struct {
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
	CA   string `toml:"ca"`
}

// ProximityConfig tunes the proximity transport.
type ProximityConfig struct {
	Neighbours []string `toml:"neighbours"`
}

// DiscoveryConfig controls the scan cycle.
type DiscoveryConfig struct {
	Window   Duration `toml:"window"`
	Interval Duration `toml:"interval"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// AdminConfig controls the local HTTP admin API.
type AdminConfig struct {
	Listen  string `toml:"listen"`
	Metrics bool   `toml:"metrics"`
}

// Duration decodes TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// DefaultConfig returns a configuration for a single node on the local
// network.
func DefaultConfig() Config {
	return Config{
		Fabric: pcf.Config{
			Host: "0.0.0.0",
			Port: 6174,
			Plugins: pcf.Plugins{
				Transport: pcf.KindReliable,
			},
		},
		Reliable: ReliableConfig{
			Network: pcf.NetworkTCP,
		},
		Discovery: DiscoveryConfig{
			Window:   Duration{5 * time.Second},
			Interval: Duration{30 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Admin: AdminConfig{
			Listen:  "127.0.0.1:6175",
			Metrics: true,
		},
	}
}

// LoadConfig reads path over the defaults. An empty path means defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return cfg, fmt.Errorf("parse config: unknown keys %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Options translates the file configuration into fabric options.
func (c *Config) Options(handler slog.Handler) ([]pcf.Option, error) {
	opts := []pcf.Option{
		pcf.WithConfig(c.Fabric),
		pcf.WithName(c.Name),
		pcf.WithLog(handler),
		pcf.WithMDNS(c.Reliable.MDNS),
		pcf.WithNeighbours(c.Proximity.Neighbours),
		pcf.WithScan(c.Discovery.Window.Duration, c.Discovery.Interval.Duration),
	}

	if c.Reliable.Network != "" {
		opts = append(opts, pcf.WithNetwork(c.Reliable.Network))
	}
	if c.Reliable.Network == pcf.NetworkQUIC {
		tlsConf, err := c.Reliable.TLS.Load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, pcf.WithTlsConfig(tlsConf))
	}
	return opts, nil
}

// Load builds an mTLS configuration.
func (c TLSConfig) Load() (*tls.Config, error) {
	if c.CA == "" || c.Cert == "" || c.Key == "" {
		return nil, errors.New("tls: cert, key and ca must all be provided")
	}

	keypair, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("tls: failed to load cert: %w", err)
	}

	caBytes, err := os.ReadFile(c.CA)
	if err != nil {
		return nil, fmt.Errorf("tls: failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("tls: no certificate found in %s", c.CA)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
		ClientCAs:    caBundle,
	}, nil
}

// LogHandler builds the slog handler described by the logging section.
func (c LoggingConfig) LogHandler() (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "", "text":
		return slog.NewTextHandler(os.Stderr, opts), nil
	case "json":
		return slog.NewJSONHandler(os.Stderr, opts), nil
	default:
		return nil, fmt.Errorf("logging: unknown format %q", c.Format)
	}
}
