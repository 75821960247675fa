package pcf

import (
	"context"
	"fmt"
	"net"
	"time"
)

// resolveTimeout bounds the lookup of a configured host name.
var resolveTimeout = 2 * time.Second

var hostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
} = net.DefaultResolver

// Config is the configuration supplied by the host application.
type Config struct {
	Host    string  `toml:"host"`
	Port    int     `toml:"port"`
	Metrics bool    `toml:"metrics"`
	Plugins Plugins `toml:"plugins"`
}

// Plugins selects pluggable parts of the fabric.
type Plugins struct {
	Transport Kind `toml:"transport"`
}

// Validate fails with ErrConfig on any invalid field. It never binds
// anything so it is safe to call before startup.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("%w: %w", ErrConfig, ErrNoPort)
	}
	if c.Port < 0 || c.Port > 65535 {
		return configErr("port %d out of range", c.Port)
	}
	if c.Host != "" && net.ParseIP(c.Host) == nil {
		ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
		_, err := hostResolver.LookupHost(ctx, c.Host)
		cancel()
		if err != nil {
			return configErr("host %q does not resolve: %s", c.Host, err)
		}
	}
	kind := c.Plugins.Transport
	if kind == "" {
		kind = KindReliable
	}
	if _, ok := transports[kind]; !ok {
		return fmt.Errorf("%w: %w: %q", ErrConfig, ErrUnknownKind, kind)
	}
	return nil
}

func (c *Config) kind() Kind {
	if c.Plugins.Transport == "" {
		return KindReliable
	}
	return c.Plugins.Transport
}

func (c *Config) listenAddr() string {
	host := c.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, fmt.Sprint(c.Port))
}
