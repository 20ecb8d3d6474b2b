// Package natsconn opens the NATS connection shared by the JetStream result
// store and the JetStream dispatcher.
package natsconn

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Config holds NATS connection configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string `koanf:"url" validate:"required"`

	// Name is the client name for identification.
	Name string `koanf:"name"`

	// Token for token-based auth.
	Token string `koanf:"token"`

	// User and Password for basic auth.
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration `koanf:"reconnect_wait"`

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int `koanf:"max_reconnects"`

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "completionkit",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Connect dials NATS. Connection state changes are logged to log.
func Connect(cfg Config, log *logrus.Entry) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultConfig().ReconnectWait
	}

	conn, err := nats.Connect(cfg.URL, Options(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return conn, nil
}

// Options constructs NATS connection options from config.
func Options(cfg Config, log *logrus.Entry) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	if log != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.WithError(err).Warn("nats disconnected")
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
			}),
		)
	}

	return opts
}
