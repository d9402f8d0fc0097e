package connector

import (
	"net"
	"strconv"
	"time"
)

// DefaultSystem is the name of the system used when none is given.
const DefaultSystem = "LOCAL"

// Defaults applied to zero Config fields.
const (
	DefaultPort              = 5038
	DefaultRequestTimeout    = 2 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultReconnectInterval = 60 * time.Second
	DefaultRetryDelay        = time.Second
	DefaultPollInterval      = time.Second
)

// Config describes one AMI connection.
type Config struct {
	Name     string
	Host     string
	Port     int
	Username string
	Secret   string

	// RequestTimeout is the default SendRequest timeout.
	RequestTimeout time.Duration
	// ConnectTimeout bounds both the TCP connect and the login exchange.
	ConnectTimeout time.Duration
	// ReconnectInterval is the wait after a failed connect or login.
	ReconnectInterval time.Duration
	// RetryDelay is the wait after the server closed a working session.
	RetryDelay time.Duration
	// PollInterval is the read deadline used to notice shutdown.
	PollInterval time.Duration

	// EventMask is sent with the Events action after login. Empty skips it.
	EventMask string
	// EventFilters are added with Filter actions after login.
	EventFilters []string
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultSystem
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = DefaultReconnectInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}
