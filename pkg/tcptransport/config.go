// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/discovery"
	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// ReservedPort is used by the port sharing daemon and may only be bound by a Transport if AllowReservedPort is set.
const ReservedPort = 48653

const (
	minMessageSize uint32 = 16 * 1024
	maxMessageSize uint32 = 100 * 1024 * 1024
)

// Environment variables read by ApplyEnvironment.
const (
	EnvCAFile               = "ROBOTRACONTEUR_TLS_CA_FILE"
	EnvCADir                = "ROBOTRACONTEUR_TLS_CA_DIR"
	EnvDisableDefaultRootCA = "ROBOTRACONTEUR_TLS_DISABLE_DEFAULT_ROOT_CA"
	EnvReuseAddress         = "ROBOTRACONTEUR_TCP_REUSEADDR"
	EnvNodeCertificate      = "ROBOTRACONTEUR_NODE_CERTIFICATE"
)

// DefaultWebSocketOrigins are accepted for inbound WebSocket connections unless configured otherwise.
var DefaultWebSocketOrigins = []string{
	"file://",
	"chrome-extension://",
	"http://robotraconteur.com",
	"http://robotraconteur.com:80",
	"http://*.robotraconteur.com",
	"http://*.robotraconteur.com:80",
	"https://robotraconteur.com",
	"https://robotraconteur.com:443",
	"https://*.robotraconteur.com",
	"https://*.robotraconteur.com:443",
}

// Config of a Transport.
type Config struct {
	// ConnectTimeout is the shared deadline of all racing connection attempts.
	ConnectTimeout time.Duration
	// ConnectStagger delays the launch of each subsequent connection attempt.
	ConnectStagger time.Duration
	// HandshakeTimeout bounds the STARTTLS exchange and the CreateConnection reply.
	HandshakeTimeout time.Duration
	// SniffTimeout bounds the arrival of an inbound connection's first four bytes.
	SniffTimeout time.Duration

	// HeartbeatPeriod after which an idle connection sends a heartbeat.
	HeartbeatPeriod time.Duration
	// ReceiveTimeout after which a silent connection is closed.
	ReceiveTimeout time.Duration

	MaxMessageSize uint32

	// MaxConnectionCount pauses accepting connections while exceeded; zero disables this limit.
	MaxConnectionCount int

	// RequireTLS refuses inbound connections without STARTTLS.
	RequireTLS bool

	AcceptWebSockets        bool
	AllowedWebSocketOrigins []string

	AllowReservedPort bool
	ReuseAddress      bool

	// NodeCertificate is a PKCS#12 (.p12, .pfx) or PEM file containing this node's certificate and key.
	NodeCertificate         string
	NodeCertificatePassword string

	CAFile               string
	CADir                string
	DisableDefaultRootCA bool

	Discovery discovery.Config
}

// DefaultConfig for a Transport.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5000 * time.Millisecond,
		ConnectStagger:   5 * time.Millisecond,
		HandshakeTimeout: 5 * time.Second,
		SniffTimeout:     5 * time.Second,

		HeartbeatPeriod: 5 * time.Second,
		ReceiveTimeout:  15 * time.Second,

		MaxMessageSize: message.DefaultMaxSize,

		AcceptWebSockets:        true,
		AllowedWebSocketOrigins: append([]string(nil), DefaultWebSocketOrigins...),

		Discovery: discovery.DefaultConfig(),
	}
}

// ApplyEnvironment overrides the TLS and socket settings from the environment variables.
func (conf *Config) ApplyEnvironment() {
	if v, ok := os.LookupEnv(EnvCAFile); ok {
		conf.CAFile = v
	}
	if v, ok := os.LookupEnv(EnvCADir); ok {
		conf.CADir = v
	}
	if v, ok := os.LookupEnv(EnvNodeCertificate); ok {
		conf.NodeCertificate = v
	}

	bools := []struct {
		env   string
		field *bool
	}{
		{EnvDisableDefaultRootCA, &conf.DisableDefaultRootCA},
		{EnvReuseAddress, &conf.ReuseAddress},
	}
	for _, b := range bools {
		v, ok := os.LookupEnv(b.env)
		if !ok {
			continue
		}
		if parsed, err := strconv.ParseBool(v); err != nil {
			log.WithFields(log.Fields{
				"variable": b.env,
				"value":    v,
			}).Warn("Ignoring malformed boolean environment variable")
		} else {
			*b.field = parsed
		}
	}
}

// Validate checks all values and reports every violation as an InvalidArgument error.
func (conf Config) Validate() error {
	var errs error

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"ConnectTimeout", conf.ConnectTimeout},
		{"HandshakeTimeout", conf.HandshakeTimeout},
		{"SniffTimeout", conf.SniffTimeout},
		{"HeartbeatPeriod", conf.HeartbeatPeriod},
		{"ReceiveTimeout", conf.ReceiveTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive, not %v", d.name, d.value))
		}
	}
	if conf.ConnectStagger < 0 {
		errs = multierror.Append(errs, fmt.Errorf("ConnectStagger must not be negative"))
	}

	if conf.MaxMessageSize < minMessageSize || conf.MaxMessageSize > maxMessageSize {
		errs = multierror.Append(errs, fmt.Errorf("MaxMessageSize %d is out of range [%d, %d]",
			conf.MaxMessageSize, minMessageSize, maxMessageSize))
	}
	if conf.MaxConnectionCount < 0 {
		errs = multierror.Append(errs, fmt.Errorf("MaxConnectionCount must not be negative"))
	}

	for _, origin := range conf.AllowedWebSocketOrigins {
		if err := ValidateOrigin(origin); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if err := conf.Discovery.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if errs != nil {
		return rrerr.Wrap(rrerr.InvalidArgument, errs, "")
	}
	return nil
}
