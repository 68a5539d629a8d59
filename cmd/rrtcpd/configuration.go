// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/discovery"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/tcptransport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Core      coreConf
	Logging   logConf
	Transport transportConf
	Discovery discoveryConf
	Status    statusConf
	Peer      []peerConf
}

// coreConf describes the Core-configuration block.
type coreConf struct {
	NodeId   string `toml:"node-id"`
	NodeName string `toml:"node-name"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// transportConf describes the Transport-configuration block.
type transportConf struct {
	Port               int
	MaxConnectionCount int    `toml:"max-connection-count"`
	RequireTLS         bool   `toml:"require-tls"`
	WebSockets         *bool  `toml:"websockets"`
	Origins            []string
	ReuseAddress       bool   `toml:"reuse-address"`
	ConnectTimeout     string `toml:"connect-timeout"`
	HeartbeatPeriod    string `toml:"heartbeat-period"`
	ReceiveTimeout     string `toml:"receive-timeout"`
	Certificate        string
	CertificatePass    string `toml:"certificate-password"`
	WatchCertificate   bool   `toml:"watch-certificate"`
	CAFile             string `toml:"ca-file"`
	CADir              string `toml:"ca-dir"`
	DisableDefaultRoot bool   `toml:"disable-default-root-ca"`
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	Listen           bool
	Announce         bool
	Port             int
	ListenFlags      []string `toml:"listen-flags"`
	AnnounceFlags    []string `toml:"announce-flags"`
	Interval         string
	Request          bool
	Store            string
	MulticastCarrier bool `toml:"multicast-carrier"`
}

// statusConf describes the status REST API.
type statusConf struct {
	Listen string
}

// peerConf describes a static peer, given by one or more candidate URLs.
type peerConf struct {
	URLs []string
}

// configureLogging like the configuration's logging block demands.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// parseDuration of an optional configuration value.
func parseDuration(name, value string, target *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*target = d
	return nil
}

// transportConfig merges the transport and discovery blocks into a tcptransport.Config.
func transportConfig(conf tomlConfig) (tc tcptransport.Config, err error) {
	tc = tcptransport.DefaultConfig()

	t := conf.Transport
	tc.MaxConnectionCount = t.MaxConnectionCount
	tc.RequireTLS = t.RequireTLS
	if t.WebSockets != nil {
		tc.AcceptWebSockets = *t.WebSockets
	}
	if len(t.Origins) > 0 {
		tc.AllowedWebSocketOrigins = t.Origins
	}
	tc.ReuseAddress = t.ReuseAddress
	tc.NodeCertificate = t.Certificate
	tc.NodeCertificatePassword = t.CertificatePass
	tc.CAFile = t.CAFile
	tc.CADir = t.CADir
	tc.DisableDefaultRootCA = t.DisableDefaultRoot

	if err = parseDuration("transport.connect-timeout", t.ConnectTimeout, &tc.ConnectTimeout); err != nil {
		return
	}
	if err = parseDuration("transport.heartbeat-period", t.HeartbeatPeriod, &tc.HeartbeatPeriod); err != nil {
		return
	}
	if err = parseDuration("transport.receive-timeout", t.ReceiveTimeout, &tc.ReceiveTimeout); err != nil {
		return
	}

	d := conf.Discovery
	if d.Port != 0 {
		tc.Discovery.Port = d.Port
	}
	if len(d.ListenFlags) > 0 {
		if tc.Discovery.ListenFlags, err = discovery.ParseFlags(d.ListenFlags); err != nil {
			return
		}
	}
	if len(d.AnnounceFlags) > 0 {
		if tc.Discovery.AnnounceFlags, err = discovery.ParseFlags(d.AnnounceFlags); err != nil {
			return
		}
	}
	if err = parseDuration("discovery.interval", d.Interval, &tc.Discovery.AnnouncePeriod); err != nil {
		return
	}
	tc.Discovery.MulticastCarrier = d.MulticastCarrier

	tc.ApplyEnvironment()
	err = tc.Validate()
	return
}

// parseDaemon creates the daemon based on the given TOML configuration.
func parseDaemon(filename string) (d *daemon, err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)

	id := nodeid.New()
	if conf.Core.NodeId != "" {
		if id, err = nodeid.Parse(conf.Core.NodeId); err != nil {
			return
		}
	}
	if !nodeid.ValidName(conf.Core.NodeName) {
		err = fmt.Errorf("core.node-name %q is invalid", conf.Core.NodeName)
		return
	}

	if conf.Transport.Port < 0 {
		err = fmt.Errorf("transport.port %d is invalid", conf.Transport.Port)
		return
	}

	tc, err := transportConfig(conf)
	if err != nil {
		return
	}

	var peers [][]string
	for i, peer := range conf.Peer {
		if len(peer.URLs) == 0 {
			log.WithField("peer", i).Warn("Skipping peer without URLs")
			continue
		}
		peers = append(peers, peer.URLs)
	}

	log.WithFields(log.Fields{
		"node": id,
		"name": conf.Core.NodeName,
	}).Debug("Parsed configuration")

	d = &daemon{
		id:        id,
		name:      conf.Core.NodeName,
		conf:      tc,
		port:      conf.Transport.Port,
		watchCert: conf.Transport.WatchCertificate && tc.NodeCertificate != "",
		listen:    conf.Discovery.Listen,
		announce:  conf.Discovery.Announce,
		request:   conf.Discovery.Request,
		storeDir:  conf.Discovery.Store,
		status:    conf.Status.Listen,
		peers:     peers,
	}
	return
}
