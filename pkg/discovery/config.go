// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces this node and detects other nodes through UDP broadcast and multicast packets.
//
// Announce packets carry a node's NodeID, its name and one connectable URL. Discovery request packets solicit
// announces of all listening nodes.
package discovery

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

// DefaultPort is the well-known UDP port of discovery packets.
const DefaultPort = 48653

// IPv6 multicast groups for the different scopes.
var (
	GroupNodeLocal = netip.MustParseAddr("ff01::ba86")
	GroupLinkLocal = netip.MustParseAddr("ff02::ba86")
	GroupSiteLocal = netip.MustParseAddr("ff05::ba86")
)

// Flags select the depths discovery packets are sent to and received from.
type Flags uint8

const (
	NodeLocal Flags = 1 << iota
	LinkLocal
	SiteLocal
	IPv4Broadcast

	// AllFlags is the default for both listening and announcing.
	AllFlags = NodeLocal | LinkLocal | SiteLocal | IPv4Broadcast
)

func (f Flags) String() string {
	var names []string
	for _, flag := range []struct {
		flag Flags
		name string
	}{
		{NodeLocal, "node-local"},
		{LinkLocal, "link-local"},
		{SiteLocal, "site-local"},
		{IPv4Broadcast, "ipv4-broadcast"},
	} {
		if f&flag.flag != 0 {
			names = append(names, flag.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseFlags parses a list of flag names as printed by Flags.String.
func ParseFlags(names []string) (f Flags, err error) {
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "node-local":
			f |= NodeLocal
		case "link-local":
			f |= LinkLocal
		case "site-local":
			f |= SiteLocal
		case "ipv4-broadcast":
			f |= IPv4Broadcast
		default:
			return 0, rrerr.New(rrerr.InvalidArgument, fmt.Sprintf("unknown discovery flag %q", name))
		}
	}
	return
}

// groups for the IPv6 flags.
func (f Flags) groups() []netip.Addr {
	var groups []netip.Addr
	if f&NodeLocal != 0 {
		groups = append(groups, GroupNodeLocal)
	}
	if f&LinkLocal != 0 {
		groups = append(groups, GroupLinkLocal)
	}
	if f&SiteLocal != 0 {
		groups = append(groups, GroupSiteLocal)
	}
	return groups
}

// Config of an Engine.
type Config struct {
	Port int

	ListenFlags   Flags
	AnnounceFlags Flags

	// AnnouncePeriod between two announce rounds while broadcasting.
	AnnouncePeriod time.Duration
	// AnnounceDebounce is the minimum spacing of announces triggered by requests.
	AnnounceDebounce time.Duration
	// SweepPeriod between two checks for new IPv6 scope ids.
	SweepPeriod time.Duration

	// RequestBurst is the number of request packets sent in one burst.
	RequestBurst      int
	RequestSpacingMin time.Duration
	RequestSpacingMax time.Duration
	// RearmWindow re-arms a request burst if another node's request was received within it.
	RearmWindow time.Duration

	// NodeInfoTTL after which a discovered node's URL expires.
	NodeInfoTTL time.Duration

	// MulticastCarrier additionally sends announces through an IPv4 multicast group.
	MulticastCarrier bool
	CarrierAddress   string
	CarrierPort      int
}

// DefaultConfig for an Engine.
func DefaultConfig() Config {
	return Config{
		Port: DefaultPort,

		ListenFlags:   AllFlags,
		AnnounceFlags: AllFlags,

		AnnouncePeriod:   55 * time.Second,
		AnnounceDebounce: 500 * time.Millisecond,
		SweepPeriod:      5 * time.Second,

		RequestBurst:      3,
		RequestSpacingMin: 900 * time.Millisecond,
		RequestSpacingMax: 1500 * time.Millisecond,
		RearmWindow:       1000 * time.Millisecond,

		NodeInfoTTL: 60 * time.Second,

		CarrierAddress: "239.255.186.134",
		CarrierPort:    DefaultPort + 1,
	}
}

// Validate checks all values and reports every violation as an InvalidArgument error.
func (conf Config) Validate() error {
	var errs error

	if conf.Port <= 0 || conf.Port > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("discovery port %d is out of range", conf.Port))
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"AnnouncePeriod", conf.AnnouncePeriod},
		{"SweepPeriod", conf.SweepPeriod},
		{"RequestSpacingMin", conf.RequestSpacingMin},
		{"NodeInfoTTL", conf.NodeInfoTTL},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s must be positive, not %v", d.name, d.value))
		}
	}
	if conf.AnnounceDebounce < 0 || conf.RearmWindow < 0 {
		errs = multierror.Append(errs, fmt.Errorf("AnnounceDebounce and RearmWindow must not be negative"))
	}
	if conf.RequestSpacingMax < conf.RequestSpacingMin {
		errs = multierror.Append(errs, fmt.Errorf("RequestSpacingMax %v is below RequestSpacingMin %v",
			conf.RequestSpacingMax, conf.RequestSpacingMin))
	}
	if conf.RequestBurst <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("RequestBurst must be positive"))
	}

	if conf.MulticastCarrier {
		if addr, err := netip.ParseAddr(conf.CarrierAddress); err != nil || !addr.Is4() || !addr.IsMulticast() {
			errs = multierror.Append(errs, fmt.Errorf("carrier address %q is no IPv4 multicast address", conf.CarrierAddress))
		}
		if conf.CarrierPort <= 0 || conf.CarrierPort > 65535 {
			errs = multierror.Append(errs, fmt.Errorf("carrier port %d is out of range", conf.CarrierPort))
		}
	}

	if errs != nil {
		return rrerr.Wrap(rrerr.InvalidArgument, errs, "")
	}
	return nil
}
