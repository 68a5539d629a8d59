// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"testing"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 70000 }},
		{"period", func(c *Config) { c.AnnouncePeriod = 0 }},
		{"spacing", func(c *Config) { c.RequestSpacingMax = c.RequestSpacingMin - time.Millisecond }},
		{"burst", func(c *Config) { c.RequestBurst = 0 }},
		{"carrier", func(c *Config) { c.MulticastCarrier = true; c.CarrierAddress = "10.0.0.1" }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			conf := DefaultConfig()
			test.modify(&conf)
			if err := conf.Validate(); !rrerr.IsKind(err, rrerr.InvalidArgument) {
				t.Fatalf("expected an invalid argument error, got %v", err)
			}
		})
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{"link-local", "IPv4-Broadcast"})
	if err != nil {
		t.Fatal(err)
	}
	if f != LinkLocal|IPv4Broadcast {
		t.Fatalf("parsed %v", f)
	}
	if f.String() != "link-local|ipv4-broadcast" {
		t.Fatalf("flags print as %s", f)
	}

	if _, err := ParseFlags([]string{"global"}); err == nil {
		t.Fatal("unknown flag was accepted")
	}
}
