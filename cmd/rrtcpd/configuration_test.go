// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/discovery"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
)

func TestParseExampleConfiguration(t *testing.T) {
	d, err := parseDaemon("configuration.toml")
	if err != nil {
		t.Fatal(err)
	}

	if d.id != nodeid.MustParse("9c6c0b52-5a43-4b6d-a1c7-8c4f1e0d7a11") || d.name != "example.node" {
		t.Fatalf("node is %v %q", d.id, d.name)
	}
	if d.port != 2354 || !d.listen || !d.announce || !d.request {
		t.Fatalf("unexpected daemon %+v", d)
	}
	if d.conf.Discovery.AnnounceFlags != discovery.NodeLocal|discovery.LinkLocal|discovery.IPv4Broadcast {
		t.Fatalf("announce flags are %v", d.conf.Discovery.AnnounceFlags)
	}
	if d.conf.Discovery.AnnouncePeriod != 55*time.Second || d.conf.ReceiveTimeout != 15*time.Second {
		t.Fatal("durations were not parsed")
	}
	if len(d.peers) != 1 || len(d.peers[0]) != 1 {
		t.Fatalf("peers are %v", d.peers)
	}
}

func TestParseInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		conf string
	}{
		{"node id", "[core]\nnode-id = \"nope\"\n"},
		{"node name", "[core]\nnode-name = \"1abc\"\n"},
		{"duration", "[transport]\nconnect-timeout = \"soon\"\n"},
		{"flags", "[discovery]\nlisten-flags = [\"global\"]\n"},
		{"port", "[transport]\nport = -2\n"},
		{"syntax", "[core\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "rrtcpd.toml")
			if err := os.WriteFile(file, []byte(test.conf), 0o600); err != nil {
				t.Fatal(err)
			}

			if _, err := parseDaemon(file); err == nil {
				t.Fatal("invalid configuration was accepted")
			}
		})
	}
}

func TestParseMinimalConfiguration(t *testing.T) {
	file := filepath.Join(t.TempDir(), "rrtcpd.toml")
	if err := os.WriteFile(file, []byte("[transport]\nwebsockets = false\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := parseDaemon(file)
	if err != nil {
		t.Fatal(err)
	}
	if d.id.IsAny() {
		t.Fatal("no NodeID was generated")
	}
	if d.conf.AcceptWebSockets {
		t.Fatal("WebSockets were not disabled")
	}
	if d.conf.Discovery.ListenFlags != discovery.AllFlags {
		t.Fatalf("listen flags are %v", d.conf.Discovery.ListenFlags)
	}
}
