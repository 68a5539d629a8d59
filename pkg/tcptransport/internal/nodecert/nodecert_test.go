// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nodecert

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
)

func TestIssueAndVerify(t *testing.T) {
	ca, err := NewAuthority("Test Root")
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyProfile(ca.Cert, Root); err != nil {
		t.Fatal(err)
	}

	id := nodeid.New()
	cert, err := ca.Issue(id)
	if err != nil {
		t.Fatal(err)
	}

	leaf, err := VerifyChain(cert.Certificate, ca.Pool())
	if err != nil {
		t.Fatal(err)
	}
	if got, err := NodeID(leaf); err != nil {
		t.Fatal(err)
	} else if got != id {
		t.Fatalf("NodeID %v != %v", got, id)
	}
}

func TestVerifyChainRejects(t *testing.T) {
	ca, err := NewAuthority("Test Root")
	if err != nil {
		t.Fatal(err)
	}
	otherCa, err := NewAuthority("Other Root")
	if err != nil {
		t.Fatal(err)
	}

	foreign, err := otherCa.Issue(nodeid.New())
	if err != nil {
		t.Fatal(err)
	}
	badName, err := ca.IssueWithName("www.example.com")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		certs [][]byte
	}{
		{"untrusted issuer", foreign.Certificate},
		{"no node subject", badName.Certificate},
		{"empty", nil},
		{"garbage", [][]byte{{0x30, 0x00}}},
	}

	for _, test := range tests {
		if _, err := VerifyChain(test.certs, ca.Pool()); err == nil {
			t.Fatalf("%s: expected an error", test.name)
		}
	}
}

func TestVerifyProfileLevels(t *testing.T) {
	ca, err := NewAuthority("Test Root")
	if err != nil {
		t.Fatal(err)
	}
	cert, err := ca.Issue(nodeid.New())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		cert  *x509.Certificate
		level TrustLevel
		valid bool
	}{
		{ca.Cert, Root, true},
		{ca.Cert, Intermediate, false},
		{ca.Cert, Node, false},
		{cert.Leaf, Node, true},
		{cert.Leaf, Root, false},
	}

	for i, test := range tests {
		if err := VerifyProfile(test.cert, test.level); (err == nil) != test.valid {
			t.Fatalf("test %d: expected valid=%t for %v, got %v", i, test.valid, test.level, err)
		}
	}
}

func TestLoadPEM(t *testing.T) {
	ca, err := NewAuthority("Test Root")
	if err != nil {
		t.Fatal(err)
	}
	id := nodeid.New()
	cert, err := ca.Issue(id)
	if err != nil {
		t.Fatal(err)
	}

	data, err := EncodePEM(cert)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "node.pem")
	if err := os.WriteFile(certFile, data, 0600); err != nil {
		t.Fatal(err)
	}
	caFile := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caFile, ca.PEM(), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(certFile, "")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := NodeID(loaded.Leaf); got != id {
		t.Fatalf("loaded certificate of %v instead of %v", got, id)
	}

	pool := x509.NewCertPool()
	if err := LoadRoots(pool, caFile, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyChain(loaded.Certificate, pool); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(filepath.Join(dir, "missing.p12"), ""); err == nil {
		t.Fatal("loading a missing file succeeded")
	}
}
