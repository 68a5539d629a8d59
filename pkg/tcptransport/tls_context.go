// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
	"github.com/rrtcp/rrtcp-go/pkg/rrerr"
	"github.com/rrtcp/rrtcp-go/pkg/tcptransport/internal/nodecert"
)

// tlsContext holds the node certificate and the trusted roots. Both are loaded lazily and shared by all connections.
type tlsContext struct {
	conf *Config

	mu    sync.Mutex
	roots *x509.CertPool
	cert  *tls.Certificate
}

func newTLSContext(conf *Config) *tlsContext {
	return &tlsContext{conf: conf}
}

// rootPool returns the trusted roots, loading them on first use.
func (tc *tlsContext) rootPool() (*x509.CertPool, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.roots != nil {
		return tc.roots, nil
	}

	var pool *x509.CertPool
	if tc.conf.DisableDefaultRootCA {
		pool = x509.NewCertPool()
	} else if sysPool, err := x509.SystemCertPool(); err != nil {
		log.WithError(err).Warn("Failed to load the system's root certificates")
		pool = x509.NewCertPool()
	} else {
		pool = sysPool
	}

	if err := nodecert.LoadRoots(pool, tc.conf.CAFile, tc.conf.CADir); err != nil {
		return nil, rrerr.Wrap(rrerr.SystemResource, err, "loading root certificates failed")
	}

	tc.roots = pool
	return pool, nil
}

// setRoots replaces the trusted roots.
func (tc *tlsContext) setRoots(pool *x509.CertPool) {
	tc.mu.Lock()
	tc.roots = pool
	tc.mu.Unlock()
}

// load the node certificate from a file. It must have been issued for the expected NodeID.
func (tc *tlsContext) load(file, password string, expected nodeid.NodeID) error {
	cert, err := nodecert.Load(file, password)
	if err != nil {
		return rrerr.Wrap(rrerr.SystemResource, err, fmt.Sprintf("loading node certificate %s failed", file))
	}
	return tc.setCertificate(cert, expected)
}

func (tc *tlsContext) setCertificate(cert tls.Certificate, expected nodeid.NodeID) error {
	id, err := nodecert.NodeID(cert.Leaf)
	if err != nil {
		return rrerr.Wrap(rrerr.InvalidArgument, err, "")
	}
	if id != expected {
		return rrerr.New(rrerr.InvalidArgument,
			fmt.Sprintf("node certificate was issued for %v, not for %v", id, expected))
	}

	tc.mu.Lock()
	tc.cert = &cert
	tc.mu.Unlock()
	return nil
}

func (tc *tlsContext) certificate() *tls.Certificate {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.cert
}

func (tc *tlsContext) isLoaded() bool {
	return tc.certificate() != nil
}

func (tc *tlsContext) verifier() (func([][]byte, [][]*x509.Certificate) error, error) {
	roots, err := tc.rootPool()
	if err != nil {
		return nil, err
	}
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		_, err := nodecert.VerifyChain(rawCerts, roots)
		return err
	}, nil
}

// clientConfig for a STARTTLS client. Chains are checked against the node certificate profile instead of a host name;
// the remote NodeID is checked after the handshake.
func (tc *tlsContext) clientConfig(mutual bool) (*tls.Config, error) {
	verify, err := tc.verifier()
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:            tls.VersionTLS12,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verify,
	}

	if mutual {
		cert := tc.certificate()
		if cert == nil {
			return nil, rrerr.New(rrerr.Authentication, "mutual authentication requires a node certificate")
		}
		cfg.Certificates = []tls.Certificate{*cert}
	}
	return cfg, nil
}

// serverConfig for a STARTTLS server. A client certificate is only demanded for mutual authentication.
func (tc *tlsContext) serverConfig(mutual bool) (*tls.Config, error) {
	cert := tc.certificate()
	if cert == nil {
		return nil, rrerr.New(rrerr.Connection, "no node certificate loaded")
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{*cert},
	}

	if mutual {
		verify, err := tc.verifier()
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAnyClientCert
		cfg.VerifyPeerCertificate = verify
	}
	return cfg, nil
}

// webSocketConfig for the transport TLS of a wss URL, verified against the host name.
func (tc *tlsContext) webSocketConfig(host string) (*tls.Config, error) {
	roots, err := tc.rootPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    roots,
		ServerName: host,
	}, nil
}

// verifyPeerIdentity checks that the peer's certificate was issued for the expected NodeID.
func verifyPeerIdentity(state tls.ConnectionState, expected nodeid.NodeID) error {
	if len(state.PeerCertificates) == 0 {
		return rrerr.New(rrerr.Authentication, "peer presented no certificate")
	}

	cn := state.PeerCertificates[0].Subject.CommonName
	if cn != nodecert.SubjectForNode(expected) {
		return rrerr.New(rrerr.Authentication,
			fmt.Sprintf("certificate %q does not belong to node %v", cn, expected))
	}
	return nil
}
