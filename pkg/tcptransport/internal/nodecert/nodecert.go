// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package nodecert loads node certificates and verifies certificates against the node certificate profile.
//
// A node certificate's subject common name is "Robot Raconteur Node " followed by the braced NodeID. Node
// certificates and their issuing intermediates carry the matching certificate policy OID.
package nodecert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
)

// SubjectPrefix of a node certificate's common name.
const SubjectPrefix = "Robot Raconteur Node "

// Certificate policy OIDs of the certificate profile.
var (
	OIDRootCA = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 45455, 1, 1, 3, 1}
	OIDNodeCA = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 45455, 1, 1, 3, 2}
	OIDNode   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 45455, 1, 1, 3, 3}
)

// TrustLevel of a certificate within a chain.
type TrustLevel int

const (
	Root TrustLevel = iota
	Intermediate
	Node
)

func (l TrustLevel) String() string {
	switch l {
	case Root:
		return "root"
	case Intermediate:
		return "intermediate"
	case Node:
		return "node"
	default:
		return fmt.Sprintf("TrustLevel(%d)", int(l))
	}
}

func (l TrustLevel) policy() asn1.ObjectIdentifier {
	switch l {
	case Root:
		return OIDRootCA
	case Intermediate:
		return OIDNodeCA
	default:
		return OIDNode
	}
}

// SubjectForNode is the common name of the NodeID's certificate.
func SubjectForNode(id nodeid.NodeID) string {
	return SubjectPrefix + id.String()
}

// NodeID extracts the NodeID of a node certificate's common name.
func NodeID(cert *x509.Certificate) (nodeid.NodeID, error) {
	cn := cert.Subject.CommonName
	if !strings.HasPrefix(cn, SubjectPrefix) {
		return nodeid.Any, fmt.Errorf("common name %q is not a node certificate's", cn)
	}
	return nodeid.Parse(strings.TrimPrefix(cn, SubjectPrefix))
}

func hasPolicy(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, p := range cert.PolicyIdentifiers {
		if p.Equal(oid) {
			return true
		}
	}
	return false
}

// VerifyProfile checks a parsed certificate against the profile of the given TrustLevel. This neither checks the
// signature nor the chain, which is left to crypto/x509.
func VerifyProfile(cert *x509.Certificate, level TrustLevel) error {
	if !hasPolicy(cert, level.policy()) {
		return fmt.Errorf("certificate %q lacks the %v policy %v", cert.Subject.CommonName, level, level.policy())
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("certificate %q is not valid at %v", cert.Subject.CommonName, now)
	}

	switch level {
	case Root, Intermediate:
		if !cert.IsCA {
			return fmt.Errorf("%v certificate %q is no CA", level, cert.Subject.CommonName)
		}

	case Node:
		if cert.IsCA {
			return fmt.Errorf("node certificate %q must not be a CA", cert.Subject.CommonName)
		}
		if _, err := NodeID(cert); err != nil {
			return err
		}
	}

	return nil
}

// VerifyChain verifies a peer's certificate chain, as presented during a TLS handshake, against the roots and the
// node certificate profile. The verified leaf is returned.
func VerifyChain(rawCerts [][]byte, roots *x509.CertPool) (*x509.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, errors.New("no certificate presented")
	}

	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate %d failed: %w", i, err)
		}
		certs[i] = cert
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	chains, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, err
	}

	if err := VerifyProfile(certs[0], Node); err != nil {
		return nil, err
	}
	if chain := chains[0]; len(chain) > 2 {
		for _, cert := range chain[1 : len(chain)-1] {
			if err := VerifyProfile(cert, Intermediate); err != nil {
				return nil, err
			}
		}
	}

	return certs[0], nil
}

// Load a node certificate with its private key. Files ending in .p12 or .pfx are read as PKCS#12, everything else
// as PEM containing both the certificate chain and the key.
func Load(file, password string) (cert tls.Certificate, err error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return
	}

	switch strings.ToLower(filepath.Ext(file)) {
	case ".p12", ".pfx":
		var blocks []*pem.Block
		if blocks, err = pkcs12.ToPEM(data, password); err != nil {
			return
		}

		var pemData []byte
		for _, b := range blocks {
			pemData = append(pemData, pem.EncodeToMemory(b)...)
		}
		cert, err = tls.X509KeyPair(pemData, pemData)

	default:
		cert, err = tls.X509KeyPair(data, data)
	}
	if err != nil {
		return
	}

	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return
		}
	}
	err = VerifyProfile(cert.Leaf, Node)
	return
}

// LoadRoots reads PEM certificates from a file and all files of a directory into the pool.
func LoadRoots(pool *x509.CertPool, file, dir string) error {
	var files []string
	if file != "" {
		files = append(files, file)
	}
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				files = append(files, filepath.Join(dir, e.Name()))
			}
		}
	}

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if !pool.AppendCertsFromPEM(data) {
			return fmt.Errorf("no PEM certificate found in %s", f)
		}
	}
	return nil
}
