// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package nodecert

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
)

// Authority issues node certificates following the profile. It is used to set up test and lab deployments.
type Authority struct {
	Cert *x509.Certificate
	key  crypto.Signer
}

func policies(oid asn1.ObjectIdentifier) ([]asn1.ObjectIdentifier, []x509.OID, error) {
	ints := make([]uint64, len(oid))
	for i, n := range oid {
		ints[i] = uint64(n)
	}
	xoid, err := x509.OIDFromInts(ints)
	if err != nil {
		return nil, nil, err
	}
	return []asn1.ObjectIdentifier{oid}, []x509.OID{xoid}, nil
}

func serialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
}

// NewAuthority creates a self-signed root CA.
func NewAuthority(name string) (*Authority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	policyIds, policyOids, err := policies(OIDRootCA)
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		PolicyIdentifiers:     policyIds,
		Policies:              policyOids,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	return &Authority{Cert: cert, key: key}, nil
}

// Issue a node certificate whose common name names the NodeID.
func (ca *Authority) Issue(id nodeid.NodeID) (tls.Certificate, error) {
	return ca.IssueWithName(SubjectForNode(id))
}

// IssueWithName issues a node certificate with an arbitrary common name.
func (ca *Authority) IssueWithName(commonName string) (cert tls.Certificate, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return
	}
	serial, err := serialNumber()
	if err != nil {
		return
	}
	policyIds, policyOids, err := policies(OIDNode)
	if err != nil {
		return
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		PolicyIdentifiers:     policyIds,
		Policies:              policyOids,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Cert, &key.PublicKey, ca.key)
	if err != nil {
		return
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return
	}

	cert = tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return
}

// Pool containing the Authority's root certificate.
func (ca *Authority) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// PEM encoding of the Authority's root certificate.
func (ca *Authority) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
}

// EncodePEM encodes a certificate chain and its ECDSA key as a combined PEM file, as read by Load.
func EncodePEM(cert tls.Certificate) ([]byte, error) {
	var data []byte
	for _, der := range cert.Certificate {
		data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}

	keyDer, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return nil, err
	}
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDer})...)
	return data, nil
}
