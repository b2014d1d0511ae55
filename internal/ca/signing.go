// Copyright (C) 2026 TAK.NZ
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"time"
)

const (
	// leafValidity is the fixed lifetime of every signed leaf certificate.
	leafValidity = 365 * 24 * time.Hour
	// caValidity keeps the root alive well past any leaf it signs.
	caValidity = 2 * leafValidity
)

// ErrMalformedCSR is wrapped into errors returned for request bodies that
// cannot be parsed as a certificate signing request in any supported
// encoding.
var ErrMalformedCSR = errors.New("malformed CSR")

// ParseCSR decodes raw CSR bytes. Enrolling clients are not consistent about
// encoding: openssl-driven flows send PEM, ATAK-style clients send either
// raw DER or base64-wrapped DER. All three are accepted.
func ParseCSR(raw []byte) (*x509.CertificateRequest, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty request body: %w", ErrMalformedCSR)
	}

	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	} else if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw))); err == nil {
		der = decoded
	}

	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSR: %v: %w", err, ErrMalformedCSR)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("invalid CSR signature: %v: %w", err, ErrMalformedCSR)
	}
	return csr, nil
}

// SignCSR signs raw CSR bytes into a leaf certificate PEM. The returned
// slice contains exactly one CERTIFICATE block: the leaf itself, never the
// root. Callers own the result; the CA keeps nothing beyond the transient
// artifacts it writes for the duration of the call.
func (c *CA) SignCSR(raw []byte) ([]byte, error) {
	csr, err := ParseCSR(raw)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.CACert == nil || c.CAKey == nil {
		return nil, fmt.Errorf("CA has not been bootstrapped")
	}

	subject := csr.Subject.CommonName
	slog.Debug("Signing certificate", "subject", subject)

	// Reject CSRs that request CA capabilities (BasicConstraints: CA:TRUE).
	oidBasicConstraints := asn1.ObjectIdentifier{2, 5, 29, 19}
	for _, ext := range csr.Extensions {
		if ext.Id.Equal(oidBasicConstraints) {
			var bc struct {
				IsCA bool `asn1:"optional"`
			}
			if _, err := asn1.Unmarshal(ext.Value, &bc); err == nil && bc.IsCA {
				return nil, fmt.Errorf("CSR for %s requests CA capabilities", subject)
			}
		}
	}

	// Per-signing artifacts are kept on disk while the call is in flight so
	// a failed handshake flow can be inspected, then removed.
	csrPath, err := c.Storage.SaveTransient("csr", ".pem", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to stage CSR for %s: %w", subject, err)
	}
	defer func() {
		if err := c.Storage.RemoveTransient(csrPath); err != nil {
			slog.Warn("Could not remove transient CSR", "subject", subject, "error", err)
		}
	}()

	template, err := c.leafTemplate(csr.Subject, csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to build template for %s: %w", subject, err)
	}
	template.DNSNames = csr.DNSNames

	certBytes, err := x509.CreateCertificate(rand.Reader, template, c.CACert, csr.PublicKey, c.CAKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate for %s: %w", subject, err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})

	certPath, err := c.Storage.SaveTransient("leaf", ".pem", certPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to stage cert for %s: %w", subject, err)
	}
	defer func() {
		if err := c.Storage.RemoveTransient(certPath); err != nil {
			slog.Warn("Could not remove transient cert", "subject", subject, "error", err)
		}
	}()

	slog.Info("Certificate signed", "subject", subject, "serial", template.SerialNumber.Text(16))
	return certPEM, nil
}

// IssueCert generates a fresh RSA key pair and a CA-signed leaf for cn,
// without a client-submitted CSR. The listeners use it for their own server
// certificates and tests use it for client identities.
func (c *CA) IssueCert(cn string, dnsNames []string, ips []net.IP) (certPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key for %s: %w", cn, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.CACert == nil || c.CAKey == nil {
		return nil, nil, fmt.Errorf("CA has not been bootstrapped")
	}

	template, err := c.leafTemplate(pkix.Name{CommonName: cn}, &key.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build template for %s: %w", cn, err)
	}
	template.DNSNames = dnsNames
	template.IPAddresses = ips

	certBytes, err := x509.CreateCertificate(rand.Reader, template, c.CACert, &key.PublicKey, c.CAKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign certificate for %s: %w", cn, err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certBytes})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

// leafTemplate builds the shared leaf certificate template: random serial,
// SHA-256 signature, 365-day validity capped to the root's remaining
// lifetime, and both server- and client-auth usages so one leaf can serve
// either side of a handshake.
// c.mu must be held by the caller.
func (c *CA) leafTemplate(subject pkix.Name, pub any) (*x509.Certificate, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	// SubjectKeyIdentifier: SHA1 of the SubjectPublicKeyInfo DER (RFC 5280 §4.2.1.2).
	pubKeyDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	subjectKeyID := sha1.Sum(pubKeyDER)

	now := time.Now().UTC()

	// A leaf must never outlive the root that signed it.
	validity := leafValidity
	caRemaining := time.Until(c.CACert.NotAfter)
	if caRemaining <= 0 {
		return nil, fmt.Errorf("CA certificate has expired")
	}
	if validity > caRemaining {
		validity = caRemaining
	}

	return &x509.Certificate{
		SerialNumber:       serialNumber,
		Subject:            subject,
		NotBefore:          now.Add(-24 * time.Hour),
		NotAfter:           now.Add(validity),
		SignatureAlgorithm: x509.SHA256WithRSA,

		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},

		BasicConstraintsValid: true,
		IsCA:                  false,

		SubjectKeyId:   subjectKeyID[:],
		AuthorityKeyId: c.CACert.SubjectKeyId,
	}, nil
}
