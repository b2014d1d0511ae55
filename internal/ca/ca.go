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

// Package ca implements the mock server's ephemeral certificate authority.
// One root pair exists per instance: it is generated during construction,
// never rotated, and discarded with the instance. The same root anchors
// client-certificate verification on both mutual-TLS listeners, so every
// certificate the CA signs is trusted by the instance that signed it.
package ca

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"

	"github.com/TAK-NZ/CloudTAK-sub001/internal/storage"
)

// CommonName is the fixed subject CN of every instance root certificate.
const CommonName = "MockTAK CA"

type CA struct {
	Storage *storage.StorageService
	CACert  *x509.Certificate
	CAKey   *rsa.PrivateKey
	mu      sync.RWMutex
}

func New(s *storage.StorageService) *CA {
	return &CA{
		Storage: s,
	}
}

// IsReady reports whether the root pair has been generated.
func (c *CA) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CACert != nil && c.CAKey != nil
}

// CertPool returns a pool containing only this instance's root certificate,
// for use as the client-auth trust anchor on the mutual-TLS listeners.
func (c *CA) CertPool() *x509.CertPool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pool := x509.NewCertPool()
	if c.CACert != nil {
		pool.AddCert(c.CACert)
	}
	return pool
}

// CertPEM returns the root certificate PEM block.
func (c *CA) CertPEM() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.CACert == nil {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.CACert.Raw})
}
