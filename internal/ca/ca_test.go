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

package ca_test

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/TAK-NZ/CloudTAK-sub001/internal/ca"
	"github.com/TAK-NZ/CloudTAK-sub001/internal/storage"
	"github.com/TAK-NZ/CloudTAK-sub001/internal/testutil"
)

var _ = Describe("Ephemeral CA", func() {
	var (
		tmpDir string
		store  *storage.StorageService
		myCA   *ca.CA
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "mocktak-ca-test")
		Expect(err).NotTo(HaveOccurred())

		store = storage.New(tmpDir)
		myCA = ca.New(store)
		Expect(myCA.Bootstrap()).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Context("Bootstrap", func() {
		It("produces a ready CA with the fixed common name", func() {
			Expect(myCA.IsReady()).To(BeTrue())
			Expect(myCA.CACert.Subject.CommonName).To(Equal(ca.CommonName))
			Expect(myCA.CACert.IsCA).To(BeTrue())
		})

		It("writes root material to the fixed storage paths", func() {
			certPEM, err := os.ReadFile(store.CACertPath())
			Expect(err).NotTo(HaveOccurred())
			block, _ := pem.Decode(certPEM)
			Expect(block).NotTo(BeNil())
			Expect(block.Type).To(Equal("CERTIFICATE"))

			_, err = os.ReadFile(store.CAKeyPath())
			Expect(err).NotTo(HaveOccurred())
		})

		It("generates a distinct root per instance", func() {
			otherDir, err := os.MkdirTemp("", "mocktak-ca-test-2")
			Expect(err).NotTo(HaveOccurred())
			defer os.RemoveAll(otherDir)

			other := ca.New(storage.New(otherDir))
			Expect(other.Bootstrap()).To(Succeed())
			Expect(other.CACert.SerialNumber).NotTo(Equal(myCA.CACert.SerialNumber))
		})
	})

	Context("SignCSR", func() {
		It("round-trips subject and issuer", func() {
			csrPEM, err := testutil.GenerateCSR("test-client")
			Expect(err).NotTo(HaveOccurred())

			leafPEM, err := myCA.SignCSR(csrPEM)
			Expect(err).NotTo(HaveOccurred())

			block, rest := pem.Decode(leafPEM)
			Expect(block).NotTo(BeNil())
			Expect(rest).To(BeEmpty(), "only the leaf block may be returned")

			leaf, err := x509.ParseCertificate(block.Bytes)
			Expect(err).NotTo(HaveOccurred())
			Expect(leaf.Subject.CommonName).To(Equal("test-client"))
			Expect(leaf.Issuer.CommonName).To(Equal(ca.CommonName))
			Expect(leaf.SignatureAlgorithm).To(Equal(x509.SHA256WithRSA))
		})

		It("never includes the root certificate block in the result", func() {
			csrPEM, err := testutil.GenerateCSR("test-client")
			Expect(err).NotTo(HaveOccurred())

			leafPEM, err := myCA.SignCSR(csrPEM)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.Count(string(leafPEM), "BEGIN CERTIFICATE")).To(Equal(1))
			Expect(string(leafPEM)).NotTo(ContainSubstring(string(myCA.CertPEM())))
		})

		It("issues leaves that verify against the instance root", func() {
			csrPEM, err := testutil.GenerateCSR("test-client")
			Expect(err).NotTo(HaveOccurred())

			leafPEM, err := myCA.SignCSR(csrPEM)
			Expect(err).NotTo(HaveOccurred())

			block, _ := pem.Decode(leafPEM)
			leaf, err := x509.ParseCertificate(block.Bytes)
			Expect(err).NotTo(HaveOccurred())

			_, err = leaf.Verify(x509.VerifyOptions{
				Roots:     myCA.CertPool(),
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("caps the leaf validity at 365 days", func() {
			csrPEM, err := testutil.GenerateCSR("test-client")
			Expect(err).NotTo(HaveOccurred())

			leafPEM, err := myCA.SignCSR(csrPEM)
			Expect(err).NotTo(HaveOccurred())

			block, _ := pem.Decode(leafPEM)
			leaf, err := x509.ParseCertificate(block.Bytes)
			Expect(err).NotTo(HaveOccurred())
			Expect(leaf.NotAfter).To(BeTemporally("~", time.Now().Add(365*24*time.Hour), time.Hour))
		})

		It("accepts DER and base64-DER encodings", func() {
			csrPEM, err := testutil.GenerateCSR("test-client")
			Expect(err).NotTo(HaveOccurred())
			block, _ := pem.Decode(csrPEM)

			_, err = myCA.SignCSR(block.Bytes)
			Expect(err).NotTo(HaveOccurred())

			b64 := base64.StdEncoding.EncodeToString(block.Bytes)
			_, err = myCA.SignCSR([]byte(b64))
			Expect(err).NotTo(HaveOccurred())
		})

		It("rejects garbage bodies with ErrMalformedCSR", func() {
			_, err := myCA.SignCSR([]byte("not a csr"))
			Expect(errors.Is(err, ca.ErrMalformedCSR)).To(BeTrue())

			_, err = myCA.SignCSR(nil)
			Expect(errors.Is(err, ca.ErrMalformedCSR)).To(BeTrue())
		})

		It("refuses CSRs requesting CA capabilities", func() {
			csrPEM, err := testutil.GenerateCACSR("evil-intermediate")
			Expect(err).NotTo(HaveOccurred())

			_, err = myCA.SignCSR(csrPEM)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("CA capabilities"))
		})

		It("leaves no transient artifacts behind", func() {
			csrPEM, err := testutil.GenerateCSR("test-client")
			Expect(err).NotTo(HaveOccurred())

			_, err = myCA.SignCSR(csrPEM)
			Expect(err).NotTo(HaveOccurred())

			names, err := store.ListTransient()
			Expect(err).NotTo(HaveOccurred())
			Expect(names).To(BeEmpty())
		})
	})

	Context("IssueCert", func() {
		It("issues a server certificate usable for localhost", func() {
			certPEM, keyPEM, err := myCA.IssueCert("localhost",
				[]string{"localhost"},
				[]net.IP{net.ParseIP("127.0.0.1")})
			Expect(err).NotTo(HaveOccurred())
			Expect(keyPEM).NotTo(BeEmpty())

			block, _ := pem.Decode(certPEM)
			leaf, err := x509.ParseCertificate(block.Bytes)
			Expect(err).NotTo(HaveOccurred())
			Expect(leaf.DNSNames).To(ContainElement("localhost"))

			_, err = leaf.Verify(x509.VerifyOptions{
				Roots:     myCA.CertPool(),
				DNSName:   "localhost",
				KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			})
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
