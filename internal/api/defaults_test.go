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

package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"

	"github.com/TAK-NZ/CloudTAK-sub001/internal/api"
	"github.com/TAK-NZ/CloudTAK-sub001/internal/ca"
)

// cannedSigner returns a fixed PEM for any CSR, or a canned error.
type cannedSigner struct {
	pem []byte
	err error
}

func (s cannedSigner) SignCSR(raw []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.pem, nil
}

var _ = Describe("Default handler chains", func() {
	Describe("API defaults", func() {
		var chain *api.Chain

		BeforeEach(func() {
			chain = api.NewChain(api.DefaultAPIHandlers()...)
		})

		It("serves the upload size limit", func() {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/files/api/config", nil)
			Expect(chain.Dispatch(rec, req)).To(BeTrue())

			var body map[string]int
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body).To(HaveKeyWithValue("uploadSizeLimit", 50))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))
		})

		It("serves an empty contacts list", func() {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/Marti/api/contacts/all", nil)
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(strings.TrimSpace(rec.Body.String())).To(Equal("[]"))
		})

		It("claims nothing else", func() {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/files/api/config", nil)
			Expect(chain.Dispatch(rec, req)).To(BeFalse())

			req = httptest.NewRequest(http.MethodGet, "/not/a/real/path", nil)
			Expect(chain.Dispatch(httptest.NewRecorder(), req)).To(BeFalse())
		})
	})

	Describe("Auth defaults", func() {
		newChain := func(signer api.TokenSigner, csr api.CSRSigner, hash []byte) *api.Chain {
			return api.NewChain(api.DefaultAuthHandlers(signer, csr, hash)...)
		}

		It("issues a token whose subject is the requested username", func() {
			chain := newChain(api.HS256Signer{Secret: api.DefaultTokenSecret}, cannedSigner{}, nil)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/oauth/token?username=alice", nil)
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body struct {
				AccessToken string `json:"access_token"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())

			subject, err := api.TokenSubject(body.AccessToken, api.DefaultTokenSecret)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject).To(Equal("alice"))
		})

		It("rejects token requests without a username", func() {
			chain := newChain(api.HS256Signer{Secret: api.DefaultTokenSecret}, cannedSigner{}, nil)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/oauth/token", nil)
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("enforces a configured password digest", func() {
			hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
			Expect(err).NotTo(HaveOccurred())
			chain := newChain(api.HS256Signer{Secret: api.DefaultTokenSecret}, cannedSigner{}, hash)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/oauth/token?username=alice&password=wrong", nil)
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(rec.Code).To(Equal(http.StatusUnauthorized))

			rec = httptest.NewRecorder()
			req = httptest.NewRequest(http.MethodPost, "/oauth/token?username=alice&password=hunter2", nil)
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(rec.Code).To(Equal(http.StatusOK))
		})

		It("serves the fixed TLS config XML", func() {
			chain := newChain(api.HS256Signer{Secret: api.DefaultTokenSecret}, cannedSigner{}, nil)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/Marti/api/tls/config", nil)
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(rec.Header().Get("Content-Type")).To(Equal("text/xml"))
			Expect(rec.Body.String()).To(Equal(api.TLSConfigXML))
			Expect(rec.Body.String()).To(ContainSubstring("nameEntry"))
		})

		It("returns the signed certificate from the enrollment endpoint", func() {
			chain := newChain(api.HS256Signer{Secret: api.DefaultTokenSecret},
				cannedSigner{pem: []byte("-----BEGIN CERTIFICATE-----\nleaf\n-----END CERTIFICATE-----\n")}, nil)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/Marti/api/tls/signClient/v2",
				strings.NewReader("raw-csr-bytes"))
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body struct {
				SignedCert string `json:"signedCert"`
			}
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.SignedCert).To(ContainSubstring("BEGIN CERTIFICATE"))
		})

		It("maps malformed CSRs to 400 and other signer failures to 500", func() {
			chain := newChain(api.HS256Signer{Secret: api.DefaultTokenSecret},
				cannedSigner{err: fmt.Errorf("bad body: %w", ca.ErrMalformedCSR)}, nil)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/Marti/api/tls/signClient/v2",
				strings.NewReader("junk"))
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			chain = newChain(api.HS256Signer{Secret: api.DefaultTokenSecret},
				cannedSigner{err: fmt.Errorf("disk on fire")}, nil)
			rec = httptest.NewRecorder()
			req = httptest.NewRequest(http.MethodPost, "/Marti/api/tls/signClient/v2",
				strings.NewReader("junk"))
			Expect(chain.Dispatch(rec, req)).To(BeTrue())
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		})

		It("claims nothing else", func() {
			chain := newChain(api.HS256Signer{Secret: api.DefaultTokenSecret}, cannedSigner{}, nil)
			req := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
			Expect(chain.Dispatch(httptest.NewRecorder(), req)).To(BeFalse())
		})
	})
})
