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

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/TAK-NZ/CloudTAK-sub001/internal/ca"
)

// TLSConfigXML is the fixed certificate-naming policy document the real TAK
// server serves from /Marti/api/tls/config. Enrolling clients embed the name
// entries into the CSRs they build.
const TLSConfigXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
	`<ns2:certificateConfig xmlns:ns2="com.bbn.marti.config">` +
	`<nameEntries>` +
	`<nameEntry name="O" value="TAK"/>` +
	`<nameEntry name="OU" value="TAK"/>` +
	`</nameEntries>` +
	`</ns2:certificateConfig>`

// CSRSigner is the signing capability the enrollment endpoint consumes.
// *ca.CA satisfies it; tests may substitute a canned signer.
type CSRSigner interface {
	SignCSR(raw []byte) ([]byte, error)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// DefaultAPIHandlers returns the canned behaviors of the authenticated HTTPS
// listener: the happy-path responses CloudTAK polls during startup.
func DefaultAPIHandlers() []Handler {
	return []Handler{
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) bool {
			if r.Method != http.MethodGet || r.URL.Path != "/files/api/config" {
				return false
			}
			writeJSON(w, map[string]int{"uploadSizeLimit": 50})
			return true
		}),
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) bool {
			if r.Method != http.MethodGet || r.URL.Path != "/Marti/api/contacts/all" {
				return false
			}
			writeJSON(w, []any{})
			return true
		}),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type signClientResponse struct {
	SignedCert string `json:"signedCert"`
}

// DefaultAuthHandlers returns the canned behaviors of the plain HTTP
// listener: token issuance and the certificate-enrollment flow.
//
// passwordHash, when non-nil, is a bcrypt digest the token endpoint checks
// the password query parameter against; nil issues tokens to anyone, which
// is the original mock's behavior.
func DefaultAuthHandlers(signer TokenSigner, csrSigner CSRSigner, passwordHash []byte) []Handler {
	return []Handler{
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) bool {
			if r.Method != http.MethodPost || r.URL.Path != "/oauth/token" {
				return false
			}

			username := r.URL.Query().Get("username")
			if username == "" {
				http.Error(w, "username is required", http.StatusBadRequest)
				return true
			}

			if passwordHash != nil {
				password := r.URL.Query().Get("password")
				if err := bcrypt.CompareHashAndPassword(passwordHash, []byte(password)); err != nil {
					slog.Debug("Token request rejected", "username", username)
					http.Error(w, "invalid credentials", http.StatusUnauthorized)
					return true
				}
			}

			token, err := signer.Sign(username)
			if err != nil {
				slog.Warn("Token signing failed", "username", username, "error", err)
				http.Error(w, "token signing failed", http.StatusInternalServerError)
				return true
			}

			slog.Debug("Token issued", "username", username)
			writeJSON(w, tokenResponse{AccessToken: token})
			return true
		}),
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) bool {
			if r.Method != http.MethodGet || r.URL.Path != "/Marti/api/tls/config" {
				return false
			}
			w.Header().Set("Content-Type", "text/xml")
			io.WriteString(w, TLSConfigXML)
			return true
		}),
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) bool {
			if r.Method != http.MethodPost || r.URL.Path != "/Marti/api/tls/signClient/v2" {
				return false
			}

			// The CSR streams in as the raw body; buffer it fully before
			// handing it to the signer.
			body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
			if err != nil {
				http.Error(w, "failed to read body: "+err.Error(), http.StatusBadRequest)
				return true
			}

			leafPEM, err := csrSigner.SignCSR(body)
			if err != nil {
				slog.Warn("CSR signing failed", "error", err)
				status := http.StatusInternalServerError
				if errors.Is(err, ca.ErrMalformedCSR) {
					status = http.StatusBadRequest
				}
				http.Error(w, err.Error(), status)
				return true
			}

			writeJSON(w, signClientResponse{SignedCert: string(leafPEM)})
			return true
		}),
	}
}
