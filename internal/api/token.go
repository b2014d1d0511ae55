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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenSecret signs tokens when no signer is wired in. Real deployments
// of the system under test never see this secret; it only has to be stable so
// test drivers can decode the tokens the mock issues.
var DefaultTokenSecret = []byte("mocktak-shared-secret")

// TokenSigner issues the access tokens returned by the OAuth token endpoint.
type TokenSigner interface {
	Sign(subject string) (string, error)
}

// HS256Signer is the default TokenSigner: HMAC-SHA256 over a fixed symmetric
// secret, enough to satisfy clients that decode the payload subject.
type HS256Signer struct {
	Secret []byte
}

func (s HS256Signer) Sign(subject string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	})
	return token.SignedString(s.Secret)
}

// TokenSubject decodes a token issued by an HS256Signer with the given secret
// and returns its subject claim. Test drivers use it to assert on issued
// tokens.
func TokenSubject(tokenStr string, secret []byte) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	return claims.Subject, nil
}
