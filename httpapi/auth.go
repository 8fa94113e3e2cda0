// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated is returned when a request carries no credentials.
	ErrUnauthenticated = errors.New("missing bearer token")

	// ErrForbidden is returned when credentials are present but not accepted.
	ErrForbidden = errors.New("access denied")
)

// Authorizer decides whether a request may use the task API.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) error

func (f AuthorizerFunc) Authorize(r *http.Request) error { return f(r) }

// AllowAll accepts every request.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(*http.Request) error { return nil })
}

// BearerTokens accepts requests whose Authorization header carries one of
// tokens. With no tokens configured every request is accepted.
func BearerTokens(tokens []string) Authorizer {
	if len(tokens) == 0 {
		return AllowAll()
	}
	return AuthorizerFunc(func(r *http.Request) error {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || got == "" {
			return ErrUnauthenticated
		}
		for _, want := range tokens {
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
				return nil
			}
		}
		return ErrForbidden
	})
}
