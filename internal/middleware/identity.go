// Waypost - Logistics Tracking Portal
// Copyright 2026 M. Faulds (mfaulds)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfaulds/waypost

package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mfaulds/waypost/internal/logging"
)

// Operator identity context keys.
const (
	OperatorIDKey contextKey = "operator_id"
	CarrierIDKey  contextKey = "carrier_id"
)

// IdentityClaims are the JWT claims the portal frontend presents. Tokens are
// minted by the company SSO gateway; the portal only verifies them.
type IdentityClaims struct {
	OperatorID string `json:"operator_id"`
	CarrierID  string `json:"carrier_id,omitempty"`
	jwt.RegisteredClaims
}

// Identity authenticates requests. With a signing secret configured it
// requires a valid HS256 bearer token. Without one (development only) it
// trusts the X-Operator-ID header so the portal works against a local stack.
type Identity struct {
	secret []byte
}

// NewIdentity creates the identity middleware. An empty secret enables the
// development header fallback.
func NewIdentity(secret string) *Identity {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Identity{secret: key}
}

// Require rejects requests without a verifiable operator identity.
func (i *Identity) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operatorID, carrierID, err := i.resolve(r)
		if err != nil {
			logging.Debug().Err(err).Str("path", r.URL.Path).Msg("Identity rejected")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			//nolint:errcheck // HTTP response write errors are not recoverable
			w.Write([]byte(`{"status":"error","error":{"code":"unauthorized","message":"valid operator identity required"}}`))
			return
		}

		ctx := context.WithValue(r.Context(), OperatorIDKey, operatorID)
		if carrierID != "" {
			ctx = context.WithValue(ctx, CarrierIDKey, carrierID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (i *Identity) resolve(r *http.Request) (operatorID, carrierID string, err error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		// Browsers can't set headers on websocket upgrades; accept the
		// token as a query parameter there.
		if tok := r.URL.Query().Get("token"); tok != "" {
			auth = "Bearer " + tok
		}
	}

	if auth == "" {
		if i.secret == nil {
			if op := r.Header.Get("X-Operator-ID"); op != "" {
				return op, r.Header.Get("X-Carrier-ID"), nil
			}
		}
		return "", "", fmt.Errorf("missing credentials")
	}

	raw := strings.TrimPrefix(auth, "Bearer ")
	if raw == auth {
		return "", "", fmt.Errorf("malformed authorization header")
	}
	if i.secret == nil {
		return "", "", fmt.Errorf("token auth not configured")
	}

	claims := &IdentityClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", "", fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid || claims.OperatorID == "" {
		return "", "", fmt.Errorf("invalid token")
	}
	return claims.OperatorID, claims.CarrierID, nil
}

// OperatorFromContext returns the authenticated operator ID, if any.
func OperatorFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(OperatorIDKey).(string); ok {
		return id
	}
	return ""
}

// CarrierFromContext returns the operator's carrier scope, if any.
func CarrierFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(CarrierIDKey).(string); ok {
		return id
	}
	return ""
}
