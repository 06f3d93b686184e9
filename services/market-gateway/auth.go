package main

import (
	"encoding/hex"
	"net/http"
	"time"

	gatewayauth "clawmarket/gateway/auth"
)

const (
	headerAPIKey    = gatewayauth.HeaderAPIKey
	headerTimestamp = gatewayauth.HeaderTimestamp
	headerNonce     = gatewayauth.HeaderNonce
	headerSignature = gatewayauth.HeaderSignature
)

// Principal represents an authenticated API client.
type Principal = gatewayauth.Principal

// Authenticator verifies API key + HMAC signatures on incoming requests.
type Authenticator = gatewayauth.Authenticator

func NewAuthenticator(keys []APIKeyConfig, skew, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time) *Authenticator {
	secrets := make(map[string]string, len(keys))
	for _, key := range keys {
		secrets[key.Key] = key.Secret
	}
	return gatewayauth.NewAuthenticator(secrets, skew, nonceTTL, nonceCapacity, nowFn)
}

func canonicalRequestPath(r *http.Request) string {
	return gatewayauth.CanonicalRequestPath(r)
}

func computeSignature(secret, timestamp, nonce, method, path string, body []byte) string {
	sig := gatewayauth.ComputeSignature(secret, timestamp, nonce, method, path, body)
	return hex.EncodeToString(sig)
}
