// Package tenant derives tenant identities from API keys and checks presented keys.
package tenant

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// idLength is the number of hex characters kept from the key digest.
const idLength = 16

// DefaultCredential stands in for the API key when authentication is disabled
// and the client did not present one.
const DefaultCredential = "default"

var (
	ErrMissingCredential = errors.New("missing api key")
	ErrInvalidCredential = errors.New("invalid api key")
)

// ID is the partition key for registry and storage state.
type ID string

func (id ID) String() string { return string(id) }

// Derive maps a credential to its tenant ID. The mapping is one-way and stable.
func Derive(credential string) ID {
	sum := sha256.Sum256([]byte(credential))
	return ID(hex.EncodeToString(sum[:])[:idLength])
}

// Authenticator validates presented API keys against the configured set.
type Authenticator struct {
	keys [][]byte
}

// NewAuthenticator builds an authenticator; blank keys are ignored. With no keys
// configured every request is accepted.
func NewAuthenticator(keys []string) *Authenticator {
	a := &Authenticator{}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		a.keys = append(a.keys, []byte(k))
	}
	return a
}

// Enabled reports whether any API key is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.keys) > 0
}

// Authenticate resolves the tenant for a presented key.
func (a *Authenticator) Authenticate(presented string) (ID, error) {
	if !a.Enabled() {
		if presented == "" {
			return Derive(DefaultCredential), nil
		}
		return Derive(presented), nil
	}
	if presented == "" {
		return "", ErrMissingCredential
	}
	candidate := []byte(presented)
	matched := 0
	// every key is compared so timing does not reveal which one matched
	for _, k := range a.keys {
		matched |= subtle.ConstantTimeCompare(candidate, k)
	}
	if matched != 1 {
		return "", ErrInvalidCredential
	}
	return Derive(presented), nil
}
