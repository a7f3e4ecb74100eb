// Package auth maps presented credentials to a principal and capability set.
// The hub invokes a Validator once per session at hello time; the resulting
// Info is pinned to the session and consulted on later calls.
package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"slices"
)

var ErrAuthFailed = errors.New("authentication failed")

// Well-known capabilities.
const (
	CapPublish             = "publish"
	CapSubscribe           = "subscribe"
	CapManageSubscriptions = "subscriptions:manage"
)

// Credentials is whichever credential kinds the client presented. Zero-value
// fields were not presented.
type Credentials struct {
	BearerToken string
	APIKey      string
	PeerCert    *x509.Certificate
}

// Info is the authenticated identity attached to a session.
type Info struct {
	Principal    string
	Capabilities []string
	Metadata     map[string]string
}

// Can reports whether the principal holds a capability.
func (i *Info) Can(capability string) bool {
	return i != nil && slices.Contains(i.Capabilities, capability)
}

// Validator resolves credentials to an identity or fails with ErrAuthFailed.
type Validator interface {
	Validate(ctx context.Context, creds Credentials) (*Info, error)
}

// AllowAll accepts every client, used when authentication is disabled. The
// principal falls back to "anonymous".
type AllowAll struct{}

func (AllowAll) Validate(_ context.Context, _ Credentials) (*Info, error) {
	return &Info{
		Principal:    "anonymous",
		Capabilities: []string{CapPublish, CapSubscribe, CapManageSubscriptions},
	}, nil
}

// Chain tries each validator in order and returns the first success. It fails
// only when every validator rejects.
type Chain []Validator

func (c Chain) Validate(ctx context.Context, creds Credentials) (*Info, error) {
	for _, v := range c {
		info, err := v.Validate(ctx, creds)
		if err == nil {
			return info, nil
		}
	}
	return nil, ErrAuthFailed
}

// APIKeyValidator resolves X-header API keys against a static table.
type APIKeyValidator struct {
	keys map[string]*Info
}

func NewAPIKeyValidator(keys map[string]*Info) *APIKeyValidator {
	return &APIKeyValidator{keys: keys}
}

func (v *APIKeyValidator) Validate(_ context.Context, creds Credentials) (*Info, error) {
	if creds.APIKey == "" {
		return nil, ErrAuthFailed
	}
	info, ok := v.keys[creds.APIKey]
	if !ok {
		return nil, ErrAuthFailed
	}
	return info, nil
}

// CertValidator accepts an mTLS peer certificate and uses its common name as
// the principal. TLS termination has already verified the chain.
type CertValidator struct {
	capabilities []string
}

func NewCertValidator(capabilities []string) *CertValidator {
	return &CertValidator{capabilities: capabilities}
}

func (v *CertValidator) Validate(_ context.Context, creds Credentials) (*Info, error) {
	if creds.PeerCert == nil || creds.PeerCert.Subject.CommonName == "" {
		return nil, ErrAuthFailed
	}
	return &Info{
		Principal:    creds.PeerCert.Subject.CommonName,
		Capabilities: slices.Clone(v.capabilities),
		Metadata:     map[string]string{"auth_method": "client_cert"},
	}, nil
}
