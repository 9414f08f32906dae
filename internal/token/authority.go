// Package token mints and validates per-signer capability tokens. Holding a
// valid, unexpired token authorizes every signer-scoped action for that signer
// on that document; there is no other authentication for signers.
package token

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-doc-signing/internal/clock"
	"github.com/pesio-ai/be-doc-signing/internal/errors"
	"github.com/pesio-ai/be-doc-signing/internal/repository"
)

// DefaultTTL is the fixed lifetime of a signing token.
const DefaultTTL = 7 * 24 * time.Hour

// Resolver looks up the document holding a token.
type Resolver interface {
	FindByToken(ctx context.Context, token string) (*repository.Document, error)
}

// Grant identifies what a token authorizes.
type Grant struct {
	DocumentID  string
	SignerEmail string
}

// Authority mints tokens, resolves them and builds signing links.
type Authority struct {
	resolver Resolver
	clock    clock.Clock
	ttl      time.Duration
	baseURL  string
}

// NewAuthority creates an authority. baseURL is the externally configured
// origin of the signing UI; links are built as {baseURL}/sign/{token}.
func NewAuthority(resolver Resolver, clk clock.Clock, ttl time.Duration, baseURL string) *Authority {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Authority{
		resolver: resolver,
		clock:    clk,
		ttl:      ttl,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// Mint returns a fresh random token and its expiry. The expiry is fixed here
// and never extended later.
func (a *Authority) Mint() (string, time.Time) {
	return uuid.NewString(), a.clock.Now().Add(a.ttl)
}

// Resolve maps a token to its document and signer.
func (a *Authority) Resolve(ctx context.Context, tok string) (Grant, error) {
	if strings.TrimSpace(tok) == "" {
		return Grant{}, errors.New(errors.ErrCodeNotFound, "signing link not found")
	}
	doc, err := a.resolver.FindByToken(ctx, tok)
	if err != nil {
		return Grant{}, err
	}
	signer := doc.SignerByToken(tok)
	if signer == nil {
		return Grant{}, errors.New(errors.ErrCodeNotFound, "signing link not found")
	}
	return Grant{DocumentID: doc.ID, SignerEmail: signer.Email}, nil
}

// IsExpired reports whether the signer's token is past its expiry at now.
func (a *Authority) IsExpired(signer *repository.Signer, now time.Time) bool {
	return now.After(signer.TokenExpiry)
}

// Link builds the signing URL for a token.
func (a *Authority) Link(tok string) string {
	return a.baseURL + "/sign/" + tok
}
