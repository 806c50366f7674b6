// Package auth implements the Authenticator (spec §4.E): consumes the
// Authorization header and orchestrates the PGP Verifier, UserId model,
// Nonce Store, and Federation Resolver to produce an authenticated principal.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/cordx56/xrypton-go/internal/apperr"
	"github.com/cordx56/xrypton-go/internal/logutil"
	"github.com/cordx56/xrypton-go/internal/noncestore"
	"github.com/cordx56/xrypton-go/internal/pgp"
	"github.com/cordx56/xrypton-go/internal/principal"
	"github.com/cordx56/xrypton-go/internal/store"
	"github.com/cordx56/xrypton-go/internal/userid"
)

// FederationResolver is the capability the Authenticator falls back to when
// the signer is not a locally-known user, or local verification fails.
// Implemented by internal/federation.Resolver.
type FederationResolver interface {
	Resolve(ctx context.Context, rawAuthorization, selfHost string) (*principal.Principal, error)
}

// Authenticator ties together the PGP verifier, user store, nonce store, and
// federation resolver behind a single Authenticate call.
type Authenticator struct {
	users      store.UserStore
	nonces     *noncestore.Store
	federation FederationResolver
	selfHost   string
	logger     *slog.Logger
}

// New builds an Authenticator. logger may be nil.
func New(users store.UserStore, nonces *noncestore.Store, federation FederationResolver, selfHost string, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		users:      users,
		nonces:     nonces,
		federation: federation,
		selfHost:   selfHost,
		logger:     logutil.NoopIfNil(logger),
	}
}

// Authenticate consumes rawHeader (the base64 Authorization value) and
// returns an authenticated Principal or an Unauthorized *apperr.Error
// (Internal when the nonce store itself fails).
//
// selfKeysRequestID, when non-empty, names the {id} path parameter of a
// GET /user/{id}/keys request currently being served — it activates the
// nonce-reuse callback exception (spec §4.E) iff it normalizes to the
// authenticated principal's own id.
func (a *Authenticator) Authenticate(ctx context.Context, rawHeader, selfKeysRequestID string) (*principal.Principal, error) {
	if rawHeader == "" {
		return nil, apperr.New(apperr.Unauthorized, "missing authorization header")
	}

	decoded, err := base64.StdEncoding.DecodeString(rawHeader)
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "authorization header is not valid base64")
	}
	if !utf8.Valid(decoded) {
		return nil, apperr.New(apperr.Unauthorized, "authorization payload is not valid utf-8")
	}

	signerAddr, err := pgp.ExtractSignerUserID(decoded)
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "signature has no usable SignersUserID")
	}

	resolvedID := userid.ResolveLocal(signerAddr, a.selfHost)

	if user, err := a.users.GetUser(ctx, resolvedID); err == nil {
		if pub, err := pgp.FromArmored(user.SigningPublicKey); err == nil {
			if body, err := pub.VerifyAndExtract(decoded); err == nil {
				return a.finishLocal(ctx, user, body, rawHeader, selfKeysRequestID)
			}
		}
	}

	if a.federation == nil {
		return nil, apperr.New(apperr.Unauthorized, "signer is not a local user")
	}
	princ, err := a.federation.Resolve(ctx, rawHeader, a.selfHost)
	if err != nil {
		return nil, err
	}
	return princ, nil
}

func (a *Authenticator) finishLocal(ctx context.Context, user *store.User, body []byte, rawHeader, selfKeysRequestID string) (*principal.Principal, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.New(apperr.Unauthorized, "envelope is not valid json")
	}

	payloadTime, ok := env.Nonce.Timestamp()
	if !ok || !noncestore.WithinWindow(payloadTime, time.Now(), noncestore.AuthWindow) {
		return nil, apperr.New(apperr.Unauthorized, "nonce timestamp outside window")
	}

	replayKey := env.Nonce.ReplayKey()
	fresh, err := a.nonces.TryUse(ctx, store.NonceAuth, replayKey, user.ID, noncestore.ExpiryForAuth(payloadTime))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	if !fresh && !a.selfKeysException(selfKeysRequestID, user.ID) {
		return nil, apperr.New(apperr.Unauthorized, "nonce already used")
	}

	return &principal.Principal{
		UserID:                user.ID,
		PrimaryKeyFingerprint: user.PrimaryKeyFingerprint,
		SigningPublicKey:      user.SigningPublicKey,
		RawAuthorization:      rawHeader,
	}, nil
}

// selfKeysException is the 3-hop callback allowance: safe because the
// principal is only ever requesting their own public key.
func (a *Authenticator) selfKeysException(requestedID, principalID string) bool {
	if requestedID == "" {
		return false
	}
	return userid.Resolve(requestedID, a.selfHost) == principalID
}
