package federation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cordx56/xrypton-go/internal/apperr"
	"github.com/cordx56/xrypton-go/internal/dnsresolver"
	"github.com/cordx56/xrypton-go/internal/logutil"
	"github.com/cordx56/xrypton-go/internal/noncestore"
	"github.com/cordx56/xrypton-go/internal/pgp"
	"github.com/cordx56/xrypton-go/internal/principal"
	"github.com/cordx56/xrypton-go/internal/store"
	"github.com/cordx56/xrypton-go/internal/userid"
)

// decodeAuthorization base64-decodes rawHeader, the same way
// auth.Authenticator does for the locally-received case.
func decodeAuthorization(rawHeader string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(rawHeader)
	if err != nil {
		return nil, err
	}
	if !utf8.Valid(decoded) {
		return nil, fmt.Errorf("authorization payload is not valid utf-8")
	}
	return decoded, nil
}

// keysResponse is the wire shape of GET /user/{local}/keys.
type keysResponse struct {
	ID                    string `json:"id"`
	EncryptionPublicKey   string `json:"encryption_public_key"`
	SigningPublicKey      string `json:"signing_public_key"`
	PrimaryKeyFingerprint string `json:"primary_key_fingerprint"`
}

// Resolver implements the Federation Resolver (spec §4.F): discovery and
// re-verification of a signer not already known locally.
type Resolver struct {
	users    store.UserStore
	nonces   *noncestore.Store
	dns      *dnsresolver.Resolver
	client   *Client
	selfHost string
	apiPath  string
	logger   *slog.Logger
}

// New builds a Resolver. apiPath is the resource path prefix used both
// locally and against peers, e.g. "/v1". logger may be nil.
func New(users store.UserStore, nonces *noncestore.Store, dns *dnsresolver.Resolver, client *Client, selfHost, apiPath string, logger *slog.Logger) *Resolver {
	return &Resolver{
		users:    users,
		nonces:   nonces,
		dns:      dns,
		client:   client,
		selfHost: selfHost,
		apiPath:  apiPath,
		logger:   logutil.NoopIfNil(logger),
	}
}

// Resolve performs discovery for a signer that wasn't found (or didn't
// verify) locally and returns the re-verified Principal.
func (r *Resolver) Resolve(ctx context.Context, rawAuthorization, selfHost string) (*principal.Principal, error) {
	decoded, err := decodeAuthorization(rawAuthorization)
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "authorization header is not valid")
	}

	signerAddr, err := pgp.ExtractSignerUserID(decoded)
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "signature has no usable SignersUserID")
	}
	origLocal, origDomain, ok := splitAddress(signerAddr)
	if !ok {
		return nil, apperr.New(apperr.Unauthorized, "signer address is not qualified")
	}

	if origDomain == r.selfHost {
		return nil, apperr.New(apperr.Unauthorized, "signer claims to be local but is not registered")
	}

	effectiveDomain := origDomain
	if resolution := r.dns.Resolve(ctx, origDomain, origLocal); resolution.Kind == dnsresolver.Mapped {
		// dnsresolver.Resolve always echoes back the queried local-part on a
		// mapping match, so this can only ever rewrite the domain.
		effectiveDomain = resolution.Domain
	}

	if effectiveDomain == r.selfHost {
		return r.resolveCustomDomainAlias(ctx, decoded, origLocal, origDomain, rawAuthorization)
	}

	return r.resolveRemote(ctx, decoded, origLocal, origDomain, effectiveDomain, rawAuthorization)
}

// resolveCustomDomainAlias handles a user whose DNS mapping aliases a custom
// domain onto this server: the canonical id preserves the original domain.
func (r *Resolver) resolveCustomDomainAlias(ctx context.Context, decoded []byte, local, origDomain, rawAuthorization string) (*principal.Principal, error) {
	id := userid.NewLocal(local, origDomain)
	user, err := r.users.GetUser(ctx, id)
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "no local user under custom-domain alias")
	}
	pub, err := pgp.FromArmored(user.SigningPublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthorized, err)
	}
	body, err := pub.VerifyAndExtract(decoded)
	if err != nil {
		return nil, apperr.New(apperr.Unauthorized, "signature does not verify")
	}
	return r.finishVerified(ctx, user, body, rawAuthorization)
}

// resolveRemote performs the remote key fetch and re-verification.
func (r *Resolver) resolveRemote(ctx context.Context, decoded []byte, origLocal, origDomain, remoteDomain, rawAuthorization string) (*principal.Principal, error) {
	fetchURL := fmt.Sprintf("https://%s%s/user/%s/keys", remoteDomain, r.apiPath, url.PathEscape(origLocal))
	body, resp, err := r.client.GetBounded(ctx, fetchURL, rawAuthorization)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthorized, err)
	}
	if resp.StatusCode != 200 {
		return nil, apperr.New(apperr.Unauthorized, fmt.Sprintf("remote key fetch returned %d", resp.StatusCode))
	}

	cached, plaintext, err := verifyRemoteKeysResponse(decoded, body)
	if err != nil {
		return nil, err
	}
	cached.ID = userid.NewLocal(origLocal, origDomain)

	if err := r.users.UpsertExternalUser(ctx, cached); err != nil {
		r.logger.Warn("failed to cache remote user", "id", cached.ID, "error", err)
	}

	return r.finishVerified(ctx, cached, plaintext, rawAuthorization)
}

// verifyRemoteKeysResponse parses a remote GET /user/{id}/keys response body
// and re-verifies decoded (the original signed envelope) under the fetched
// signing key, the way resolveRemote's re-verification step requires: a
// remote server cannot simply assert a signer's identity, the signature must
// still check out against whatever key it claims to be.
func verifyRemoteKeysResponse(decoded, body []byte) (*store.User, []byte, error) {
	var keys keysResponse
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, nil, apperr.Wrap(apperr.Unauthorized, err)
	}

	pub, err := pgp.FromArmored(keys.SigningPublicKey)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.Unauthorized, err)
	}
	plaintext, err := pub.VerifyAndExtract(decoded)
	if err != nil {
		return nil, nil, apperr.New(apperr.Unauthorized, "remote-fetched key does not verify the original signature")
	}

	return &store.User{
		EncryptionPublicKey:   keys.EncryptionPublicKey,
		SigningPublicKey:      keys.SigningPublicKey,
		PrimaryKeyFingerprint: keys.PrimaryKeyFingerprint,
	}, plaintext, nil
}

func (r *Resolver) finishVerified(ctx context.Context, user *store.User, envelopeBody []byte, rawAuthorization string) (*principal.Principal, error) {
	var env struct {
		Nonce struct {
			Random string `json:"random"`
			Time   string `json:"time"`
		} `json:"nonce"`
	}
	if err := json.Unmarshal(envelopeBody, &env); err != nil {
		return nil, apperr.New(apperr.Unauthorized, "envelope is not valid json")
	}
	payloadTime, err := time.Parse(time.RFC3339, env.Nonce.Time)
	if err != nil || !noncestore.WithinWindow(payloadTime, time.Now(), noncestore.AuthWindow) {
		return nil, apperr.New(apperr.Unauthorized, "nonce timestamp outside window")
	}
	fresh, err := r.nonces.TryUse(ctx, store.NonceAuth, env.Nonce.Random, user.ID, noncestore.ExpiryForAuth(payloadTime))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	if !fresh {
		return nil, apperr.New(apperr.Unauthorized, "nonce already used")
	}

	return &principal.Principal{
		UserID:                user.ID,
		PrimaryKeyFingerprint: user.PrimaryKeyFingerprint,
		SigningPublicKey:      user.SigningPublicKey,
		RawAuthorization:      rawAuthorization,
	}, nil
}

func splitAddress(addr string) (local, domain string, ok bool) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return "", "", false
	}
	return addr[:i], addr[i+1:], true
}
