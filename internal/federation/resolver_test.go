package federation

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/cordx56/xrypton-go/internal/apperr"
	"github.com/cordx56/xrypton-go/internal/dnsresolver"
	"github.com/cordx56/xrypton-go/internal/noncestore"
	"github.com/cordx56/xrypton-go/internal/store"
)

func newTestEntity(t *testing.T, address string) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("", "", address, &packet.Config{RSABits: 2048})
	if err != nil {
		t.Fatalf("generate entity: %v", err)
	}
	return entity
}

func armoredPublicKey(t *testing.T, entity *openpgp.Entity) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor encode: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("serialize entity: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close armor writer: %v", err)
	}
	return buf.String()
}

// signInline builds a raw (non-armored) inline-signed PGP message carrying a
// SignersUserID subpacket, the wire shape the resolver's VerifyAndExtract
// step consumes.
func signInline(t *testing.T, entity *openpgp.Entity, signerAddr string, body []byte) []byte {
	t.Helper()
	priv := entity.PrivateKey

	sig := &packet.Signature{
		Version:      priv.Version,
		SigType:      packet.SigTypeBinary,
		PubKeyAlgo:   priv.PubKeyAlgo,
		Hash:         crypto.SHA256,
		CreationTime: time.Now(),
		IssuerKeyId:  &priv.KeyId,
		SignerUserId: &signerAddr,
	}

	h := crypto.SHA256.New()
	h.Write(body)
	if err := sig.Sign(h, priv, nil); err != nil {
		t.Fatalf("sign: %v", err)
	}

	var buf bytes.Buffer
	ops := &packet.OnePassSignature{
		SigType:    packet.SigTypeBinary,
		Hash:       crypto.SHA256,
		PubKeyAlgo: priv.PubKeyAlgo,
		KeyId:      priv.KeyId,
		IsLast:     true,
	}
	if err := ops.Serialize(&buf); err != nil {
		t.Fatalf("serialize one-pass signature: %v", err)
	}
	lw, err := packet.SerializeLiteral(&buf, true, "", uint32(time.Now().Unix()))
	if err != nil {
		t.Fatalf("serialize literal header: %v", err)
	}
	if _, err := lw.Write(body); err != nil {
		t.Fatalf("write literal body: %v", err)
	}
	if err := lw.Close(); err != nil {
		t.Fatalf("close literal writer: %v", err)
	}
	if err := sig.Serialize(&buf); err != nil {
		t.Fatalf("serialize signature: %v", err)
	}
	return buf.Bytes()
}

func envelopeBody(random string, payloadTime time.Time) []byte {
	return []byte(`{"nonce":{"random":"` + random + `","time":"` + payloadTime.Format(time.RFC3339) + `"}}`)
}

func envelopeFor(t *testing.T, entity *openpgp.Entity, signerAddr, random string, payloadTime time.Time) string {
	t.Helper()
	signed := signInline(t, entity, signerAddr, envelopeBody(random, payloadTime))
	return base64.StdEncoding.EncodeToString(signed)
}

type memUserStore struct {
	users map[string]*store.User
}

func newMemUserStore() *memUserStore { return &memUserStore{users: make(map[string]*store.User)} }

func (m *memUserStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, store.ErrNotFound
}
func (m *memUserStore) GetUserByFingerprint(ctx context.Context, fp string) (*store.User, error) {
	for _, u := range m.users {
		if u.PrimaryKeyFingerprint == fp {
			return u, nil
		}
	}
	return nil, store.ErrNotFound
}
func (m *memUserStore) GetUserCaseInsensitive(ctx context.Context, id string) (*store.User, error) {
	return m.GetUser(ctx, id)
}
func (m *memUserStore) CreateUser(ctx context.Context, u *store.User, p *store.Profile) error {
	m.users[u.ID] = u
	return nil
}
func (m *memUserStore) UpdateUserKeys(ctx context.Context, id, encKey, signKey, fp string) error {
	return nil
}
func (m *memUserStore) UpsertExternalUser(ctx context.Context, u *store.User) error {
	m.users[u.ID] = u
	return nil
}
func (m *memUserStore) DeleteUser(ctx context.Context, id string) error { return nil }
func (m *memUserStore) GetProfile(ctx context.Context, id string) (*store.Profile, error) {
	return nil, store.ErrNotFound
}
func (m *memUserStore) UpdateProfile(ctx context.Context, p *store.Profile) error { return nil }

type memNonceBackend struct{ used map[string]bool }

func newMemNonceBackend() *memNonceBackend { return &memNonceBackend{used: make(map[string]bool)} }

func (m *memNonceBackend) TryUse(ctx context.Context, typ store.NonceType, value, userID string, expiresAt time.Time) (bool, error) {
	k := string(typ) + ":" + value
	if m.used[k] {
		return false, nil
	}
	m.used[k] = true
	return true, nil
}
func (m *memNonceBackend) IsUsed(ctx context.Context, typ store.NonceType, value string) (bool, error) {
	return m.used[string(typ)+":"+value], nil
}
func (m *memNonceBackend) SweepExpired(ctx context.Context) (int64, error) { return 0, nil }

// fakeTXTLookup serves canned TXT record sets keyed by queried name.
type fakeTXTLookup struct {
	records map[string][]string
}

func (f *fakeTXTLookup) QueryTXT(ctx context.Context, name string) ([]string, error) {
	return f.records[name], nil
}

func newResolver(t *testing.T, txt map[string][]string, selfHost string) (*Resolver, *memUserStore) {
	t.Helper()
	users := newMemUserStore()
	nonces := noncestore.New(newMemNonceBackend(), nil)
	dns := dnsresolver.New(&fakeTXTLookup{records: txt}, nil, nil)
	client := NewClient(DefaultClientConfig())
	return New(users, nonces, dns, client, selfHost, "/v1", nil), users
}

func TestResolveRejectsSelfClaim(t *testing.T) {
	r, _ := newResolver(t, nil, "h.example")
	entity := newTestEntity(t, "mallory@h.example")

	header := envelopeFor(t, entity, "mallory@h.example", "n1", time.Now())
	_, err := r.Resolve(context.Background(), header, "h.example")
	if err == nil {
		t.Fatal("expected rejection for a signer claiming to be local")
	}
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind != apperr.Unauthorized {
		t.Fatalf("expected Unauthorized apperr, got %v", err)
	}
}

func TestResolveCustomDomainAliasSuccess(t *testing.T) {
	// alice@custom.example's TXT record maps her onto this server, under
	// her original (custom) domain id.
	txt := map[string][]string{
		dnsresolver.Namespace + ".custom.example": {"user=alice@h.example"},
	}
	r, users := newResolver(t, txt, "h.example")
	entity := newTestEntity(t, "alice@custom.example")
	users.users["alice@custom.example"] = &store.User{
		ID:                    "alice@custom.example",
		SigningPublicKey:      armoredPublicKey(t, entity),
		PrimaryKeyFingerprint: "dead",
	}

	header := envelopeFor(t, entity, "alice@custom.example", "n2", time.Now())
	princ, err := r.Resolve(context.Background(), header, "h.example")
	if err != nil {
		t.Fatalf("expected custom-domain alias resolution to succeed, got %v", err)
	}
	if princ.UserID != "alice@custom.example" {
		t.Errorf("expected canonical id to preserve the original domain, got %q", princ.UserID)
	}
}

func TestResolveCustomDomainAliasUnknownUser(t *testing.T) {
	txt := map[string][]string{
		dnsresolver.Namespace + ".custom.example": {"user=alice@h.example"},
	}
	r, _ := newResolver(t, txt, "h.example")
	entity := newTestEntity(t, "alice@custom.example")

	header := envelopeFor(t, entity, "alice@custom.example", "n3", time.Now())
	_, err := r.Resolve(context.Background(), header, "h.example")
	if err == nil {
		t.Fatal("expected rejection when the aliased user has no local record")
	}
}

func TestVerifyRemoteKeysResponseSuccess(t *testing.T) {
	entity := newTestEntity(t, "bob@other.example")
	envelope := envelopeBody("n4", time.Now())
	decoded := signInline(t, entity, "bob@other.example", envelope)

	body := marshalKeysResponse(t, "bob@other.example", armoredPublicKey(t, entity), "abcd")

	cached, plaintext, err := verifyRemoteKeysResponse(decoded, body)
	if err != nil {
		t.Fatalf("expected remote key response to verify, got %v", err)
	}
	if cached.PrimaryKeyFingerprint != "abcd" {
		t.Errorf("expected fingerprint to be carried through, got %q", cached.PrimaryKeyFingerprint)
	}
	if !bytes.Equal(plaintext, envelope) {
		t.Errorf("expected extracted plaintext to equal the original envelope")
	}
}

func TestVerifyRemoteKeysResponseRejectsWrongKey(t *testing.T) {
	signer := newTestEntity(t, "bob@other.example")
	impostor := newTestEntity(t, "bob@other.example")
	envelope := envelopeBody("n5", time.Now())
	decoded := signInline(t, signer, "bob@other.example", envelope)

	// The remote home server claims a different key than the one that
	// actually produced the signature.
	body := marshalKeysResponse(t, "bob@other.example", armoredPublicKey(t, impostor), "abcd")

	if _, _, err := verifyRemoteKeysResponse(decoded, body); err == nil {
		t.Fatal("expected verification to fail against a mismatched key")
	}
}

func marshalKeysResponse(t *testing.T, id, signingPublicKey, fingerprint string) []byte {
	t.Helper()
	body, err := json.Marshal(keysResponse{
		ID:                    id,
		SigningPublicKey:      signingPublicKey,
		PrimaryKeyFingerprint: fingerprint,
	})
	if err != nil {
		t.Fatalf("marshal keysResponse: %v", err)
	}
	return body
}

func TestResolveRejectsMalformedHeader(t *testing.T) {
	r, _ := newResolver(t, nil, "h.example")
	if _, err := r.Resolve(context.Background(), "not-base64!!", ""); err == nil {
		t.Fatal("expected rejection for invalid base64")
	}
}
