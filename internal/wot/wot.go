// Package wot implements the Web-of-Trust Graph Service (spec §4.H):
// certification ingress and bounded breadth-first graph reads.
package wot

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cordx56/xrypton-go/internal/apperr"
	"github.com/cordx56/xrypton-go/internal/logutil"
	"github.com/cordx56/xrypton-go/internal/noncestore"
	"github.com/cordx56/xrypton-go/internal/pgp"
	"github.com/cordx56/xrypton-go/internal/principal"
	"github.com/cordx56/xrypton-go/internal/store"
)

// MaxSignatureBytes bounds the decoded signature packet (spec §4.H).
const MaxSignatureBytes = 16 * 1024

// MaxBatchSize is the original implementation's batch-ingress cap; CORE's
// single-signature ingress never batches, but the constant is kept so a
// future batch endpoint inherits the same limit.
const MaxBatchSize = 100

// Graph read clamps (spec §4.H).
const (
	MinDepth, MaxDepth, DefaultDepth       = 1, 4, 2
	MinNodes, MaxNodes, DefaultNodeLimit   = 1, 1000, 200
	MinEdges, MaxEdgeLimit, DefaultEdgeCap = 1, 3000, 500
	WallClockBudget                        = 1200 * time.Millisecond
)

// IngressRequest is the body of POST /keys/{target_fp}/signature.
type IngressRequest struct {
	SignatureB64  string
	SignatureType string
	HashAlgo      string
	QRNonceRandom string
	QRNonceTime   time.Time
}

// Service implements ingress and bounded BFS reads over the certification graph.
type Service struct {
	users  store.UserStore
	wot    store.WotStore
	tombs  store.TombstoneStore
	nonces *noncestore.Store
	logger *slog.Logger
}

// New builds a Service. logger may be nil.
func New(users store.UserStore, wot store.WotStore, tombs store.TombstoneStore, nonces *noncestore.Store, logger *slog.Logger) *Service {
	return &Service{users: users, wot: wot, tombs: tombs, nonces: nonces, logger: logutil.NoopIfNil(logger)}
}

// Ingress validates and stores one certification signature over
// targetFingerprint's key, submitted by the authenticated principal.
func (s *Service) Ingress(ctx context.Context, princ *principal.Principal, targetFingerprint string, req IngressRequest) (*store.WotSignature, error) {
	if req.SignatureType != "certification" {
		return nil, apperr.New(apperr.BadRequest, "signature_type must be certification")
	}
	if req.HashAlgo != "sha256" {
		return nil, apperr.New(apperr.BadRequest, "hash_algo must be sha256")
	}
	if _, err := uuid.Parse(req.QRNonceRandom); err != nil {
		return nil, apperr.New(apperr.BadRequest, "qr_nonce.random must be a uuid")
	}
	if !noncestore.WithinWindow(req.QRNonceTime, time.Now(), noncestore.QRWindow) {
		return nil, apperr.New(apperr.Unauthorized, "qr_nonce.time outside window")
	}

	raw, err := base64.StdEncoding.DecodeString(req.SignatureB64)
	if err != nil {
		return nil, apperr.New(apperr.BadRequest, "signature_b64 is not valid base64")
	}
	if len(raw) > MaxSignatureBytes {
		return nil, apperr.New(apperr.PayloadTooLarge, "signature packet exceeds 16 KiB")
	}

	info, err := pgp.ParseCertificationSignatureInfo(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.BadRequest, err)
	}
	if !info.IsCertification {
		return nil, apperr.New(apperr.BadRequest, "signature is not a certification")
	}
	if info.IssuerFingerprint != princ.PrimaryKeyFingerprint {
		return nil, apperr.New(apperr.Forbidden, "signer_fingerprint does not match authenticated principal")
	}
	if info.IssuerFingerprint == targetFingerprint {
		return nil, apperr.New(apperr.BadRequest, "signer and target must differ")
	}

	target, err := s.users.GetUserByFingerprint(ctx, targetFingerprint)
	if err != nil {
		return nil, apperr.New(apperr.NotFound, "target user not found")
	}
	targetPub, err := pgp.FromArmored(target.SigningPublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	signerPub, err := pgp.FromArmored(princ.SigningPublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}

	ok, err := pgp.VerifyCertificationSignatureForTarget(signerPub, targetPub, raw)
	if err != nil || !ok {
		return nil, apperr.New(apperr.Forbidden, "certification signature does not verify")
	}

	fresh, err := s.nonces.TryUse(ctx, store.NonceQR, req.QRNonceRandom, princ.UserID, noncestore.ExpiryForQR(req.QRNonceTime))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	if !fresh {
		return nil, apperr.New(apperr.Conflict, "qr_nonce already used")
	}

	sig := &store.WotSignature{
		TargetFingerprint: targetFingerprint,
		SignerFingerprint: info.IssuerFingerprint,
		SignatureB64:      req.SignatureB64,
		SignatureHash:     store.SignatureHash(req.SignatureB64),
		CreatedAt:         info.CreatedAt,
		ReceivedAt:        time.Now(),
	}
	if err := s.wot.InsertSignature(ctx, sig); err != nil {
		if err == store.ErrAlreadyExists {
			return nil, apperr.New(apperr.Conflict, "signature already recorded")
		}
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	return sig, nil
}
