package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cordx56/xrypton-go/internal/apperr"
	"github.com/cordx56/xrypton-go/internal/pgp"
	"github.com/cordx56/xrypton-go/internal/store"
	"github.com/cordx56/xrypton-go/internal/userid"
	"github.com/cordx56/xrypton-go/internal/wot"
)

const (
	maxProfileBodyBytes = 64 * 1024
	maxIconBodyBytes    = 5 * 1024 * 1024
	maxKeysBodyBytes    = 64 * 1024
)

// keysPayload is the wire shape of the federation keys resource (spec §6).
type keysPayload struct {
	ID                    string `json:"id"`
	EncryptionPublicKey   string `json:"encryption_public_key"`
	SigningPublicKey      string `json:"signing_public_key"`
	PrimaryKeyFingerprint string `json:"primary_key_fingerprint"`
}

func (s *Server) isRemote(domain string) bool {
	return domain != "" && domain != s.selfHost
}

func (s *Server) handleGetKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qualified := userid.Resolve(chi.URLParam(r, "id"), s.selfHost)
	domain := userid.Domain(qualified)

	if s.isRemote(domain) {
		princ := principalFromContext(ctx)
		body, status, err := s.proxy.Forward(ctx, domain, http.MethodGet, fmt.Sprintf("/user/%s/keys", userid.LocalPart(qualified)), princ.RawAuthorization, "", nil)
		if err != nil {
			apperr.WriteJSON(w, s.logger, err)
			return
		}
		writeRaw(w, status, body)
		return
	}

	u, err := s.store.GetUser(ctx, qualified)
	if err != nil {
		apperr.WriteJSON(w, s.logger, mapStoreErr(err, "user not found"))
		return
	}
	writeJSON(w, http.StatusOK, keysPayload{
		ID:                    u.ID,
		EncryptionPublicKey:   u.EncryptionPublicKey,
		SigningPublicKey:      u.SigningPublicKey,
		PrimaryKeyFingerprint: u.PrimaryKeyFingerprint,
	})
}

func (s *Server) handleRegisterKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qualified := userid.Resolve(chi.URLParam(r, "id"), s.selfHost)

	var payload keysPayload
	if err := readJSONBody(r, maxKeysBodyBytes, &payload); err != nil {
		apperr.WriteJSON(w, s.logger, err)
		return
	}

	if err := userid.ValidateFull(qualified); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.BadRequest, err.Error()))
		return
	}

	signing, err := pgp.FromArmored(payload.SigningPublicKey)
	if err != nil {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.BadRequest, "invalid signing_public_key"))
		return
	}
	address, err := signing.PrimaryUserAddress()
	if err != nil || address != qualified {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.BadRequest, "key identity does not match user id"))
		return
	}

	fp := signing.PrimaryFingerprint()
	deleted, err := s.store.GetDeletedFingerprints(ctx, []string{fp})
	if err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	if deleted[fp] {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.Conflict, "fingerprint was previously deleted"))
		return
	}

	existing, err := s.store.GetUserCaseInsensitive(ctx, qualified)
	if err != nil && err != store.ErrNotFound {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	if existing != nil {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.Conflict, "user id already registered"))
		return
	}

	u := &store.User{
		ID:                    qualified,
		EncryptionPublicKey:   payload.EncryptionPublicKey,
		SigningPublicKey:      payload.SigningPublicKey,
		PrimaryKeyFingerprint: fp,
	}
	if err := s.store.CreateUser(ctx, u, nil); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	writeJSON(w, http.StatusCreated, keysPayload{
		ID:                    u.ID,
		EncryptionPublicKey:   u.EncryptionPublicKey,
		SigningPublicKey:      u.SigningPublicKey,
		PrimaryKeyFingerprint: u.PrimaryKeyFingerprint,
	})
}

func (s *Server) handleRotateKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qualified := userid.Resolve(chi.URLParam(r, "id"), s.selfHost)
	princ := principalFromContext(ctx)
	if princ.UserID != qualified {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.Forbidden, "can only rotate your own keys"))
		return
	}

	var payload keysPayload
	if err := readJSONBody(r, maxKeysBodyBytes, &payload); err != nil {
		apperr.WriteJSON(w, s.logger, err)
		return
	}
	signing, err := pgp.FromArmored(payload.SigningPublicKey)
	if err != nil {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.BadRequest, "invalid signing_public_key"))
		return
	}

	fp := signing.PrimaryFingerprint()
	if err := s.store.UpdateUserKeys(ctx, qualified, payload.EncryptionPublicKey, payload.SigningPublicKey, fp); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qualified := userid.Resolve(chi.URLParam(r, "id"), s.selfHost)
	princ := principalFromContext(ctx)
	if princ.UserID != qualified {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.Forbidden, "can only delete your own account"))
		return
	}

	if err := s.store.DeleteUser(ctx, qualified); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	if err := s.store.InsertTombstone(ctx, &store.Tombstone{
		DeletedUserID:         qualified,
		PrimaryKeyFingerprint: princ.PrimaryKeyFingerprint,
	}); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type profilePayload struct {
	DisplayName    string `json:"display_name"`
	DisplayNameSig string `json:"display_name_sig"`
	Status         string `json:"status"`
	StatusSig      string `json:"status_sig"`
	Bio            string `json:"bio"`
	BioSig         string `json:"bio_sig"`
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qualified := userid.Resolve(chi.URLParam(r, "id"), s.selfHost)
	domain := userid.Domain(qualified)

	if s.isRemote(domain) {
		body, status, err := s.proxy.Forward(ctx, domain, http.MethodGet, fmt.Sprintf("/user/%s/profile", userid.LocalPart(qualified)), "", "", nil)
		if err != nil {
			apperr.WriteJSON(w, s.logger, err)
			return
		}
		writeRaw(w, status, body)
		return
	}

	p, err := s.store.GetProfile(ctx, qualified)
	if err != nil {
		apperr.WriteJSON(w, s.logger, mapStoreErr(err, "profile not found"))
		return
	}
	writeJSON(w, http.StatusOK, profilePayload{
		DisplayName: p.DisplayName, DisplayNameSig: p.DisplayNameSig,
		Status: p.Status, StatusSig: p.StatusSig,
		Bio: p.Bio, BioSig: p.BioSig,
	})
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qualified := userid.Resolve(chi.URLParam(r, "id"), s.selfHost)
	princ := principalFromContext(ctx)
	if princ.UserID != qualified {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.Forbidden, "can only update your own profile"))
		return
	}

	var payload profilePayload
	if err := readJSONBody(r, maxProfileBodyBytes, &payload); err != nil {
		apperr.WriteJSON(w, s.logger, err)
		return
	}
	if (payload.DisplayName != "" && payload.DisplayNameSig == "") ||
		(payload.Status != "" && payload.StatusSig == "") ||
		(payload.Bio != "" && payload.BioSig == "") {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.BadRequest, "non-empty profile field requires its signature"))
		return
	}

	if err := s.store.UpdateProfile(ctx, &store.Profile{
		UserID: qualified,
		DisplayName: payload.DisplayName, DisplayNameSig: payload.DisplayNameSig,
		Status: payload.Status, StatusSig: payload.StatusSig,
		Bio: payload.Bio, BioSig: payload.BioSig,
	}); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetIcon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qualified := userid.Resolve(chi.URLParam(r, "id"), s.selfHost)

	p, err := s.store.GetProfile(ctx, qualified)
	if err != nil || p.IconKey == "" {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.NotFound, "icon not found"))
		return
	}
	data, contentType, err := s.blobs.GetObjectWithMetadata(ctx, p.IconKey)
	if err != nil {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.NotFound, "icon not found"))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleUploadIcon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	qualified := userid.Resolve(chi.URLParam(r, "id"), s.selfHost)
	princ := principalFromContext(ctx)
	if princ.UserID != qualified {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.Forbidden, "can only upload your own icon"))
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxIconBodyBytes)
	contentType := r.Header.Get("Content-Type")
	iconKey := qualified + "/icon"
	if err := s.blobs.PutObject(ctx, iconKey, contentType, body); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.PayloadTooLarge, "icon exceeds size limit"))
		return
	}

	p, err := s.store.GetProfile(ctx, qualified)
	if err != nil {
		p = &store.Profile{UserID: qualified}
	}
	p.IconKey = iconKey
	if err := s.store.UpdateProfile(ctx, p); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// wotIngressPayload is the wire shape of POST /keys/{fp}/signature.
type wotIngressPayload struct {
	SignatureB64  string `json:"signature_b64"`
	SignatureType string `json:"signature_type"`
	HashAlgo      string `json:"hash_algo"`
	QRNonce       struct {
		Random string    `json:"random"`
		Time   time.Time `json:"time"`
	} `json:"qr_nonce"`
}

// postSignatureResponse is the wire shape of POST /keys/{fp}/signature's
// response (spec §4.H).
type postSignatureResponse struct {
	SignatureID       string    `json:"signature_id"`
	TargetFingerprint string    `json:"target_fingerprint"`
	SignerFingerprint string    `json:"signer_fingerprint"`
	ReceivedAt        time.Time `json:"received_at"`
}

func (s *Server) handleWotIngress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	targetFP := chi.URLParam(r, "fp")
	princ := principalFromContext(ctx)

	var payload wotIngressPayload
	if err := readJSONBody(r, int64(base64.StdEncoding.EncodedLen(wot.MaxSignatureBytes))+1024, &payload); err != nil {
		apperr.WriteJSON(w, s.logger, err)
		return
	}
	req := wot.IngressRequest{
		SignatureB64:  payload.SignatureB64,
		SignatureType: payload.SignatureType,
		HashAlgo:      payload.HashAlgo,
		QRNonceRandom: payload.QRNonce.Random,
		QRNonceTime:   payload.QRNonce.Time,
	}

	sig, err := s.wot.Ingress(ctx, princ, targetFP, req)
	if err != nil {
		apperr.WriteJSON(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, postSignatureResponse{
		SignatureID:       strconv.FormatUint(uint64(sig.ID), 10),
		TargetFingerprint: sig.TargetFingerprint,
		SignerFingerprint: sig.SignerFingerprint,
		ReceivedAt:        sig.ReceivedAt,
	})
}

func (s *Server) handleWotRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fp := chi.URLParam(r, "fp")
	princ := principalFromContext(ctx)
	q := r.URL.Query()

	owner, err := s.store.GetUserByFingerprint(ctx, fp)
	if err != nil {
		apperr.WriteJSON(w, s.logger, mapStoreErr(err, "key not found"))
		return
	}
	if domain := userid.Domain(owner.ID); s.isRemote(domain) {
		body, status, err := s.proxy.Forward(ctx, domain, http.MethodGet, fmt.Sprintf("/keys/%s/signatures?%s", fp, q.Encode()), princ.RawAuthorization, "", nil)
		if err != nil {
			apperr.WriteJSON(w, s.logger, err)
			return
		}
		writeRaw(w, status, body)
		return
	}

	query := wot.ClampGraphQuery(fp, q.Get("direction"),
		atoiOr(q.Get("max_depth"), 0), atoiOr(q.Get("max_nodes"), 0), atoiOr(q.Get("max_edges"), 0))

	result, err := s.wot.Read(ctx, query)
	if err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type federationChatPayload struct {
	ChatID    string   `json:"chat_id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
}

func (s *Server) handleFederationChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	princ := principalFromContext(ctx)
	senderDomain := userid.Domain(princ.UserID)
	if !s.isRemote(senderDomain) {
		apperr.WriteJSON(w, s.logger, apperr.New(apperr.Forbidden, "federation/chat requires a remote principal"))
		return
	}

	var payload federationChatPayload
	if err := readJSONBody(r, maxProfileBodyBytes, &payload); err != nil {
		apperr.WriteJSON(w, s.logger, err)
		return
	}

	var localMembers []string
	for _, m := range payload.MemberIDs {
		qualified := userid.Resolve(m, s.selfHost)
		if userid.Domain(qualified) == s.selfHost {
			localMembers = append(localMembers, qualified)
		}
	}

	if err := s.store.CreateRemoteChatReference(ctx, &store.RemoteChatReference{
		ChatID: payload.ChatID, Name: payload.Name, ServerDomain: senderDomain,
	}, localMembers); err != nil {
		apperr.WriteJSON(w, s.logger, apperr.Wrap(apperr.Internal, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type federationNotifyPayload struct {
	UserIDs []string       `json:"user_ids"`
	Payload map[string]any `json:"payload"`
}

func (s *Server) handleFederationNotify(w http.ResponseWriter, r *http.Request) {
	var payload federationNotifyPayload
	if err := readJSONBody(r, maxProfileBodyBytes, &payload); err != nil {
		apperr.WriteJSON(w, s.logger, err)
		return
	}

	go func() {
		ctx := context.Background()
		if err := s.push.SendEventToUsers(ctx, payload.UserIDs, payload.Payload); err != nil {
			s.logger.Warn("receive_notify fan-out failed", "error", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func readJSONBody(r *http.Request, maxBytes int64, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return apperr.New(apperr.BadRequest, "failed to read request body")
	}
	if int64(len(body)) > maxBytes {
		return apperr.New(apperr.PayloadTooLarge, "request body exceeds size limit")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return apperr.New(apperr.BadRequest, "invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func mapStoreErr(err error, notFoundMsg string) error {
	if err == store.ErrNotFound {
		return apperr.New(apperr.NotFound, notFoundMsg)
	}
	return apperr.Wrap(apperr.Internal, err)
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
