// Package pgp treats armored and raw OpenPGP material uniformly: issuer and
// signer extraction without verification, and verified extraction/certification
// checks backed by ProtonMail/go-crypto.
package pgp

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Kind distinguishes the two HTTP-mappable failure classes named in spec.
type Kind string

const (
	KeyFormat    Kind = "key_format"
	Verification Kind = "verification"
)

// Error wraps a Kind with the underlying library error.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Cause) }
func (e *Error) Unwrap() error { return e.Cause }

func fail(kind Kind, cause error) error { return &Error{Kind: kind, Cause: cause} }

// toReader returns a reader over the decoded (un-armored) packet stream,
// accepting either ASCII-armor or raw bytes.
func toReader(data []byte) (io.Reader, error) {
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		block, err := armor.Decode(bytes.NewReader(trimmed))
		if err != nil {
			return nil, fail(KeyFormat, err)
		}
		return block.Body, nil
	}
	return bytes.NewReader(data), nil
}

// findSignaturePacket walks the packet stream, recursing into CompressedData
// packets and reading past literal data bodies, and returns the first
// *packet.Signature it finds (one-pass signature headers are skipped).
func findSignaturePacket(r io.Reader) (*packet.Signature, error) {
	pr := packet.NewReader(r)
	for {
		p, err := pr.Next()
		if err == io.EOF {
			return nil, fail(KeyFormat, fmt.Errorf("no signature packet found"))
		}
		if err != nil {
			return nil, fail(KeyFormat, err)
		}
		switch pkt := p.(type) {
		case *packet.Signature:
			return pkt, nil
		case *packet.CompressedData:
			if sig, err := findSignaturePacket(pkt.Body); err == nil {
				return sig, nil
			}
		case *packet.LiteralData:
			if _, err := io.Copy(io.Discard, pkt.Body); err != nil {
				return nil, fail(KeyFormat, err)
			}
		}
	}
}

// ExtractIssuerFingerprint returns the uppercase-hex primary-key fingerprint
// of the signer declared in the signature packet, without verifying anything.
func ExtractIssuerFingerprint(armoredOrRaw []byte) (string, error) {
	r, err := toReader(armoredOrRaw)
	if err != nil {
		return "", err
	}
	sig, err := findSignaturePacket(r)
	if err != nil {
		return "", err
	}
	if len(sig.IssuerFingerprint) == 0 {
		return "", fail(KeyFormat, fmt.Errorf("signature has no issuer fingerprint subpacket"))
	}
	return strings.ToUpper(fmt.Sprintf("%x", sig.IssuerFingerprint)), nil
}

// ExtractSignerUserID returns the SignersUserID subpacket, normalized to
// local@domain: "Real Name <local@domain>" is reduced to the address, and
// whitespace is trimmed. Fails if the subpacket is absent or has no '@'.
func ExtractSignerUserID(armoredOrRaw []byte) (string, error) {
	r, err := toReader(armoredOrRaw)
	if err != nil {
		return "", err
	}
	sig, err := findSignaturePacket(r)
	if err != nil {
		return "", err
	}
	if sig.SignerUserId == nil {
		return "", fail(KeyFormat, fmt.Errorf("signature has no SignersUserID subpacket"))
	}
	return normalizeAddress(*sig.SignerUserId)
}

func normalizeAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j >= 0 {
			s = strings.TrimSpace(s[i+1 : i+j])
		}
	}
	if !strings.Contains(s, "@") {
		return "", fail(KeyFormat, fmt.Errorf("signer user id %q has no '@'", raw))
	}
	return s, nil
}

// PublicKeys wraps a parsed key holder that has a signing-capable key (a
// signing subkey, or a primary key that can sign) and an encryption-capable
// subkey.
type PublicKeys struct {
	entity *openpgp.Entity
}

// FromArmored parses an armored public key block, rejecting keys that have
// neither a signing subkey nor a signing-capable primary key, and keys that
// lack an encryption subkey.
func FromArmored(s string) (*PublicKeys, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(s))
	if err != nil {
		return nil, fail(KeyFormat, err)
	}
	if len(ring) == 0 {
		return nil, fail(KeyFormat, fmt.Errorf("no keys found"))
	}
	entity := ring[0]
	pk := &PublicKeys{entity: entity}
	if pk.signingSubkey() == nil && !canSign(entity.PrimaryKey) {
		return nil, fail(KeyFormat, fmt.Errorf("key lacks a signing-capable subkey"))
	}
	if pk.encryptionSubkey() == nil {
		return nil, fail(KeyFormat, fmt.Errorf("key lacks an encryption-capable subkey"))
	}
	return pk, nil
}

func canSign(pk *packet.PublicKey) bool {
	return pk.PubKeyAlgo == packet.PubKeyAlgoRSA ||
		pk.PubKeyAlgo == packet.PubKeyAlgoRSASignOnly ||
		pk.PubKeyAlgo == packet.PubKeyAlgoDSA ||
		pk.PubKeyAlgo == packet.PubKeyAlgoEdDSA ||
		pk.PubKeyAlgo == packet.PubKeyAlgoECDSA
}

func (pk *PublicKeys) signingSubkey() *openpgp.Subkey {
	for i := range pk.entity.Subkeys {
		sk := &pk.entity.Subkeys[i]
		if sk.Sig != nil && sk.Sig.FlagsValid && sk.Sig.FlagSign {
			return sk
		}
	}
	return nil
}

func (pk *PublicKeys) encryptionSubkey() *openpgp.Subkey {
	for i := range pk.entity.Subkeys {
		sk := &pk.entity.Subkeys[i]
		if sk.Sig != nil && sk.Sig.FlagsValid && (sk.Sig.FlagEncryptCommunications || sk.Sig.FlagEncryptStorage) {
			return sk
		}
	}
	return nil
}

// PrimaryFingerprint returns the uppercase-hex fingerprint of the primary key.
func (pk *PublicKeys) PrimaryFingerprint() string {
	return strings.ToUpper(fmt.Sprintf("%x", pk.entity.PrimaryKey.Fingerprint))
}

// SigningSubkeyFingerprint returns the uppercase-hex fingerprint of the
// signing-capable subkey, or "" if signing is done by the primary key itself.
func (pk *PublicKeys) SigningSubkeyFingerprint() string {
	if sk := pk.signingSubkey(); sk != nil {
		return strings.ToUpper(fmt.Sprintf("%x", sk.PublicKey.Fingerprint))
	}
	return ""
}

// PrimaryUserAddress returns the normalized address of the primary identity.
func (pk *PublicKeys) PrimaryUserAddress() (string, error) {
	if id := pk.entity.PrimaryIdentity(); id != nil {
		return normalizeAddress(id.Name)
	}
	return "", fail(KeyFormat, fmt.Errorf("key has no identities"))
}

// keyRing adapts a single PublicKeys as an openpgp.KeyRing for verification.
type keyRing struct{ pk *PublicKeys }

func (k keyRing) KeysById(id uint64) []openpgp.Key {
	return k.pk.entity.KeysById(id)
}
func (k keyRing) KeysByIdUsage(id uint64, usage byte) []openpgp.Key {
	return k.pk.entity.KeysByIdUsage(id, usage)
}
func (k keyRing) DecryptionKeys() []openpgp.Key {
	return nil
}

// VerifyAndExtract verifies an inline PGP-signed message against pk and
// returns the plaintext. The body is fully read before the signature is
// checked (ReadMessage's SignatureError is only populated once the
// UnverifiedBody reader is drained) so that no unverified bytes are returned
// on failure.
func (pk *PublicKeys) VerifyAndExtract(armoredOrRaw []byte) ([]byte, error) {
	r, err := toReader(armoredOrRaw)
	if err != nil {
		return nil, err
	}
	md, err := openpgp.ReadMessage(r, keyRing{pk}, nil, nil)
	if err != nil {
		return nil, fail(Verification, err)
	}
	body, err := io.ReadAll(md.UnverifiedBody)
	if err != nil && err != io.EOF {
		return nil, fail(Verification, err)
	}
	if md.SignatureError != nil {
		return nil, fail(Verification, md.SignatureError)
	}
	if !md.IsSigned {
		return nil, fail(Verification, fmt.Errorf("message is not signed"))
	}
	return body, nil
}

// CertInfo is the unverified metadata of a raw certification signature packet.
type CertInfo struct {
	IssuerFingerprint string
	CreatedAt         time.Time
	IsCertification   bool
}

// ParseCertificationSignatureInfo extracts metadata from a raw signature
// packet without verifying it.
func ParseCertificationSignatureInfo(raw []byte) (CertInfo, error) {
	r, err := toReader(raw)
	if err != nil {
		return CertInfo{}, err
	}
	sig, err := findSignaturePacket(r)
	if err != nil {
		return CertInfo{}, err
	}
	info := CertInfo{
		IsCertification: isCertificationType(sig.SigType),
		CreatedAt:       sig.CreationTime,
	}
	if len(sig.IssuerFingerprint) > 0 {
		info.IssuerFingerprint = strings.ToUpper(fmt.Sprintf("%x", sig.IssuerFingerprint))
	}
	return info, nil
}

func isCertificationType(t packet.SignatureType) bool {
	switch t {
	case packet.SigTypeGenericCert, packet.SigTypePersonaCert, packet.SigTypeCasualCert, packet.SigTypePositiveCert:
		return true
	default:
		return false
	}
}

// VerifyCertificationSignatureForTarget reports whether raw is a
// certification signature over any user id of target, verifiable under
// signer's primary key or any signing-capable subkey. User-attribute packets
// of target are not checked.
func VerifyCertificationSignatureForTarget(signer, target *PublicKeys, raw []byte) (bool, error) {
	r, err := toReader(raw)
	if err != nil {
		return false, err
	}
	sig, err := findSignaturePacket(r)
	if err != nil {
		return false, err
	}
	if !isCertificationType(sig.SigType) {
		return false, nil
	}

	candidates := []*packet.PublicKey{signer.entity.PrimaryKey}
	for i := range signer.entity.Subkeys {
		sk := &signer.entity.Subkeys[i]
		if sk.Sig != nil && sk.Sig.FlagsValid && sk.Sig.FlagSign {
			candidates = append(candidates, sk.PublicKey)
		}
	}

	for name := range target.entity.Identities {
		for _, cand := range candidates {
			if err := cand.VerifyUserIdSignature(name, target.entity.PrimaryKey, sig); err == nil {
				return true, nil
			}
		}
	}
	return false, nil
}
