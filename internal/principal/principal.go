// Package principal defines the authenticated-request type shared by the
// Authenticator and Federation Resolver, kept dependency-free to avoid an
// import cycle between them.
package principal

// Principal is what a successfully authenticated request carries forward:
// spec §4.E "Authenticated principal carries: user_id, primary_key_fingerprint,
// signing_public_key, and the raw base64 header (for forwarding)."
type Principal struct {
	UserID                string
	PrimaryKeyFingerprint string
	SigningPublicKey      string
	RawAuthorization      string
}
