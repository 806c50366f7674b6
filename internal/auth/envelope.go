package auth

import (
	"encoding/json"
	"strings"
	"time"
)

// AuthNonce is the nonce carried in the signed envelope plaintext. It
// supports both the structured {random,time} form and the legacy bare-string
// form (spec §4.E, Design Note (i)): original_source's AuthNonce::Legacy(String)
// and AuthNonce::Structured{random,time}, reproduced here as an untagged sum
// decoded by trying the object shape first, then a bare JSON string.
type AuthNonce struct {
	Legacy     string
	Random     string
	Time       time.Time
	isLegacy   bool
	timeParsed bool
}

func (n *AuthNonce) UnmarshalJSON(data []byte) error {
	var structured struct {
		Random string `json:"random"`
		Time   string `json:"time"`
	}
	if err := json.Unmarshal(data, &structured); err == nil && structured.Random != "" {
		n.Random = structured.Random
		n.isLegacy = false
		if t, err := time.Parse(time.RFC3339, structured.Time); err == nil {
			n.Time = t
			n.timeParsed = true
		}
		return nil
	}

	var legacy string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	n.Legacy = legacy
	n.isLegacy = true
	// Design Note (i): the legacy form reuses the raw string as the
	// timestamp; real timestamps essentially never parse as RFC3339 from a
	// bare replay-key string, so this almost always fails and the nonce is
	// rejected at the window check.
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(legacy)); err == nil {
		n.Time = t
		n.timeParsed = true
	}
	return nil
}

// ReplayKey returns the value used as the (type, value) uniqueness key for
// nonce consumption.
func (n *AuthNonce) ReplayKey() string {
	if n.isLegacy {
		return n.Legacy
	}
	return n.Random
}

// Timestamp returns the parsed payload time and whether parsing succeeded.
func (n *AuthNonce) Timestamp() (time.Time, bool) {
	return n.Time, n.timeParsed
}

// Envelope is the JSON plaintext of the signed Authorization payload.
type Envelope struct {
	Nonce AuthNonce `json:"nonce"`
}
