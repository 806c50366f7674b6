// Package dnsresolver implements the DNS TXT-based custom-domain mapping
// lookup: spec §4.D. Queries "_<namespace>.<domain>" TXT records, parses
// "user=<local>@<mapped-domain>" entries, and caches per-domain results with
// a fixed TTL. DNS failures fail open (return Original) so the authenticator
// never crashes on a resolver outage.
package dnsresolver

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/cordx56/xrypton-go/internal/cache"
	"github.com/cordx56/xrypton-go/internal/logutil"
)

// Namespace is the fixed system constant prefixing the TXT record name.
const Namespace = "_xrypton"

// DefaultTTL is the fixed cache TTL for resolved domains (spec §4.D: "default 1 h").
const DefaultTTL = time.Hour

// Kind distinguishes a DNS-mapped custom domain from the original, unmapped one.
type Kind int

const (
	Original Kind = iota
	Mapped
)

// Resolution is the outcome of resolving (domain, userID).
type Resolution struct {
	Kind   Kind
	Local  string
	Domain string
}

// TXTLookup is the opaque DNS capability Design Note 9 describes:
// "opaque DNS TXT lookup {query(name)→Vec<String>}". Tests substitute an
// in-memory variant.
type TXTLookup interface {
	QueryTXT(ctx context.Context, name string) ([]string, error)
}

// MiekgLookup performs real TXT queries via github.com/miekg/dns against the
// system resolver configuration.
type MiekgLookup struct {
	client     *dns.Client
	nameserver string
}

// NewMiekgLookup builds a lookup using /etc/resolv.conf's first nameserver.
// If resolv.conf cannot be read, falls back to 127.0.0.1:53.
func NewMiekgLookup() *MiekgLookup {
	nameserver := "127.0.0.1:53"
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		nameserver = cfg.Servers[0] + ":" + cfg.Port
	}
	return &MiekgLookup{client: &dns.Client{Timeout: 5 * time.Second}, nameserver: nameserver}
}

func (m *MiekgLookup) QueryTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := m.client.ExchangeContext(ctx, msg, m.nameserver)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, rr := range resp.Answer {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out, nil
}

// Resolver resolves (domain, userID) against TXT-record mappings, caching
// per-domain entry lists.
type Resolver struct {
	lookup TXTLookup
	cache  cache.Cache
	logger *slog.Logger
}

// New builds a Resolver. cache and logger may be nil.
func New(lookup TXTLookup, c cache.Cache, logger *slog.Logger) *Resolver {
	return &Resolver{lookup: lookup, cache: c, logger: logutil.NoopIfNil(logger)}
}

type entry struct {
	Local  string `json:"local"`
	Domain string `json:"domain"`
}

// Resolve implements spec §4.D's algorithm. On any DNS failure it returns
// Original — it has no error result — so callers may treat it uniformly with
// the no-mapping case.
func (r *Resolver) Resolve(ctx context.Context, domain, userID string) Resolution {
	entries, err := r.entriesFor(ctx, domain)
	if err != nil {
		r.logger.Warn("dns txt lookup failed, resolving original", "domain", domain, "error", err)
		return Resolution{Kind: Original}
	}

	var wildcard *entry
	for i := range entries {
		e := &entries[i]
		if e.Local == userID {
			return Resolution{Kind: Mapped, Local: userID, Domain: e.Domain}
		}
		if e.Local == "*" {
			wildcard = e
		}
	}
	if wildcard != nil {
		return Resolution{Kind: Mapped, Local: userID, Domain: wildcard.Domain}
	}
	return Resolution{Kind: Original}
}

func (r *Resolver) entriesFor(ctx context.Context, domain string) ([]entry, error) {
	if r.cache != nil {
		if raw, err := r.cache.Get(ctx, domain); err == nil {
			var cached []entry
			if jerr := json.Unmarshal(raw, &cached); jerr == nil {
				return cached, nil
			}
		}
	}

	records, err := r.lookup.QueryTXT(ctx, Namespace+"."+domain)
	if err != nil {
		return nil, err
	}

	entries := parseEntries(records)

	if r.cache != nil {
		if raw, err := json.Marshal(entries); err == nil {
			_ = r.cache.Set(ctx, domain, raw, DefaultTTL)
		}
	}
	return entries, nil
}

// parseEntries splits each TXT string on ';', trims, drops empties, and
// keeps only well-formed "user=<local>@<domain>" entries; malformed entries
// (no '@', not "user=") are silently ignored.
func parseEntries(records []string) []entry {
	var out []entry
	for _, rec := range records {
		for _, part := range strings.Split(rec, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			val, ok := strings.CutPrefix(part, "user=")
			if !ok {
				continue
			}
			local, mappedDomain, found := strings.Cut(val, "@")
			if !found || local == "" || mappedDomain == "" {
				continue
			}
			out = append(out, entry{Local: local, Domain: mappedDomain})
		}
	}
	return out
}
