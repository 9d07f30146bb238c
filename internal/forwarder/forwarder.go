// Package forwarder implements the conditional plain-DNS forwarder: a
// small set of "domain@address" rules that route matching queries to a
// plain DNS server instead of the DoH upstream, bypassing the TLS session
// entirely. This exists for split-horizon setups (internal zones, VPN
// DNS) that a public DoH resolver cannot answer.
//
// Query dispatch over the plain side channel is grounded on the teacher's
// internal/engine/resolver.go, which already wraps github.com/miekg/dns's
// Client for exactly this kind of upstream exchange.
package forwarder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Entry is one configured "domain@address" forwarding rule.
type Entry struct {
	Domain  string // suffix-matched, case-insensitive, no trailing dot
	Address string // host:port of the plain DNS server
}

// Parse turns a "domain@address" flag value into an Entry.
func Parse(spec string) (Entry, error) {
	parts := strings.SplitN(spec, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Entry{}, fmt.Errorf("forwarder: malformed spec %q, want domain@address", spec)
	}
	return Entry{
		Domain:  strings.ToLower(strings.TrimSuffix(parts[0], ".")),
		Address: parts[1],
	}, nil
}

// Forwarder holds the configured rule set and a reusable miekg/dns client.
type Forwarder struct {
	entries []Entry
	client  *dns.Client
}

// New creates a Forwarder from already-parsed entries.
func New(entries []Entry) *Forwarder {
	return &Forwarder{
		entries: entries,
		client:  &dns.Client{Timeout: 5 * time.Second},
	}
}

// Match returns the forwarding rule for domain, if any, longest suffix
// match wins so a more specific rule overrides a broader one.
func (f *Forwarder) Match(domain string) (Entry, bool) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))

	var best Entry
	found := false
	for _, e := range f.entries {
		if domain != e.Domain && !strings.HasSuffix(domain, "."+e.Domain) {
			continue
		}
		if !found || len(e.Domain) > len(best.Domain) {
			best = e
			found = true
		}
	}
	return best, found
}

// Resolve sends (name, qtype) to the matched rule's plain DNS server and
// returns the raw wire-format reply, so the caller can lint/cache it
// identically to a DoH reply.
func (f *Forwarder) Resolve(ctx context.Context, entry Entry, name string, qtype uint16) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := f.client.ExchangeContext(ctx, m, entry.Address)
	if err != nil {
		return nil, fmt.Errorf("forwarder: exchange with %s: %w", entry.Address, err)
	}
	return in.Pack()
}
