// Package worker implements the resolver worker: the per-query pipeline
// that a front-end goroutine hands a raw client datagram to. Each worker
// owns its own Cache, Limiter, and tlssession.Session — there is no
// shared mutable state between workers, matching the teacher's
// one-process-per-resolver isolation (spec.md §5), here translated into
// one-goroutine-per-resolver.
//
// The pipeline order (lint -> filter -> forwarder -> cache -> upstream ->
// lint reply -> cache store) is grounded on original_source/src/fdns/
// ssl.c's ssl_dns plus main.c's resolver() dispatch, with the ACL/RPZ
// staging idiom borrowed from the teacher's internal/transport/
// fast_udp.go (lint -> ACL -> RPZ -> resolve -> reply).
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fdnsd/fdnsd/internal/cache"
	"github.com/fdnsd/fdnsd/internal/filter"
	"github.com/fdnsd/fdnsd/internal/forwarder"
	"github.com/fdnsd/fdnsd/internal/lint"
	"github.com/fdnsd/fdnsd/internal/ratelimit"
	"github.com/fdnsd/fdnsd/internal/statsd"
	"github.com/fdnsd/fdnsd/internal/tlssession"
)

// Options configures a Worker's policy; these mirror the CLI flags in
// SPEC_FULL.md §6 that affect per-query behavior (as opposed to process
// startup, which is config.Config's concern).
type Options struct {
	AllowAllQueries bool // skip the type-A/AAAA-only restriction
	IPv6            bool // permit AAAA in addition to A
	NoFilter        bool // skip the block-list check entirely
}

// Worker is one resolver pipeline: a cache, a rate limiter, a domain
// filter, an optional forwarder, and a TLS session to the DoH upstream.
// Not safe for concurrent use — each front-end goroutine that owns a
// Worker must call Handle sequentially.
type Worker struct {
	id    string
	opts  Options
	cache *cache.Cache
	limit *ratelimit.Limiter
	filt  *filter.Filter
	fwd   *forwarder.Forwarder
	sess  *tlssession.Session
}

// New assembles a Worker from its collaborators. filt and fwd may be nil
// (NoFilter / no configured forwarders, respectively).
func New(id string, opts Options, sess *tlssession.Session, filt *filter.Filter, fwd *forwarder.Forwarder) *Worker {
	return &Worker{
		id:    id,
		opts:  opts,
		cache: cache.New(),
		limit: ratelimit.New(ratelimit.DefaultConfig()),
		filt:  filt,
		fwd:   fwd,
		sess:  sess,
	}
}

// allowedType reports whether qtype is one this proxy will resolve at
// all: A always, AAAA only when IPv6 is enabled, anything else only when
// AllowAllQueries overrides the restriction. This mirrors the original's
// "local DoH proxy, not a general resolver" scope (spec.md §1 Non-goals).
const (
	qtypeA    = 1
	qtypeAAAA = 28
)

func (w *Worker) allowedType(qtype uint16) bool {
	if w.opts.AllowAllQueries {
		return true
	}
	if qtype == qtypeA {
		return true
	}
	if qtype == qtypeAAAA && w.opts.IPv6 {
		return true
	}
	return false
}

// Handle runs one client datagram through the full pipeline and returns
// the raw wire-format reply to send back, or an error if nothing should
// be sent at all (malformed beyond any safe synthesis, or rate-limited
// to a drop).
func (w *Worker) Handle(ctx context.Context, clientAddr net.IP, query []byte) ([]byte, error) {
	now := time.Now()

	hdr, err := lint.ParseHeader(query)
	if err != nil {
		statsd.QueriesTotal.WithLabelValues(w.id, "formerr").Inc()
		return nil, fmt.Errorf("worker: %w", err)
	}
	if hdr.QDCount != 1 {
		statsd.QueriesTotal.WithLabelValues(w.id, "formerr").Inc()
		return lint.BuildBareReply(hdr.ID, lint.RCodeFormErr), nil
	}

	q, err := lint.ParseQuestion(query, 12)
	if err != nil {
		statsd.QueriesTotal.WithLabelValues(w.id, "formerr").Inc()
		return lint.BuildBareReply(hdr.ID, lint.RCodeFormErr), nil
	}

	if !w.allowedType(q.Type) {
		statsd.QueriesTotal.WithLabelValues(w.id, "nxdomain").Inc()
		return lint.BuildSynthReply(query, q, lint.RCodeNXDomain)
	}

	switch w.limit.Check(clientAddr, q.Name, ratelimit.CategoryResponse, now) {
	case ratelimit.ActionDrop:
		statsd.QueriesTotal.WithLabelValues(w.id, "rate-limited").Inc()
		return nil, fmt.Errorf("worker: rate limited")
	case ratelimit.ActionSlip:
		statsd.QueriesTotal.WithLabelValues(w.id, "slipped").Inc()
		return lint.BuildTruncatedReply(query, q)
	}

	if !w.opts.NoFilter && w.filt != nil && w.filt.IsBlocked(q.Name) {
		statsd.QueriesTotal.WithLabelValues(w.id, "blocked").Inc()
		return lint.BuildSynthReply(query, q, lint.RCodeNXDomain)
	}

	if w.fwd != nil {
		if entry, ok := w.fwd.Match(q.Name); ok {
			reply, err := w.fwd.Resolve(ctx, entry, q.Name, q.Type)
			if err != nil {
				statsd.QueriesTotal.WithLabelValues(w.id, "servfail").Inc()
				return lint.BuildSynthReply(query, q, lint.RCodeServFail)
			}
			if err := lint.RewriteID(reply, hdr.ID); err != nil {
				statsd.QueriesTotal.WithLabelValues(w.id, "servfail").Inc()
				return lint.BuildSynthReply(query, q, lint.RCodeServFail)
			}
			statsd.QueriesTotal.WithLabelValues(w.id, "forwarded").Inc()
			return reply, nil
		}
	}

	if entry, ok := w.cache.Lookup(q.Name, q.Type, q.Class, now); ok {
		reply := append([]byte(nil), entry.Data...)
		if err := lint.RewriteID(reply, hdr.ID); err != nil {
			return nil, fmt.Errorf("worker: rewrite cached id: %w", err)
		}
		statsd.QueriesTotal.WithLabelValues(w.id, "cache-hit").Inc()
		statsd.CacheSize.WithLabelValues(w.id).Set(float64(w.cache.GetStats().Size))
		return reply, nil
	}

	if w.sess.State() != tlssession.Open {
		statsd.TLSReopens.WithLabelValues(w.id).Inc()
		if err := w.sess.Open(); err != nil {
			statsd.QueriesTotal.WithLabelValues(w.id, "servfail").Inc()
			return lint.BuildSynthReply(query, q, lint.RCodeServFail)
		}
	}

	start := time.Now()
	reply, msg, err := w.sess.TransactAndLint(query)
	statsd.UpstreamDuration.WithLabelValues(w.id).Observe(time.Since(start).Seconds())
	// Relay the upstream reply under the client's transaction id, as the
	// cache-hit path does; a reply too short to carry an id fails lint below.
	_ = lint.RewriteID(reply, hdr.ID)

	if err != nil {
		if errors.Is(err, lint.ErrNXDomain) {
			w.cache.Insert(q.Name, q.Type, q.Class, reply, cache.TTLError, true, now)
			statsd.QueriesTotal.WithLabelValues(w.id, "nxdomain").Inc()
			return reply, nil
		}
		statsd.QueriesTotal.WithLabelValues(w.id, "servfail").Inc()
		return lint.BuildSynthReply(query, q, lint.RCodeServFail)
	}

	_ = msg // CNAMEs are diagnostic-only; nothing downstream consumes them yet.

	w.cache.Insert(q.Name, q.Type, q.Class, reply, cache.TTLDefault, false, now)
	statsd.CacheSize.WithLabelValues(w.id).Set(float64(w.cache.GetStats().Size))
	statsd.QueriesTotal.WithLabelValues(w.id, "answered").Inc()

	return reply, nil
}

// Maintain runs the periodic, opportunistic housekeeping a worker should
// do on every receive-loop iteration when it's otherwise idle: dropping
// expired cache entries and stale rate-limit buckets.
func (w *Worker) Maintain(now time.Time) {
	w.cache.Purge(now)
	w.limit.Purge(now)
}

// Close releases the worker's TLS session.
func (w *Worker) Close() error {
	return w.sess.Close()
}
