// Package fingerprint computes the cache-key hash for a DNS query.
package fingerprint

import (
	"encoding/binary"
	"hash/fnv"
)

// Hash returns an unkeyed 64-bit FNV-1a fingerprint of (qname, qtype,
// qclass), used as the cache key and as the rate-limit bucket key. FNV-1a
// is fast and has good distribution for short, mostly-distinct domain
// strings — grounded on the teacher's own HashQuery in
// internal/packet/parser.go.
//
// Callers are expected to lower-case qname first; Hash itself performs no
// normalization so that cache.Cache stays the single place that owns the
// case-folding rule for cache keys.
func Hash(qname string, qtype, qclass uint16) uint64 {
	h := fnv.New64a()
	h.Write([]byte(qname))
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[0:2], qtype)
	binary.BigEndian.PutUint16(buf[2:4], qclass)
	h.Write(buf[:])
	return h.Sum64()
}
