// Package snicloak picks the decoy TLS server name used in the
// ClientHello when a DoH server's catalog entry requests SNI cloaking:
// the proxy connects to the real DoH address but presents an innocuous,
// widely-used hostname as SNI so an on-path observer watching only the
// ClientHello cannot single out DoH traffic.
//
// Decoy selection is security-relevant (a predictable decoy is as good as
// no decoy), so this package follows the teacher's internal/random rule
// of never using math/rand for anything an observer could exploit.
package snicloak

import (
	"crypto/rand"
	"math/big"
)

// decoys is a small set of common, widely-deployed TLS hostnames that
// blend in with ordinary HTTPS traffic on the same front-end IPs used by
// major CDNs and cloud providers.
var decoys = []string{
	"www.google.com",
	"www.cloudflare.com",
	"www.apple.com",
	"www.microsoft.com",
	"outlook.office365.com",
}

// Pick returns a random decoy hostname. If host is non-empty, it is used
// verbatim instead (an explicit SNI override from configuration); Pick
// only falls back to the built-in decoy set when host is empty.
func Pick(host string) (string, error) {
	if host != "" {
		return host, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(decoys))))
	if err != nil {
		return "", err
	}
	return decoys[n.Int64()], nil
}
