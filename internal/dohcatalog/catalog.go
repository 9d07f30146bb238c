// Package dohcatalog holds the catalog of known DNS-over-HTTPS servers the
// TLS session can connect to: name, tags, network address, SNI policy,
// and the HTTP/1.1 request template used to frame each query.
//
// Loading the full catalog from an external source (geographic zone
// selection, server testing) is out of scope per spec.md §1; this package
// only owns the DnsServer shape and a small built-in table plus an
// optional YAML overlay, so the TLS session component has something
// concrete to dial in tests and in the common case.
package dohcatalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Server describes one DoH upstream endpoint.
type Server struct {
	Name     string   `yaml:"name"`
	Tags     []string `yaml:"tags"`
	Address  string   `yaml:"address"`  // host:port, dialed directly
	SNIHost  string   `yaml:"sni_host"` // real hostname to present in the TLS ClientHello
	SNICloak bool     `yaml:"sni_cloak"`

	// Request is an HTTP/1.1 POST skeleton with exactly one integer
	// placeholder for Content-Length, terminated by a blank line; the
	// raw DNS query bytes are appended by the caller.
	Request string `yaml:"request"`
}

// buildRequest formats the canonical RFC 8484 POST template for host/path.
func buildRequest(host, path string) string {
	return fmt.Sprintf(
		"POST %s HTTP/1.1\r\nHost: %s\r\nContent-Type: application/dns-message\r\nContent-Length: %%d\r\n\r\n",
		path, host,
	)
}

// Builtin is the small, always-available set of DoH servers, enough to
// run the proxy without any external configuration.
func Builtin() []Server {
	return []Server{
		{
			Name:    "cloudflare",
			Tags:    []string{"default", "no-filter"},
			Address: "1.1.1.1:443",
			SNIHost: "cloudflare-dns.com",
			Request: buildRequest("cloudflare-dns.com", "/dns-query"),
		},
		{
			Name:    "quad9",
			Tags:    []string{"filter", "malware"},
			Address: "9.9.9.9:443",
			SNIHost: "dns.quad9.net",
			Request: buildRequest("dns.quad9.net", "/dns-query"),
		},
		{
			Name:     "google",
			Tags:     []string{"default"},
			Address:  "8.8.8.8:443",
			SNIHost:  "dns.google",
			SNICloak: true,
			Request:  buildRequest("dns.google", "/dns-query"),
		},
	}
}

// Catalog is a name/tag indexed list of servers.
type Catalog struct {
	servers []Server
}

// New wraps servers in a Catalog.
func New(servers []Server) *Catalog {
	return &Catalog{servers: servers}
}

// Load reads additional servers from a YAML file and returns a Catalog
// that is the built-in set overlaid with the file's entries (entries with
// a matching Name replace the built-in one).
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var extra struct {
		Servers []Server `yaml:"servers"`
	}
	if err := yaml.Unmarshal(b, &extra); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}

	servers := Builtin()
	index := make(map[string]int, len(servers))
	for i, s := range servers {
		index[s.Name] = i
	}

	for _, s := range extra.Servers {
		if i, ok := index[s.Name]; ok {
			servers[i] = s
			continue
		}
		index[s.Name] = len(servers)
		servers = append(servers, s)
	}

	return &Catalog{servers: servers}, nil
}

// Select returns the server matching the given name or tag. An empty
// selector returns the first built-in/default server. Returns false if
// nothing matches.
func (c *Catalog) Select(nameOrTag string) (Server, bool) {
	if nameOrTag == "" {
		if len(c.servers) == 0 {
			return Server{}, false
		}
		return c.servers[0], true
	}

	nameOrTag = strings.ToLower(nameOrTag)
	for _, s := range c.servers {
		if strings.ToLower(s.Name) == nameOrTag {
			return s, true
		}
	}
	for _, s := range c.servers {
		for _, t := range s.Tags {
			if strings.ToLower(t) == nameOrTag {
				return s, true
			}
		}
	}
	return Server{}, false
}

// All returns every server in the catalog.
func (c *Catalog) All() []Server {
	return c.servers
}
