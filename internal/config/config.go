// Package config assembles the proxy's immutable runtime configuration
// from CLI flags and an optional YAML overlay file, validating the
// mutually-exclusive and range-bound options documented in SPEC_FULL.md
// §6.
//
// The YAML overlay shape is grounded on the teacher's
// cmd/dnsscience-grpc/config.go (LoadConfig via gopkg.in/yaml.v3); the
// flag set and defaults follow cmd/dnsscienced/main.go's flag.String/
// flag.Int/flag.Bool block.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fdnsd/fdnsd/internal/cache"
	"github.com/fdnsd/fdnsd/internal/forwarder"
)

// Config is the fully resolved, validated set of options a running proxy
// instance needs. Build one with New; there is no mutation after that.
type Config struct {
	CacheTTL        time.Duration
	CertFile        string
	AllowAllQueries bool
	AllowLocalDoH   bool
	NoFilter        bool
	IPv6            bool
	Resolvers       int
	Server          string // name or tag into the dohcatalog
	ProxyAddr       string
	ProxyAddrAny    bool
	Zone            string
	MetricsAddr     string
	Forwarders      []forwarder.Entry
	CatalogFile     string
}

// Overlay is the YAML document shape an operator can pass via --config to
// override any flag default without lengthening the command line.
type Overlay struct {
	CacheTTL        *int     `yaml:"cache_ttl_seconds"`
	CertFile        *string  `yaml:"cert_file"`
	AllowAllQueries *bool    `yaml:"allow_all_queries"`
	AllowLocalDoH   *bool    `yaml:"allow_local_doh"`
	NoFilter        *bool    `yaml:"no_filter"`
	IPv6            *bool    `yaml:"ipv6"`
	Resolvers       *int     `yaml:"resolvers"`
	Server          *string  `yaml:"server"`
	ProxyAddr       *string  `yaml:"proxy_addr"`
	ProxyAddrAny    *bool    `yaml:"proxy_addr_any"`
	Zone            *string  `yaml:"zone"`
	MetricsAddr     *string  `yaml:"metrics_addr"`
	Forwarders      []string `yaml:"forwarders"`
	CatalogFile     *string  `yaml:"catalog_file"`
}

// LoadOverlay reads and parses a YAML overlay file.
func LoadOverlay(path string) (Overlay, error) {
	var o Overlay
	b, err := os.ReadFile(path)
	if err != nil {
		return o, fmt.Errorf("config: read overlay %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &o); err != nil {
		return o, fmt.Errorf("config: parse overlay %s: %w", path, err)
	}
	return o, nil
}

const (
	minResolvers = 1
	maxResolvers = 64
)

// Flags mirrors the CLI flag values exactly as flag.Parse leaves them;
// New merges an optional Overlay on top of these before validating.
type Flags struct {
	CacheTTL        int
	CertFile        string
	AllowAllQueries bool
	AllowLocalDoH   bool
	NoFilter        bool
	IPv6            bool
	Resolvers       int
	Server          string
	ProxyAddr       string
	ProxyAddrAny    bool
	Zone            string
	MetricsAddr     string
	Forwarders      []string
	CatalogFile     string
}

// New merges flags with an optional overlay (overlay wins where set) and
// validates the combined result.
func New(f Flags, overlay *Overlay) (*Config, error) {
	if overlay != nil {
		applyOverlay(&f, overlay)
	}

	if f.ProxyAddr != "" && f.ProxyAddrAny {
		return nil, fmt.Errorf("config: --proxy-addr and --proxy-addr-any are mutually exclusive")
	}
	if f.Resolvers < minResolvers || f.Resolvers > maxResolvers {
		return nil, fmt.Errorf("config: --resolvers must be in [%d, %d], got %d", minResolvers, maxResolvers, f.Resolvers)
	}
	minTTL, maxTTL := int(cache.TTLMin/time.Second), int(cache.TTLMax/time.Second)
	if f.CacheTTL < minTTL || f.CacheTTL > maxTTL {
		return nil, fmt.Errorf("config: --cache-ttl must be in [%d, %d], got %d", minTTL, maxTTL, f.CacheTTL)
	}

	var entries []forwarder.Entry
	for _, spec := range f.Forwarders {
		e, err := forwarder.Parse(spec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return &Config{
		CacheTTL:        time.Duration(f.CacheTTL) * time.Second,
		CertFile:        f.CertFile,
		AllowAllQueries: f.AllowAllQueries,
		AllowLocalDoH:   f.AllowLocalDoH,
		NoFilter:        f.NoFilter,
		IPv6:            f.IPv6,
		Resolvers:       f.Resolvers,
		Server:          f.Server,
		ProxyAddr:       f.ProxyAddr,
		ProxyAddrAny:    f.ProxyAddrAny,
		Zone:            f.Zone,
		MetricsAddr:     f.MetricsAddr,
		Forwarders:      entries,
		CatalogFile:     f.CatalogFile,
	}, nil
}

func applyOverlay(f *Flags, o *Overlay) {
	if o.CacheTTL != nil {
		f.CacheTTL = *o.CacheTTL
	}
	if o.CertFile != nil {
		f.CertFile = *o.CertFile
	}
	if o.AllowAllQueries != nil {
		f.AllowAllQueries = *o.AllowAllQueries
	}
	if o.AllowLocalDoH != nil {
		f.AllowLocalDoH = *o.AllowLocalDoH
	}
	if o.NoFilter != nil {
		f.NoFilter = *o.NoFilter
	}
	if o.IPv6 != nil {
		f.IPv6 = *o.IPv6
	}
	if o.Resolvers != nil {
		f.Resolvers = *o.Resolvers
	}
	if o.Server != nil {
		f.Server = *o.Server
	}
	if o.ProxyAddr != nil {
		f.ProxyAddr = *o.ProxyAddr
	}
	if o.ProxyAddrAny != nil {
		f.ProxyAddrAny = *o.ProxyAddrAny
	}
	if o.Zone != nil {
		f.Zone = *o.Zone
	}
	if o.MetricsAddr != nil {
		f.MetricsAddr = *o.MetricsAddr
	}
	if len(o.Forwarders) > 0 {
		f.Forwarders = o.Forwarders
	}
	if o.CatalogFile != nil {
		f.CatalogFile = *o.CatalogFile
	}
}
