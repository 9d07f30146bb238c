// Command fdnsd runs the DNS-over-HTTPS forwarding proxy: a small UDP
// front-end that accepts classic DNS queries on localhost/LAN and relays
// them to a DoH upstream over a persistent TLS session, caching and
// filtering along the way.
//
// Flag set and startup shape follow the teacher's cmd/dnsscienced/main.go
// (flag.String/.Int/.Bool block, boxed banner, SIGINT/SIGTERM shutdown);
// there is no periodic stats printer, counters are exported through
// --metrics-addr instead. Flag names themselves follow
// original_source/src/fdns/main.c's --cache-ttl/--resolvers/--server/etc.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fdnsd/fdnsd/internal/config"
	"github.com/fdnsd/fdnsd/internal/dohcatalog"
	"github.com/fdnsd/fdnsd/internal/filter"
	"github.com/fdnsd/fdnsd/internal/forwarder"
	"github.com/fdnsd/fdnsd/internal/frontend"
	"github.com/fdnsd/fdnsd/internal/statsd"
	"github.com/fdnsd/fdnsd/internal/tlssession"
	"github.com/fdnsd/fdnsd/internal/worker"
)

func main() {
	var flags config.Flags
	var forwarders stringSliceFlag
	var configPath string

	flag.IntVar(&flags.CacheTTL, "cache-ttl", 3600, "Positive reply cache TTL in seconds")
	flag.StringVar(&flags.CertFile, "certfile", "", "Path to CA bundle used to verify the DoH upstream")
	flag.BoolVar(&flags.AllowAllQueries, "allow-all-queries", false, "Resolve query types other than A/AAAA")
	flag.BoolVar(&flags.AllowLocalDoH, "allow-local-doh", false, "Reserved; DoH upstream addresses are not checked against loopback/private ranges")
	flag.BoolVar(&flags.NoFilter, "nofilter", false, "Disable the domain block list")
	flag.BoolVar(&flags.IPv6, "ipv6", false, "Permit AAAA queries in addition to A")
	flag.IntVar(&flags.Resolvers, "resolvers", runtime.NumCPU(), "Number of resolver worker goroutines")
	flag.StringVar(&flags.Server, "server", "", "DoH server name or tag to use (default: first in catalog)")
	flag.StringVar(&flags.ProxyAddr, "proxy-addr", "", "UDP address to listen on (default 127.0.0.1:53)")
	flag.BoolVar(&flags.ProxyAddrAny, "proxy-addr-any", false, "Listen on all interfaces, port 53 (mutually exclusive with --proxy-addr)")
	flag.StringVar(&flags.Zone, "zone", "", "Reserved for split-horizon zone scoping")
	flag.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
	flag.StringVar(&flags.CatalogFile, "catalog", "", "Optional YAML file of additional DoH servers")
	flag.Var(&forwarders, "forwarder", "domain@address plain-DNS forwarding rule (repeatable)")
	flag.StringVar(&configPath, "config", "", "Optional YAML config overlay")

	flag.Parse()
	flags.Forwarders = forwarders

	var overlay *config.Overlay
	if configPath != "" {
		o, err := config.LoadOverlay(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
			os.Exit(1)
		}
		overlay = &o
	}

	cfg, err := config.New(flags, overlay)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                                                              ║")
	fmt.Println("║                 fdnsd - DNS-over-HTTPS Proxy                  ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	addr := cfg.ProxyAddr
	if cfg.ProxyAddrAny {
		addr = ":53"
	} else if addr == "" {
		addr = "127.0.0.1:53"
	}

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Listen Address:   %s\n", addr)
	fmt.Printf("  Resolvers:        %d\n", cfg.Resolvers)
	fmt.Printf("  Cache TTL:        %s\n", cfg.CacheTTL)
	fmt.Printf("  IPv6:             %v\n", cfg.IPv6)
	fmt.Printf("  Filter Enabled:   %v\n", !cfg.NoFilter)
	fmt.Printf("  Forwarders:       %d\n", len(cfg.Forwarders))
	fmt.Println()

	var catalog *dohcatalog.Catalog
	if cfg.CatalogFile != "" {
		catalog, err = dohcatalog.Load(cfg.CatalogFile)
	} else {
		catalog = dohcatalog.New(dohcatalog.Builtin())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading DoH catalog: %v\n", err)
		os.Exit(1)
	}

	server, ok := catalog.Select(cfg.Server)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: no DoH server matching %q in catalog\n", cfg.Server)
		os.Exit(1)
	}
	fmt.Printf("  DoH Upstream:     %s (%s)\n", server.Name, server.Address)
	fmt.Println()

	blockFilter := filter.New()

	var fwd *forwarder.Forwarder
	if len(cfg.Forwarders) > 0 {
		fwd = forwarder.New(cfg.Forwarders)
	}

	workers := make([]*worker.Worker, cfg.Resolvers)
	for i := range workers {
		sess := tlssession.New(server, cfg.CertFile)
		workers[i] = worker.New(
			fmt.Sprintf("w%d", i),
			worker.Options{
				AllowAllQueries: cfg.AllowAllQueries,
				IPv6:            cfg.IPv6,
				NoFilter:        cfg.NoFilter,
			},
			sess,
			blockFilter,
			fwd,
		)
	}

	dispatcher, err := frontend.New(addr, workers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error binding %s: %v\n", addr, err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", statsd.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("Metrics listening on %s\n", cfg.MetricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		dispatcher.Run(ctx)
	}()

	fmt.Println("fdnsd started successfully!")
	fmt.Println()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println()

	cancel()
	dispatcher.Stop()
}

// stringSliceFlag collects repeated -forwarder flag occurrences.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return fmt.Sprint([]string(*s))
}

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
