// ABOUTME: Standalone openvpn2dns server: CoreDNS with the openvpn2dns plugin, configured from the INI file.
// ABOUTME: SIGHUP reloads every instance; SIGINT and SIGTERM shut down.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"

	"github.com/coredns/caddy"
	"github.com/coredns/coredns/core/dnsserver"
	clog "github.com/coredns/coredns/plugin/pkg/log"
	"golang.org/x/sys/unix"

	_ "github.com/coredns/coredns/plugin/bind"
	_ "github.com/coredns/coredns/plugin/errors"
	_ "github.com/coredns/coredns/plugin/log"
	_ "github.com/coredns/coredns/plugin/metrics"

	"github.com/mauromedda/coredns-openvpn2dns"
)

const directive = "openvpn2dns"

func init() {
	// The plugin answers authoritatively, so it sits with the other zone
	// data plugins ahead of anything that forwards.
	if !slices.Contains(dnsserver.Directives, directive) {
		at := slices.Index(dnsserver.Directives, "file")
		if at < 0 {
			at = len(dnsserver.Directives)
		}
		dnsserver.Directives = slices.Insert(dnsserver.Directives, at, directive)
	}
}

func main() {
	var (
		o             launchOptions
		printCorefile = flag.Bool("print-corefile", false, "Print the generated Corefile and exit")
	)
	flag.StringVar(&o.metrics, "metrics", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&o.queryLog, "query-log", false, "Log every DNS query")
	flag.DurationVar(&o.reload, "reload", 0, "Also poll status files for changes at this interval")
	flag.BoolVar(&o.noWatch, "no-watch", false, "Disable filesystem change notifications")
	flag.StringVar(&o.apiAddr, "api", "", "Serve the REST management API on this address")
	flag.StringVar(&o.apiToken, "api-token", os.Getenv("OPENVPN2DNS_API_TOKEN"), "Bearer token for the REST API")
	flag.StringVar(&o.grpcAddr, "grpc", "", "Serve gRPC health on this address")
	flag.StringVar(&o.grpcToken, "grpc-token", os.Getenv("OPENVPN2DNS_GRPC_TOKEN"), "Bearer token for gRPC health")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] configfile\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	cfg, err := openvpn2dns.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	corefile, err := buildCorefile(path, cfg.Listen, o)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *printCorefile {
		fmt.Print(corefile)
		return
	}

	if err := run(corefile); err != nil {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		os.Exit(1)
	}
}

// run serves corefile until SIGINT or SIGTERM. caddy.TrapSignals is not
// used because it turns SIGHUP into a full restart.
func run(corefile string) error {
	caddy.AppName = directive
	caddy.Quiet = true
	dnsserver.Quiet = true

	instance, err := caddy.Start(caddy.CaddyfileInput{
		Contents:       []byte(corefile),
		Filepath:       "Corefile",
		ServerTypeName: "dns",
	})
	if err != nil {
		return err
	}
	clog.Infof("%s started", directive)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	go openvpn2dns.ReloadOnSignal(ctx, openvpn2dns.ReloadAll, unix.SIGHUP)

	<-ctx.Done()
	clog.Info("shutting down")
	err = instance.Stop()
	for _, cbErr := range instance.ShutdownCallbacks() {
		clog.Errorf("shutdown: %v", cbErr)
	}
	return err
}
