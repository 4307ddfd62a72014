// ABOUTME: Renders the Corefile served by the launcher from the INI listen addresses and flags.
// ABOUTME: One server block per port, bound to every host configured for that port.

package main

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"
)

// launchOptions carries the command-line settings that end up in the Corefile.
type launchOptions struct {
	metrics   string
	queryLog  bool
	reload    time.Duration
	noWatch   bool
	apiAddr   string
	apiToken  string
	grpcAddr  string
	grpcToken string
}

type serverBlock struct {
	port     string
	hosts    []string
	wildcard bool
}

// groupListen groups host:port addresses by port, keeping first-seen order.
// An empty or wildcard host binds every interface.
func groupListen(listen []string) ([]serverBlock, error) {
	var blocks []serverBlock
	for _, addr := range listen {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", addr, err)
		}
		i := slices.IndexFunc(blocks, func(b serverBlock) bool { return b.port == port })
		if i < 0 {
			blocks = append(blocks, serverBlock{port: port})
			i = len(blocks) - 1
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			blocks[i].wildcard = true
			blocks[i].hosts = nil
			continue
		}
		if !blocks[i].wildcard && !slices.Contains(blocks[i].hosts, host) {
			blocks[i].hosts = append(blocks[i].hosts, host)
		}
	}
	return blocks, nil
}

func buildCorefile(ini string, listen []string, o launchOptions) (string, error) {
	if len(listen) == 0 {
		return "", fmt.Errorf("%s: no listen address in the options section", ini)
	}
	blocks, err := groupListen(listen)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, sb := range blocks {
		fmt.Fprintf(&b, "dns://.:%s {\n", sb.port)
		if !sb.wildcard {
			fmt.Fprintf(&b, "\tbind %s\n", strings.Join(sb.hosts, " "))
		}
		b.WriteString("\terrors\n")
		if o.queryLog {
			b.WriteString("\tlog\n")
		}
		if o.metrics != "" {
			fmt.Fprintf(&b, "\tprometheus %s\n", o.metrics)
		}
		var inner strings.Builder
		if o.reload > 0 {
			fmt.Fprintf(&inner, "\t\treload %s\n", o.reload)
		}
		if o.noWatch {
			inner.WriteString("\t\twatch off\n")
		}
		writeListener(&inner, "api", o.apiAddr, o.apiToken)
		writeListener(&inner, "grpc", o.grpcAddr, o.grpcToken)
		if inner.Len() == 0 {
			fmt.Fprintf(&b, "\topenvpn2dns %s\n}\n", strconv.Quote(ini))
			continue
		}
		fmt.Fprintf(&b, "\topenvpn2dns %s {\n%s\t}\n}\n", strconv.Quote(ini), inner.String())
	}
	return b.String(), nil
}

func writeListener(b *strings.Builder, name, addr, token string) {
	if addr == "" {
		return
	}
	fmt.Fprintf(b, "\t\t%s {\n\t\t\tlisten %s\n", name, addr)
	if token != "" {
		fmt.Fprintf(b, "\t\t\ttoken %s\n", strconv.Quote(token))
	}
	b.WriteString("\t\t}\n")
}
