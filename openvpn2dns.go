// ABOUTME: DNS handler implementing plugin.Handler for the openvpn2dns plugin.
// ABOUTME: Answers from the first zone store that contains the query name, with CNAME chasing and fallthrough.

package openvpn2dns

import (
	"context"
	"fmt"

	"github.com/coredns/coredns/plugin"
	"github.com/coredns/coredns/plugin/pkg/fall"
	clog "github.com/coredns/coredns/plugin/pkg/log"
	"github.com/coredns/coredns/request"
	"github.com/miekg/dns"
)

const (
	pluginName   = "openvpn2dns"
	maxCNAMEHops = 10
)

var log = clog.NewWithPlugin(pluginName)

// OpenVPN2DNS implements plugin.Handler over the zones kept by Handler.
type OpenVPN2DNS struct {
	Next    plugin.Handler
	Handler *Handler
	Fall    fall.F
}

// Name returns the plugin name.
func (o *OpenVPN2DNS) Name() string { return pluginName }

// ServeDNS answers queries for names inside one of the served zones.
func (o *OpenVPN2DNS) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) (int, error) {
	state := request.Request{W: w, Req: r}
	qname := state.Name()
	qtype := state.QType()

	store := o.match(qname)
	if store == nil {
		return plugin.NextOrFailure(o.Name(), o.Next, ctx, w, r)
	}
	zone := store.Apex()

	requestCount.WithLabelValues(zone).Inc()

	var rcode int
	var retErr error
	defer func() {
		responseCount.WithLabelValues(zone, dns.RcodeToString[rcode]).Inc()
	}()

	// The server writes the reply for these rcodes.
	soa := store.SOA()
	if soa == nil {
		rcode = dns.RcodeServerFailure
		return rcode, nil
	}
	if qtype == dns.TypeAXFR || qtype == dns.TypeIXFR {
		rcode = dns.RcodeRefused
		return rcode, nil
	}

	rrs, exists := store.Lookup(qname)
	if !exists {
		if o.Fall.Through(qname) {
			rcode, retErr = plugin.NextOrFailure(o.Name(), o.Next, ctx, w, r)
			return rcode, retErr
		}
		rcode, retErr = writeNegative(w, r, dns.RcodeNameError, soa)
		return rcode, retErr
	}

	if answers := filterByType(rrs, qtype); len(answers) > 0 {
		rcode, retErr = writeAnswer(w, r, answers)
		return rcode, retErr
	}

	// CNAME chasing for A/AAAA queries
	if qtype == dns.TypeA || qtype == dns.TypeAAAA {
		if cnames := filterByType(rrs, dns.TypeCNAME); len(cnames) > 0 {
			chain := chaseCNAME(store, cnames[0].(*dns.CNAME).Target, qtype, 1)
			rcode, retErr = writeAnswer(w, r, append([]dns.RR{cnames[0]}, chain...))
			return rcode, retErr
		}
	}

	rcode, retErr = writeNegative(w, r, dns.RcodeSuccess, soa)
	return rcode, retErr
}

// match returns the first store, in definition order, that holds qname:
// its apex is qname or an ancestor, or qname lies in its classless range.
func (o *OpenVPN2DNS) match(qname string) *Store {
	for _, s := range o.Handler.Authorities() {
		if inZone(s.Apex(), qname) {
			return s
		}
	}
	return nil
}

// chaseCNAME follows CNAME chains within one store, up to maxCNAMEHops depth.
func chaseCNAME(store *Store, target string, qtype uint16, depth int) []dns.RR {
	if depth > maxCNAMEHops || !inZone(store.Apex(), target) {
		return nil
	}

	rrs, _ := store.Lookup(target)
	if answers := filterByType(rrs, qtype); len(answers) > 0 {
		return answers
	}
	if cnames := filterByType(rrs, dns.TypeCNAME); len(cnames) > 0 {
		rest := chaseCNAME(store, cnames[0].(*dns.CNAME).Target, qtype, depth+1)
		return append([]dns.RR{cnames[0]}, rest...)
	}
	return nil
}

func filterByType(rrs []dns.RR, qtype uint16) []dns.RR {
	if qtype == dns.TypeANY {
		return rrs
	}
	var result []dns.RR
	for _, rr := range rrs {
		if rr.Header().Rrtype == qtype {
			result = append(result, rr)
		}
	}
	return result
}

func writeAnswer(w dns.ResponseWriter, r *dns.Msg, answers []dns.RR) (int, error) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true
	msg.Answer = copyRRs(answers)

	if err := w.WriteMsg(msg); err != nil {
		return dns.RcodeServerFailure, fmt.Errorf("writing response: %w", err)
	}
	return dns.RcodeSuccess, nil
}

// writeNegative writes NXDOMAIN or NODATA with the zone SOA in authority.
func writeNegative(w dns.ResponseWriter, r *dns.Msg, rcode int, soa *dns.SOA) (int, error) {
	msg := new(dns.Msg)
	msg.SetRcode(r, rcode)
	msg.Authoritative = true
	msg.Ns = []dns.RR{dns.Copy(soa)}

	if err := w.WriteMsg(msg); err != nil {
		return dns.RcodeServerFailure, fmt.Errorf("writing %s: %w", dns.RcodeToString[rcode], err)
	}
	return rcode, nil
}

// copyRRs detaches a reply from the store so later plugins may modify it.
func copyRRs(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, len(rrs))
	for i, rr := range rrs {
		out[i] = dns.Copy(rr)
	}
	return out
}
