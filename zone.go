// ABOUTME: Builds forward and reverse zone record sets from an instance and a client snapshot.
// ABOUTME: Pure function: SOA from instance timers and snapshot mtime, static entries, A/AAAA and PTR records.

package openvpn2dns

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// ZoneKind distinguishes the zones an instance can produce.
type ZoneKind uint8

const (
	KindForward ZoneKind = iota
	KindReverse4
	KindReverse6
)

// String returns the kind name used in logs and metrics.
func (k ZoneKind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindReverse4:
		return "reverse4"
	case KindReverse6:
		return "reverse6"
	default:
		return "unknown"
	}
}

// ZoneSet is one built zone: its apex SOA and every record keyed by
// lower-case owner name. The SOA is also stored under the apex.
type ZoneSet struct {
	Apex    string
	Kind    ZoneKind
	SOA     *dns.SOA
	Records map[string][]dns.RR
}

func newZoneSet(apex string, kind ZoneKind, soa *dns.SOA) *ZoneSet {
	z := &ZoneSet{
		Apex:    apex,
		Kind:    kind,
		Records: make(map[string][]dns.RR),
	}
	z.SOA = dns.Copy(soa).(*dns.SOA)
	z.SOA.Hdr.Name = apex
	z.add(z.SOA)
	return z
}

func (z *ZoneSet) add(rr dns.RR) {
	owner := strings.ToLower(rr.Header().Name)
	rr.Header().Name = owner
	z.Records[owner] = append(z.Records[owner], rr)
}

// Zones is the output of one build. Reverse4 and Reverse6 are nil when the
// instance has no matching subnet.
type Zones struct {
	Forward  *ZoneSet
	Reverse4 *ZoneSet
	Reverse6 *ZoneSet

	// Skipped lists the connected clients whose names cannot be published.
	Skipped []string
}

// All returns the built zones in forward, reverse4, reverse6 order.
func (z *Zones) All() []*ZoneSet {
	out := []*ZoneSet{z.Forward}
	if z.Reverse4 != nil {
		out = append(out, z.Reverse4)
	}
	if z.Reverse6 != nil {
		out = append(out, z.Reverse6)
	}
	return out
}

// BuildZones combines the instance configuration with a client snapshot.
// It has no side effects; a failure leaves nothing half built.
func BuildZones(inst *Instance, snap *ClientSnapshot) (*Zones, error) {
	soa := &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   inst.Name,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    inst.TTL(),
		},
		Ns:      inst.MName,
		Mbox:    inst.RName,
		Serial:  uint32(snap.ModTime.Unix()),
		Refresh: inst.Refresh,
		Retry:   inst.Retry,
		Expire:  inst.Expire,
		Minttl:  inst.Minimum,
	}

	zones := &Zones{Forward: newZoneSet(inst.Name, KindForward, soa)}
	if err := addEntries(zones.Forward, inst, inst.Forward); err != nil {
		return nil, err
	}
	if inst.Subnet4 != "" {
		zones.Reverse4 = newZoneSet(inst.Subnet4, KindReverse4, soa)
		if err := addEntries(zones.Reverse4, inst, inst.Backward4); err != nil {
			return nil, err
		}
	}
	if inst.Subnet6 != "" {
		zones.Reverse6 = newZoneSet(inst.Subnet6, KindReverse6, soa)
		if err := addEntries(zones.Reverse6, inst, inst.Backward6); err != nil {
			return nil, err
		}
	}

	for _, client := range snap.Order {
		addresses := snap.Clients[client]
		if len(addresses) == 0 {
			continue
		}
		owner := forwardName(inst, client)
		if !validOwner(owner) {
			log.Warningf("%s: client %q does not form a valid domain name, skipping", inst.Name, client)
			zones.Skipped = append(zones.Skipped, client)
			continue
		}
		for _, addr := range addresses {
			addClientAddress(zones, inst, owner, addr)
		}
	}
	return zones, nil
}

// forwardName applies the suffix rule to a client common name.
func forwardName(inst *Instance, client string) string {
	var name string
	switch inst.Suffix {
	case "", "@":
		name = client + "." + inst.Name
	default:
		name = client + "." + inst.Suffix
	}
	return strings.ToLower(name)
}

// validOwner accepts host-style names: non-empty labels of letters, digits,
// hyphen and underscore. dns.IsDomainName alone lets spaces through.
func validOwner(name string) bool {
	if _, ok := dns.IsDomainName(name); !ok {
		return false
	}
	for _, label := range dns.SplitDomainName(name) {
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
			default:
				return false
			}
		}
	}
	return true
}

func addClientAddress(zones *Zones, inst *Instance, owner string, addr netip.Addr) {
	hdr := dns.RR_Header{Name: owner, Class: dns.ClassINET, Ttl: inst.TTL()}
	addr = addr.Unmap()

	reverse := zones.Reverse6
	if addr.Is4() {
		hdr.Rrtype = dns.TypeA
		zones.Forward.add(&dns.A{Hdr: hdr, A: addr.AsSlice()})
		reverse = zones.Reverse4
	} else {
		hdr.Rrtype = dns.TypeAAAA
		zones.Forward.add(&dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()})
	}

	if reverse == nil {
		return
	}
	ptrName, err := dns.ReverseAddr(addr.String())
	if err != nil {
		log.Warningf("%s: no reverse name for %s: %v", inst.Name, addr, err)
		return
	}
	if !inZone(reverse.Apex, ptrName) {
		log.Debugf("%s: %s is outside %s, no PTR", inst.Name, addr, reverse.Apex)
		return
	}
	reverse.add(&dns.PTR{
		Hdr: dns.RR_Header{Name: ptrName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: inst.TTL()},
		Ptr: owner,
	})
}

func addEntries(z *ZoneSet, inst *Instance, entries []Entry) error {
	for _, e := range entries {
		r := e.Record
		r.Name = qualifyOwner(e.Owner, z.Apex)
		if r.TTL == 0 {
			r.TTL = inst.TTL()
		}
		rr, err := r.ToRR()
		if err != nil {
			return &ConfigError{Section: strings.TrimSuffix(inst.Name, "."), Option: e.Owner, Err: err}
		}
		z.add(rr)
	}
	return nil
}

// qualifyOwner resolves an entry owner against a zone apex: "@" or empty is
// the apex, a trailing dot means already absolute, anything else is relative.
func qualifyOwner(owner, apex string) string {
	switch {
	case owner == "" || owner == "@":
		return apex
	case strings.HasSuffix(owner, "."):
		return strings.ToLower(owner)
	default:
		return strings.ToLower(owner + "." + apex)
	}
}

// inZone reports whether name belongs to the zone at apex. A classless
// reverse apex such as 0-15.8.10.in-addr.arpa. holds the ordinary reverse
// names of its range, so 5.3.8.10.in-addr.arpa. is inside it.
func inZone(apex, name string) bool {
	if dns.IsSubDomain(apex, name) {
		return true
	}
	first, last, origin, ok := classlessRange(apex)
	if !ok || !dns.IsSubDomain(origin, name) {
		return false
	}
	labels := dns.SplitDomainName(name)
	depth := len(labels) - dns.CountLabel(origin)
	if depth < 1 {
		return false
	}
	octet, err := strconv.ParseUint(labels[depth-1], 10, 8)
	return err == nil && octet >= first && octet <= last
}

// classlessRange splits the "first-last" leading label off an in-addr.arpa
// apex.
func classlessRange(apex string) (first, last uint64, origin string, ok bool) {
	next, end := dns.NextLabel(apex, 0)
	if end || !dns.IsSubDomain("in-addr.arpa.", apex) {
		return 0, 0, "", false
	}
	lo, hi, found := strings.Cut(apex[:next-1], "-")
	if !found {
		return 0, 0, "", false
	}
	first, err1 := strconv.ParseUint(lo, 10, 8)
	last, err2 := strconv.ParseUint(hi, 10, 8)
	if err1 != nil || err2 != nil || first > last {
		return 0, 0, "", false
	}
	return first, last, apex[next:], true
}
