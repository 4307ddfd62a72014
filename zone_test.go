// ABOUTME: Tests for zone building: SOA, forward and reverse records, suffix rules, static entries.
// ABOUTME: Builds from in-memory instances and snapshots; no files involved.

package openvpn2dns

import (
	"errors"
	"net/netip"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

var testModTime = time.Unix(1760702400, 0)

func testInstance() *Instance {
	return &Instance{
		Name:    "vpn.example.org.",
		MName:   "dns.example.org.",
		RName:   "admin.example.org.",
		Refresh: 3600,
		Retry:   7200,
		Expire:  10800,
		Minimum: 14400,
	}
}

func testSnapshot(clients map[string][]string) *ClientSnapshot {
	snap := &ClientSnapshot{Clients: make(map[string][]netip.Addr), ModTime: testModTime}
	for name, ss := range clients {
		snap.Order = append(snap.Order, name)
		snap.Clients[name] = addrs(ss...)
	}
	slices.Sort(snap.Order)
	return snap
}

func buildTestZones(t *testing.T, inst *Instance, clients map[string][]string) *Zones {
	t.Helper()
	zones, err := BuildZones(inst, testSnapshot(clients))
	if err != nil {
		t.Fatalf("BuildZones() error: %v", err)
	}
	return zones
}

func rdata(rr dns.RR) string {
	s := rr.String()
	return s[len(rr.Header().String()):]
}

func rdataOf(rrs []dns.RR, rrtype uint16) []string {
	var out []string
	for _, rr := range rrs {
		if rr.Header().Rrtype == rrtype {
			out = append(out, rdata(rr))
		}
	}
	return out
}

func TestBuildZones_SOA(t *testing.T) {
	t.Parallel()
	zones := buildTestZones(t, testInstance(), nil)

	soa := zones.Forward.SOA
	if soa.Hdr.Name != "vpn.example.org." || soa.Ns != "dns.example.org." || soa.Mbox != "admin.example.org." {
		t.Errorf("SOA names = %s %s %s", soa.Hdr.Name, soa.Ns, soa.Mbox)
	}
	if soa.Serial != uint32(testModTime.Unix()) {
		t.Errorf("Serial = %d, want %d", soa.Serial, testModTime.Unix())
	}
	timers := [4]uint32{soa.Refresh, soa.Retry, soa.Expire, soa.Minttl}
	if timers != [4]uint32{3600, 7200, 10800, 14400} {
		t.Errorf("SOA timers = %v", timers)
	}

	apex := zones.Forward.Records["vpn.example.org."]
	if len(apex) != 1 || apex[0] != dns.RR(soa) {
		t.Errorf("apex records = %v, want only the SOA", apex)
	}
	if zones.Reverse4 != nil || zones.Reverse6 != nil {
		t.Error("reverse zones built without subnets")
	}
	if n := len(zones.All()); n != 1 {
		t.Errorf("All() returned %d zones, want 1", n)
	}
}

func TestBuildZones_ForwardRecord(t *testing.T) {
	t.Parallel()
	zones := buildTestZones(t, testInstance(), map[string][]string{
		"one": {"198.51.100.8"},
	})

	rrs := zones.Forward.Records["one.vpn.example.org."]
	if len(rrs) != 1 {
		t.Fatalf("got %d records, want 1", len(rrs))
	}
	a, ok := rrs[0].(*dns.A)
	if !ok {
		t.Fatalf("record is %T, want *dns.A", rrs[0])
	}
	if a.A.String() != "198.51.100.8" {
		t.Errorf("A = %s, want 198.51.100.8", a.A)
	}
	if a.Hdr.Ttl != 14400 {
		t.Errorf("TTL = %d, want 14400", a.Hdr.Ttl)
	}
}

func TestBuildZones_ReverseRecord(t *testing.T) {
	t.Parallel()
	inst := testInstance()
	inst.Subnet4 = "100.51.198.in-addr.arpa."
	zones := buildTestZones(t, inst, map[string][]string{
		"one": {"198.51.100.8"},
	})
	if zones.Reverse4 == nil {
		t.Fatal("Reverse4 = nil")
	}

	if zones.Reverse4.SOA.Hdr.Name != "100.51.198.in-addr.arpa." {
		t.Errorf("reverse SOA owner = %s", zones.Reverse4.SOA.Hdr.Name)
	}
	if zones.Reverse4.SOA.Serial != zones.Forward.SOA.Serial {
		t.Error("reverse and forward serials differ")
	}
	got := rdataOf(zones.Reverse4.Records["8.100.51.198.in-addr.arpa."], dns.TypePTR)
	if !slices.Equal(got, []string{"one.vpn.example.org."}) {
		t.Errorf("PTR = %v", got)
	}
}

func TestBuildZones_ClasslessReverse(t *testing.T) {
	t.Parallel()
	inst := testInstance()
	inst.Subnet4 = "0-15.8.10.in-addr.arpa."
	zones := buildTestZones(t, inst, map[string][]string{
		"one":     {"10.8.3.5"},
		"outside": {"10.8.16.5"},
	})

	got := rdataOf(zones.Reverse4.Records["5.3.8.10.in-addr.arpa."], dns.TypePTR)
	if !slices.Equal(got, []string{"one.vpn.example.org."}) {
		t.Errorf("PTR for 10.8.3.5 = %v", got)
	}
	if _, ok := zones.Reverse4.Records["5.16.8.10.in-addr.arpa."]; ok {
		t.Error("PTR published for an address outside the subnet")
	}
	if got := rdataOf(zones.Forward.Records["outside.vpn.example.org."], dns.TypeA); !slices.Equal(got, []string{"10.8.16.5"}) {
		t.Errorf("forward A for outside = %v", got)
	}
}

func TestInZone(t *testing.T) {
	t.Parallel()
	tests := []struct {
		apex string
		name string
		want bool
	}{
		{"100.51.198.in-addr.arpa.", "8.100.51.198.in-addr.arpa.", true},
		{"100.51.198.in-addr.arpa.", "100.51.198.in-addr.arpa.", true},
		{"100.51.198.in-addr.arpa.", "8.101.51.198.in-addr.arpa.", false},
		{"0-15.8.10.in-addr.arpa.", "5.3.8.10.in-addr.arpa.", true},
		{"0-15.8.10.in-addr.arpa.", "3.8.10.in-addr.arpa.", true},
		{"0-15.8.10.in-addr.arpa.", "5.0.8.10.in-addr.arpa.", true},
		{"0-15.8.10.in-addr.arpa.", "5.15.8.10.in-addr.arpa.", true},
		{"0-15.8.10.in-addr.arpa.", "0-15.8.10.in-addr.arpa.", true},
		{"0-15.8.10.in-addr.arpa.", "5.16.8.10.in-addr.arpa.", false},
		{"0-15.8.10.in-addr.arpa.", "8.10.in-addr.arpa.", false},
		{"0-15.8.10.in-addr.arpa.", "x.3.8.10.in-addr.arpa.", true},
		{"0-15.8.10.in-addr.arpa.", "5.x.8.10.in-addr.arpa.", false},
		{"0-15.1.185.195.in-addr.arpa.", "7.1.185.195.in-addr.arpa.", true},
		{"0-15.1.185.195.in-addr.arpa.", "17.1.185.195.in-addr.arpa.", false},
		{"16-31.1.185.195.in-addr.arpa.", "17.1.185.195.in-addr.arpa.", true},
		{"a-b.vpn.example.org.", "x.vpn.example.org.", false},
		{"vpn.example.org.", "one.vpn.example.org.", true},
	}
	for _, tt := range tests {
		if got := inZone(tt.apex, tt.name); got != tt.want {
			t.Errorf("inZone(%s, %s) = %v, want %v", tt.apex, tt.name, got, tt.want)
		}
	}
}

func TestClasslessRange(t *testing.T) {
	t.Parallel()
	first, last, origin, ok := classlessRange("0-15.8.10.in-addr.arpa.")
	if !ok || first != 0 || last != 15 || origin != "8.10.in-addr.arpa." {
		t.Errorf("classlessRange() = %d, %d, %q, %v", first, last, origin, ok)
	}
	for _, apex := range []string{
		"100.51.198.in-addr.arpa.",
		"15-0.8.10.in-addr.arpa.",
		"0-300.8.10.in-addr.arpa.",
		"a-b.vpn.example.org.",
		"0-15.8.b.d.0.1.0.0.2.ip6.arpa.",
	} {
		if _, _, _, ok := classlessRange(apex); ok {
			t.Errorf("classlessRange(%s) ok, want not classless", apex)
		}
	}
}

func TestBuildZones_IPv6(t *testing.T) {
	t.Parallel()
	inst := testInstance()
	inst.Subnet6 = "0.0.0.0.0.0.1.0.8.b.d.0.1.0.0.2.ip6.arpa."
	zones := buildTestZones(t, inst, map[string][]string{
		"two": {"198.51.100.12", "2001:db8:100::1000"},
	})

	owner := zones.Forward.Records["two.vpn.example.org."]
	if got := rdataOf(owner, dns.TypeA); !slices.Equal(got, []string{"198.51.100.12"}) {
		t.Errorf("A = %v", got)
	}
	if got := rdataOf(owner, dns.TypeAAAA); !slices.Equal(got, []string{"2001:db8:100::1000"}) {
		t.Errorf("AAAA = %v", got)
	}

	if zones.Reverse4 != nil {
		t.Error("IPv4 reverse zone built without subnet4")
	}
	if zones.Reverse6 == nil {
		t.Fatal("Reverse6 = nil")
	}
	ptrName := "0.0.0.1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.1.0.8.b.d.0.1.0.0.2.ip6.arpa."
	if got := rdataOf(zones.Reverse6.Records[ptrName], dns.TypePTR); !slices.Equal(got, []string{"two.vpn.example.org."}) {
		t.Errorf("PTR = %v", got)
	}
}

func TestBuildZones_SuffixRules(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		suffix string
		client string
		want   string
	}{
		{"no suffix", "", "one", "one.vpn.example.org."},
		{"at keeps dots", "@", "one.two", "one.two.vpn.example.org."},
		{"literal suffix", "clients.example.net.", "laptop", "laptop.clients.example.net."},
		{"lower-cased", "", "Laptop.HQ", "laptop.hq.vpn.example.org."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inst := testInstance()
			inst.Suffix = tt.suffix
			zones := buildTestZones(t, inst, map[string][]string{
				tt.client: {"198.51.100.8"},
			})
			if n := len(zones.Forward.Records[tt.want]); n != 1 {
				t.Errorf("%s has %d records, want 1", tt.want, n)
			}
		})
	}
}

func TestBuildZones_SkipsUnpublishableClients(t *testing.T) {
	t.Parallel()
	zones := buildTestZones(t, testInstance(), map[string][]string{
		"idle":     {},
		"bad name": {"198.51.100.9"},
	})
	if n := len(zones.Forward.Records); n != 1 {
		t.Errorf("forward zone has %d owners, want only the apex", n)
	}
	if !slices.Equal(zones.Skipped, []string{"bad name"}) {
		t.Errorf("Skipped = %v, want [bad name]", zones.Skipped)
	}
}

func TestBuildZones_StaticEntries(t *testing.T) {
	t.Parallel()
	inst := testInstance()
	inst.Subnet4 = "100.51.198.in-addr.arpa."
	inst.Subnet6 = "0.0.0.0.0.0.1.0.8.b.d.0.1.0.0.2.ip6.arpa."
	ns := Entry{Owner: "@", Record: Record{Type: "NS", Value: "dns-a.example.org."}}
	inst.Forward = []Entry{
		ns,
		{Owner: "gw", Record: Record{Type: "A", Value: "198.51.100.1"}},
		{Owner: "Mail.Example.org.", Record: Record{Type: "A", Value: "192.0.2.25"}},
		{Owner: "", Record: Record{Type: "TXT", Value: "vpn"}},
	}
	inst.Backward4 = []Entry{ns, {Owner: "1", Record: Record{Type: "PTR", Value: "gw.vpn.example.org."}}}
	inst.Backward6 = []Entry{ns}

	zones := buildTestZones(t, inst, nil)

	checks := []struct {
		what string
		got  []string
		want []string
	}{
		{"apex NS", rdataOf(zones.Forward.Records["vpn.example.org."], dns.TypeNS), []string{"dns-a.example.org."}},
		{"apex TXT", rdataOf(zones.Forward.Records["vpn.example.org."], dns.TypeTXT), []string{`"vpn"`}},
		{"gw A", rdataOf(zones.Forward.Records["gw.vpn.example.org."], dns.TypeA), []string{"198.51.100.1"}},
		{"absolute owner", rdataOf(zones.Forward.Records["mail.example.org."], dns.TypeA), []string{"192.0.2.25"}},
		{"reverse4 PTR", rdataOf(zones.Reverse4.Records["1.100.51.198.in-addr.arpa."], dns.TypePTR), []string{"gw.vpn.example.org."}},
		{"reverse6 NS", rdataOf(zones.Reverse6.Records[zones.Reverse6.Apex], dns.TypeNS), []string{"dns-a.example.org."}},
	}
	for _, c := range checks {
		if !slices.Equal(c.got, c.want) {
			t.Errorf("%s = %v, want %v", c.what, c.got, c.want)
		}
	}
	for owner := range zones.Reverse6.Records {
		if strings.Contains(owner, "in-addr") {
			t.Errorf("IPv4 owner %s leaked into reverse6", owner)
		}
	}
	if _, ok := zones.Forward.Records["1.vpn.example.org."]; ok {
		t.Error("backward4 entry leaked into the forward zone")
	}
}

func TestBuildZones_Backward4EntryOnlyInReverse4(t *testing.T) {
	t.Parallel()
	cfg := loadTestConfig(t, `
[options]
instance = vpn.example.org

[vpn.example.org]
status_file = STATUS
subnet4 = 198.51.100.0/24
subnet6 = 2001:db8:100::/64
add_backward4_entries = v4
`+soaOptions+`
[v4]
@ = TXT only-reverse4
`)
	zones := buildTestZones(t, cfg.Instances[0], nil)

	count := func(z *ZoneSet) int {
		n := 0
		for _, rrs := range z.Records {
			n += len(rdataOf(rrs, dns.TypeTXT))
		}
		return n
	}
	if got := [3]int{count(zones.Forward), count(zones.Reverse4), count(zones.Reverse6)}; got != [3]int{0, 1, 0} {
		t.Errorf("TXT counts forward/reverse4/reverse6 = %v, want [0 1 0]", got)
	}
}

func TestBuildZones_BadEntryFailsBuild(t *testing.T) {
	t.Parallel()
	inst := testInstance()
	inst.Forward = []Entry{{Owner: "x", Record: Record{Type: "HINFO", Value: "pc"}}}
	_, err := BuildZones(inst, testSnapshot(nil))
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if !errors.Is(err, ErrUnknownRecordType) {
		t.Errorf("error = %v, want ErrUnknownRecordType", err)
	}
}

func TestBuildZones_OwnersAreQualified(t *testing.T) {
	t.Parallel()
	inst := testInstance()
	inst.Subnet4 = "100.51.198.in-addr.arpa."
	zones := buildTestZones(t, inst, map[string][]string{
		"one": {"198.51.100.8"},
		"Two": {"198.51.100.9"},
	})
	for _, z := range zones.All() {
		for owner, rrs := range z.Records {
			if owner == "" || !dns.IsFqdn(owner) {
				t.Errorf("owner %q is not fully qualified", owner)
			}
			for _, rr := range rrs {
				if rr.Header().Name != owner {
					t.Errorf("record %s filed under %s", rr.Header().Name, owner)
				}
			}
		}
	}
}
