// ABOUTME: Authoritative state for one zone, replaced as a whole through an atomic pointer swap.
// ABOUTME: SetData reports whether the new data differs, ignoring SOA serial and record order.

package openvpn2dns

import (
	"strings"
	"sync/atomic"

	"github.com/miekg/dns"
)

// zoneData is one immutable generation of a store. Nothing reachable from
// it is modified after it has been published.
type zoneData struct {
	soa     *dns.SOA
	records map[string][]dns.RR
	// names holds every owner plus every empty non-terminal between an
	// owner and the apex.
	names map[string]struct{}
	count int
}

// Store serves one zone. Readers always see either the old or the new
// generation in full.
type Store struct {
	apex     string
	kind     ZoneKind
	instance string
	data     atomic.Pointer[zoneData]
}

// NewStore returns an empty store for the zone apex.
func NewStore(apex string, kind ZoneKind) *Store {
	return &Store{apex: dns.Fqdn(strings.ToLower(apex)), kind: kind}
}

// Apex returns the zone apex.
func (s *Store) Apex() string { return s.apex }

// Kind returns the zone kind.
func (s *Store) Kind() ZoneKind { return s.kind }

// Instance returns the name of the instance that owns the store, or "".
func (s *Store) Instance() string { return s.instance }

// Ready reports whether the store has received data at least once.
func (s *Store) Ready() bool { return s.data.Load() != nil }

// SOA returns the live SOA, or nil before the first SetData.
func (s *Store) SOA() *dns.SOA {
	if d := s.data.Load(); d != nil {
		return d.soa
	}
	return nil
}

// Records returns the live owner to records map. Callers must not modify it.
func (s *Store) Records() map[string][]dns.RR {
	if d := s.data.Load(); d != nil {
		return d.records
	}
	return nil
}

// Len returns the number of records in the live generation.
func (s *Store) Len() int {
	if d := s.data.Load(); d != nil {
		return d.count
	}
	return 0
}

// Lookup returns the records owned by name and whether the name exists in
// the zone. A name can exist without records when it is an empty
// non-terminal.
func (s *Store) Lookup(name string) ([]dns.RR, bool) {
	d := s.data.Load()
	if d == nil {
		return nil, false
	}
	name = strings.ToLower(name)
	_, exists := d.names[name]
	return d.records[name], exists
}

// SetData replaces the zone content when it differs from what is served and
// reports whether it did. Two generations are equal when they have the same
// owners and, per owner, the same multiset of records; SOA records compare
// without their serial. The first call always counts as a change.
func (s *Store) SetData(soa *dns.SOA, records map[string][]dns.RR) bool {
	old := s.data.Load()
	if old != nil && sameRecords(old.records, records) {
		return false
	}

	next := newZoneData(s.apex, soa, records)
	s.data.Store(next)
	storeRecordGauge.WithLabelValues(s.apex).Set(float64(next.count))
	return true
}

func newZoneData(apex string, soa *dns.SOA, records map[string][]dns.RR) *zoneData {
	d := &zoneData{
		soa:     soa,
		records: records,
		names:   map[string]struct{}{apex: {}},
	}
	for owner, rrs := range records {
		d.count += len(rrs)
		d.names[owner] = struct{}{}
		for name := owner; inZone(apex, name) && name != apex; {
			d.names[name] = struct{}{}
			i, end := dns.NextLabel(name, 0)
			if end {
				break
			}
			name = name[i:]
		}
	}
	return d
}

func sameRecords(a, b map[string][]dns.RR) bool {
	if len(a) != len(b) {
		return false
	}
	for owner, ra := range a {
		rb, ok := b[owner]
		if !ok || len(ra) != len(rb) {
			return false
		}
		if !sameMultiset(ra, rb) {
			return false
		}
	}
	return true
}

// sameMultiset compares two record lists ignoring order.
func sameMultiset(a, b []dns.RR) bool {
	counts := make(map[string]int, len(a))
	for _, rr := range a {
		counts[compareKey(rr)]++
	}
	for _, rr := range b {
		k := compareKey(rr)
		if counts[k] == 0 {
			return false
		}
		counts[k]--
	}
	return true
}

// compareKey renders a record for equality checks. The SOA serial is
// zeroed so that a serial bump alone is not a change.
func compareKey(rr dns.RR) string {
	if soa, ok := rr.(*dns.SOA); ok {
		c := *soa
		c.Serial = 0
		return c.String()
	}
	return rr.String()
}
