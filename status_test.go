// ABOUTME: Tests for the OpenVPN status export parser.
// ABOUTME: Covers empty, single, multi-client, subnet, cached-route, and malformed exports.

package openvpn2dns

import (
	"errors"
	"net/netip"
	"os"
	"slices"
	"strings"
	"testing"
)

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

func TestReadStatusFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
		want map[string][]netip.Addr
	}{
		{"empty server", "testdata/empty.ovpn-status-v1", map[string][]netip.Addr{}},
		{"one client", "testdata/one.ovpn-status-v1", map[string][]netip.Addr{
			"one": addrs("198.51.100.8"),
		}},
		{"multiple clients", "testdata/multiple.ovpn-status-v1", map[string][]netip.Addr{
			"one":   addrs("198.51.100.8"),
			"two":   addrs("198.51.100.12", "2001:db8:100::1000"),
			"three": addrs("198.51.100.16"),
		}},
		{"subnet route skipped", "testdata/subnet.ovpn-status-v1", map[string][]netip.Addr{
			"one": addrs("198.51.100.8"),
		}},
		{"cached route skipped", "testdata/cached-route.ovpn-status-v1", map[string][]netip.Addr{
			"one": addrs("198.51.100.8"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			snap, err := ReadStatusFile(tt.file)
			if err != nil {
				t.Fatalf("ReadStatusFile() error: %v", err)
			}
			if len(snap.Clients) != len(tt.want) {
				t.Errorf("Clients = %v, want %v", snap.Clients, tt.want)
			}
			for name, want := range tt.want {
				if got, ok := snap.Clients[name]; !ok || !slices.Equal(got, want) {
					t.Errorf("Clients[%s] = %v, want %v", name, got, want)
				}
			}

			info, err := os.Stat(tt.file)
			if err != nil {
				t.Fatal(err)
			}
			if !snap.ModTime.Equal(info.ModTime()) {
				t.Errorf("ModTime = %v, want %v", snap.ModTime, info.ModTime())
			}
		})
	}
}

func TestReadStatusFile_KeepsListOrder(t *testing.T) {
	t.Parallel()
	snap, err := ReadStatusFile("testdata/multiple.ovpn-status-v1")
	if err != nil {
		t.Fatalf("ReadStatusFile() error: %v", err)
	}
	if !slices.Equal(snap.Order, []string{"one", "two", "three"}) {
		t.Errorf("Order = %v, want [one two three]", snap.Order)
	}
}

func TestReadStatusFile_UnlistedClient(t *testing.T) {
	t.Parallel()
	_, err := ReadStatusFile("testdata/unlisted-client.ovpn-status-v1")
	var sfe *StatusFormatError
	if !errors.As(err, &sfe) {
		t.Fatalf("error = %v, want *StatusFormatError", err)
	}
	if sfe.Path != "testdata/unlisted-client.ovpn-status-v1" || sfe.Line != 8 {
		t.Errorf("error at %s:%d, want line 8 of the test file", sfe.Path, sfe.Line)
	}
	if !errors.Is(err, ErrUnknownClientRoute) {
		t.Errorf("error = %v, want ErrUnknownClientRoute", err)
	}
}

func TestReadStatusFile_Missing(t *testing.T) {
	t.Parallel()
	_, err := ReadStatusFile("testdata/does-not-exist")
	var sfe *StatusFormatError
	if !errors.As(err, &sfe) {
		t.Errorf("error = %v, want *StatusFormatError", err)
	}
}

func TestParseStatus_ClientWithoutRouteKept(t *testing.T) {
	t.Parallel()
	input := `OpenVPN CLIENT LIST
Updated,now
Common Name,Real Address,Bytes Received,Bytes Sent,Connected Since
idle,203.0.113.5:1194,0,0,now
ROUTING TABLE
Virtual Address,Common Name,Real Address,Last Ref
GLOBAL STATS
END
`
	snap, err := ParseStatus(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseStatus() error: %v", err)
	}
	if _, ok := snap.Clients["idle"]; !ok {
		t.Fatal("client idle missing")
	}
	if got := snap.Addresses("idle"); len(got) != 0 {
		t.Errorf("Addresses(idle) = %v, want none", got)
	}
}

func TestParseStatus_RepeatedClientResetsAddresses(t *testing.T) {
	t.Parallel()
	input := `OpenVPN CLIENT LIST
Updated,now
Common Name,Real Address,Bytes Received,Bytes Sent,Connected Since
one,203.0.113.5:1194,0,0,now
ROUTING TABLE
Virtual Address,Common Name,Real Address,Last Ref
198.51.100.8,one,203.0.113.5:1194,now
OpenVPN CLIENT LIST
Updated,now
Common Name,Real Address,Bytes Received,Bytes Sent,Connected Since
one,203.0.113.5:1194,0,0,now
GLOBAL STATS
END
`
	snap, err := ParseStatus(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseStatus() error: %v", err)
	}
	if got := snap.Addresses("one"); len(got) != 0 {
		t.Errorf("Addresses(one) = %v, want none", got)
	}
	if !slices.Equal(snap.Order, []string{"one"}) {
		t.Errorf("Order = %v, want [one]", snap.Order)
	}
}

func TestParseStatus_TapModeMACSkipped(t *testing.T) {
	t.Parallel()
	input := `OpenVPN CLIENT LIST
Updated,now
Common Name,Real Address,Bytes Received,Bytes Sent,Connected Since
one,203.0.113.5:1194,0,0,now
ROUTING TABLE
Virtual Address,Common Name,Real Address,Last Ref
52:54:00:12:34:56,one,203.0.113.5:1194,now
198.51.100.8,one,203.0.113.5:1194,now
GLOBAL STATS
END
`
	snap, err := ParseStatus(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseStatus() error: %v", err)
	}
	if got := snap.Addresses("one"); !slices.Equal(got, addrs("198.51.100.8")) {
		t.Errorf("Addresses(one) = %v, want [198.51.100.8]", got)
	}
}

func TestParseStatus_ShortRoutingLine(t *testing.T) {
	t.Parallel()
	input := "OpenVPN CLIENT LIST\nUpdated,now\nCommon Name\nROUTING TABLE\nVirtual Address\n198.51.100.8\n"
	_, err := ParseStatus(strings.NewReader(input))
	var sfe *StatusFormatError
	if !errors.As(err, &sfe) {
		t.Fatalf("error = %v, want *StatusFormatError", err)
	}
	if sfe.Line != 6 {
		t.Errorf("Line = %d, want 6", sfe.Line)
	}
}
