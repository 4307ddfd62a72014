// ABOUTME: Parser for the OpenVPN status export (version 1 layout).
// ABOUTME: Produces the connected client list with the host addresses routed to each client.

package openvpn2dns

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"time"
)

type statusMode uint8

const (
	modeNone statusMode = iota
	modeClients
	modeRoutes
)

// statusHeaders maps a section header to the mode it enters and how many
// following lines are column headers.
var statusHeaders = map[string]struct {
	mode statusMode
	skip int
}{
	"OpenVPN CLIENT LIST": {modeClients, 2},
	"ROUTING TABLE":       {modeRoutes, 1},
	"GLOBAL STATS":        {modeNone, 0},
}

// ClientSnapshot is the client to address mapping read from one status export.
type ClientSnapshot struct {
	Clients map[string][]netip.Addr
	// Order lists client names in the order they were first listed.
	Order   []string
	ModTime time.Time
}

// Addresses returns the addresses routed to the named client.
func (s *ClientSnapshot) Addresses(client string) []netip.Addr {
	return s.Clients[client]
}

// ParseStatus reads a status export. Routes to subnets and entries whose
// address is not a single host (cached routes, MAC addresses) are skipped.
// A route naming a client absent from the client list fails the whole parse.
func ParseStatus(r io.Reader) (*ClientSnapshot, error) {
	snap := &ClientSnapshot{Clients: make(map[string][]netip.Addr)}

	mode := modeNone
	skip := 0
	lineNo := 0

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		if skip > 0 {
			skip--
			continue
		}
		line := strings.TrimSpace(sc.Text())
		if h, ok := statusHeaders[line]; ok {
			mode = h.mode
			skip = h.skip
			continue
		}
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		switch mode {
		case modeClients:
			name := fields[0]
			if _, seen := snap.Clients[name]; !seen {
				snap.Order = append(snap.Order, name)
			}
			// a repeated common name starts over with no addresses
			snap.Clients[name] = []netip.Addr{}

		case modeRoutes:
			if len(fields) < 2 {
				return nil, &StatusFormatError{Line: lineNo, Err: fmt.Errorf("routing entry %q has too few fields", line)}
			}
			address, client := fields[0], fields[1]
			if strings.Contains(address, "/") {
				continue
			}
			addr, err := netip.ParseAddr(address)
			if err != nil {
				continue
			}
			addrs, ok := snap.Clients[client]
			if !ok {
				return nil, &StatusFormatError{Line: lineNo, Err: fmt.Errorf("%w %q", ErrUnknownClientRoute, client)}
			}
			snap.Clients[client] = append(addrs, addr.Unmap())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &StatusFormatError{Line: lineNo, Err: err}
	}
	return snap, nil
}

// ReadStatusFile parses the status export at path and records its
// modification time, which later becomes the SOA serial.
func ReadStatusFile(path string) (*ClientSnapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &StatusFormatError{Path: path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &StatusFormatError{Path: path, Err: err}
	}

	snap, err := ParseStatus(f)
	if err != nil {
		if sfe, ok := err.(*StatusFormatError); ok {
			sfe.Path = path
			return nil, sfe
		}
		return nil, &StatusFormatError{Path: path, Err: err}
	}
	snap.ModTime = info.ModTime()
	return snap, nil
}
