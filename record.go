// ABOUTME: Static record model with a closed registry of record-type parsers.
// ABOUTME: Turns "TYPE args..." entry values into validated Records and miekg/dns RRs.

package openvpn2dns

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const txtChunk = 255

// Record is one static or generated DNS record in presentation-friendly form.
// Name may be relative until the record is placed into a zone.
type Record struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	TTL      uint32 `json:"ttl"`
	Value    string `json:"value"`
	Priority uint16 `json:"priority,omitempty"`
	Weight   uint16 `json:"weight,omitempty"`
	Port     uint16 `json:"port,omitempty"`
	Flag     uint8  `json:"flag,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

type recordParser func(args []string) (Record, error)

// recordTypes is the closed set of record types accepted in entry sections.
var recordTypes = map[string]recordParser{
	"A":     parseA,
	"AAAA":  parseAAAA,
	"CNAME": parseTarget("CNAME"),
	"NS":    parseTarget("NS"),
	"PTR":   parseTarget("PTR"),
	"MX":    parseMX,
	"TXT":   parseTXT,
	"SRV":   parseSRV,
	"CAA":   parseCAA,
}

// validCAATags enumerates the allowed CAA tag values.
var validCAATags = map[string]bool{
	"issue": true, "issuewild": true, "iodef": true,
}

// ParseRecordValue parses an entry value such as "NS dns-a.example.org" or
// "MX 10 mail.example.org". Unknown type tokens wrap ErrUnknownRecordType.
func ParseRecordValue(value string) (Record, error) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return Record{}, fmt.Errorf("%w: empty entry", ErrInvalidValue)
	}
	typ := strings.ToUpper(fields[0])
	parse, ok := recordTypes[typ]
	if !ok {
		return Record{}, fmt.Errorf("%w %q", ErrUnknownRecordType, fields[0])
	}
	r, err := parse(fields[1:])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrInvalidValue, typ, err)
	}
	r.Type = typ
	return r, nil
}

func wantArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("expected %s, got %d argument(s)", usage, len(args))
	}
	return nil
}

func parseA(args []string) (Record, error) {
	if err := wantArgs(args, 1, "ADDRESS"); err != nil {
		return Record{}, err
	}
	ip := net.ParseIP(args[0])
	if ip == nil || ip.To4() == nil {
		return Record{}, fmt.Errorf("%q is not a valid IPv4 address", args[0])
	}
	return Record{Value: ip.To4().String()}, nil
}

func parseAAAA(args []string) (Record, error) {
	if err := wantArgs(args, 1, "ADDRESS"); err != nil {
		return Record{}, err
	}
	ip := net.ParseIP(args[0])
	if ip == nil || ip.To4() != nil {
		return Record{}, fmt.Errorf("%q is not a valid IPv6 address", args[0])
	}
	return Record{Value: ip.String()}, nil
}

func parseTarget(typ string) recordParser {
	return func(args []string) (Record, error) {
		if err := wantArgs(args, 1, "TARGET"); err != nil {
			return Record{}, err
		}
		target, err := absoluteName(args[0])
		if err != nil {
			return Record{}, fmt.Errorf("%s target: %v", typ, err)
		}
		return Record{Value: target}, nil
	}
}

func parseMX(args []string) (Record, error) {
	if err := wantArgs(args, 2, "PREFERENCE EXCHANGE"); err != nil {
		return Record{}, err
	}
	pref, err := parseUint16(args[0])
	if err != nil {
		return Record{}, fmt.Errorf("MX preference: %v", err)
	}
	target, err := absoluteName(args[1])
	if err != nil {
		return Record{}, fmt.Errorf("MX exchange: %v", err)
	}
	return Record{Value: target, Priority: pref}, nil
}

func parseTXT(args []string) (Record, error) {
	if len(args) == 0 {
		return Record{}, fmt.Errorf("TXT value must not be empty")
	}
	return Record{Value: strings.Join(args, " ")}, nil
}

func parseSRV(args []string) (Record, error) {
	if err := wantArgs(args, 4, "PRIORITY WEIGHT PORT TARGET"); err != nil {
		return Record{}, err
	}
	var nums [3]uint16
	for i := range nums {
		n, err := parseUint16(args[i])
		if err != nil {
			return Record{}, fmt.Errorf("SRV field %d: %v", i+1, err)
		}
		nums[i] = n
	}
	if nums[2] == 0 {
		return Record{}, fmt.Errorf("SRV port must be non-zero")
	}
	target, err := absoluteName(args[3])
	if err != nil {
		return Record{}, fmt.Errorf("SRV target: %v", err)
	}
	return Record{Value: target, Priority: nums[0], Weight: nums[1], Port: nums[2]}, nil
}

func parseCAA(args []string) (Record, error) {
	if len(args) < 3 {
		return Record{}, fmt.Errorf("expected FLAG TAG VALUE, got %d argument(s)", len(args))
	}
	flag, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return Record{}, fmt.Errorf("CAA flag: %v", err)
	}
	tag := strings.ToLower(args[1])
	if !validCAATags[tag] {
		return Record{}, fmt.Errorf("CAA tag %q is invalid; must be one of: issue, issuewild, iodef", args[1])
	}
	value := strings.Trim(strings.Join(args[2:], " "), `"`)
	if value == "" {
		return Record{}, fmt.Errorf("CAA value must not be empty")
	}
	return Record{Value: value, Flag: uint8(flag), Tag: tag}, nil
}

func parseUint16(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

// absoluteName treats name as already rooted, the way targets in entry
// sections have always been interpreted.
func absoluteName(name string) (string, error) {
	fqdn := dns.Fqdn(strings.ToLower(name))
	if _, ok := dns.IsDomainName(fqdn); !ok {
		return "", fmt.Errorf("%q is not a valid domain name", name)
	}
	return fqdn, nil
}

// ToRR converts a Record into a miekg/dns RR. Name must be fully qualified.
func (r Record) ToRR() (dns.RR, error) {
	hdr := dns.RR_Header{
		Name:   r.Name,
		Rrtype: dns.StringToType[r.Type],
		Class:  dns.ClassINET,
		Ttl:    r.TTL,
	}

	if !dns.IsFqdn(r.Name) {
		return nil, fmt.Errorf("record name %q is not fully qualified", r.Name)
	}

	switch r.Type {
	case "A":
		return &dns.A{Hdr: hdr, A: net.ParseIP(r.Value).To4()}, nil
	case "AAAA":
		return &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP(r.Value)}, nil
	case "CNAME":
		return &dns.CNAME{Hdr: hdr, Target: r.Value}, nil
	case "TXT":
		return &dns.TXT{Hdr: hdr, Txt: splitTXT(r.Value)}, nil
	case "MX":
		return &dns.MX{Hdr: hdr, Preference: r.Priority, Mx: r.Value}, nil
	case "SRV":
		return &dns.SRV{Hdr: hdr, Priority: r.Priority, Weight: r.Weight, Port: r.Port, Target: r.Value}, nil
	case "NS":
		return &dns.NS{Hdr: hdr, Ns: r.Value}, nil
	case "PTR":
		return &dns.PTR{Hdr: hdr, Ptr: r.Value}, nil
	case "CAA":
		return &dns.CAA{Hdr: hdr, Flag: r.Flag, Tag: r.Tag, Value: r.Value}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownRecordType, r.Type)
	}
}

// recordFromRR renders an RR for the management API. Types outside the
// registry (SOA) fall back to their presentation rdata.
func recordFromRR(rr dns.RR) Record {
	h := rr.Header()
	r := Record{Name: h.Name, Type: dns.TypeToString[h.Rrtype], TTL: h.Ttl}
	switch v := rr.(type) {
	case *dns.A:
		r.Value = v.A.String()
	case *dns.AAAA:
		r.Value = v.AAAA.String()
	case *dns.CNAME:
		r.Value = v.Target
	case *dns.NS:
		r.Value = v.Ns
	case *dns.PTR:
		r.Value = v.Ptr
	case *dns.TXT:
		r.Value = strings.Join(v.Txt, "")
	case *dns.MX:
		r.Value, r.Priority = v.Mx, v.Preference
	case *dns.SRV:
		r.Value, r.Priority, r.Weight, r.Port = v.Target, v.Priority, v.Weight, v.Port
	case *dns.CAA:
		r.Value, r.Flag, r.Tag = v.Value, v.Flag, v.Tag
	default:
		r.Value = strings.TrimPrefix(rr.String(), h.String())
	}
	return r
}

// splitTXT breaks a TXT value into 255-byte chunks as required by RFC 4408.
func splitTXT(s string) []string {
	if len(s) <= txtChunk {
		return []string{s}
	}
	var chunks []string
	for len(s) > 0 {
		end := txtChunk
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	return chunks
}
