// ABOUTME: Instance configuration loaded once from the INI file at startup.
// ABOUTME: Explicit option tables with typed setters, OpenVPN server config extraction, reverse zone naming.

package openvpn2dns

import (
	"bufio"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
	"github.com/miekg/dns"
)

// SOA timer defaults used when an instance leaves them unset.
const (
	DefaultRefresh = 86400
	DefaultRetry   = 900
	DefaultExpire  = 604800
	DefaultMinimum = 86400

	defaultNotifyPort = 53
)

// NotifyTarget is a secondary name server that receives NOTIFY messages.
type NotifyTarget struct {
	Host string
	Port uint16
}

// Addr returns the target in host:port form.
func (t NotifyTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// Entry is a static record from an entry section. Owner is as written in
// the configuration and is qualified against each zone it is placed into.
type Entry struct {
	Owner  string
	Record Record
}

// Instance is one managed zone family: a forward zone plus optional
// reverse zones, all fed by one OpenVPN status file.
type Instance struct {
	Name       string
	StatusFile string
	Subnet4    string
	Subnet6    string
	Suffix     string

	MName   string
	RName   string
	Refresh uint32
	Retry   uint32
	Expire  uint32
	Minimum uint32

	Notify []NotifyTarget

	Forward   []Entry
	Backward4 []Entry
	Backward6 []Entry
}

// TTL is the default TTL for every record served from the instance's
// zones: the larger of minimum and expire.
func (i *Instance) TTL() uint32 {
	return max(i.Minimum, i.Expire)
}

// Config is the parsed INI configuration.
type Config struct {
	Listen    []string
	Instances []*Instance
}

// Instance returns the instance with the given zone name, or nil.
func (c *Config) Instance(name string) *Instance {
	name = normalizeZone(name)
	for _, inst := range c.Instances {
		if inst.Name == name {
			return inst
		}
	}
	return nil
}

// normalizeZone lower-cases a zone name and makes it absolute.
func normalizeZone(name string) string {
	return dns.Fqdn(strings.ToLower(name))
}

// LoadConfig reads and validates the INI configuration at path.
func LoadConfig(path string) (*Config, error) {
	f, err := readINIFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(f)
}

type globalSetter func(p *configParser, opt iniOption) error

var globalOptions = map[string]globalSetter{
	"listen":   (*configParser).addListen,
	"instance": (*configParser).addInstance,
}

// bootstrapOptions are process-level settings handled outside the plugin.
var bootstrapOptions = map[string]bool{
	"daemon": true, "drop-privileges": true, "user": true, "group": true,
	"pidfile": true, "reactor": true, "log": true,
}

type configParser struct {
	file *iniFile
	cfg  *Config
}

func parseConfig(f *iniFile) (*Config, error) {
	opts, ok := f.section("options")
	if !ok {
		return nil, &ConfigError{Section: "options", Err: ErrMissingSection}
	}

	p := &configParser{file: f, cfg: &Config{}}
	for _, opt := range opts {
		set, known := globalOptions[opt.Name]
		switch {
		case known:
			if err := set(p, opt); err != nil {
				return nil, err
			}
		case bootstrapOptions[opt.Name]:
			log.Warningf("option %s in options section is handled by the process supervisor, ignoring", opt.Name)
		default:
			log.Warningf("unknown option %s in options section", opt.Name)
		}
	}

	if len(p.cfg.Instances) == 0 {
		return nil, configErr("options", "instance", "at least one instance is required: %w", ErrMissingOption)
	}
	p.warnUnusedSections()
	return p.cfg, nil
}

func (p *configParser) addListen(opt iniOption) error {
	host, port, err := net.SplitHostPort(opt.Value)
	if err != nil {
		return configErr("options", opt.Name, "%q: %v: %w", opt.Value, err, ErrInvalidValue)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return configErr("options", opt.Name, "port %q: %w", port, ErrInvalidValue)
	}
	p.cfg.Listen = append(p.cfg.Listen, net.JoinHostPort(host, port))
	return nil
}

func (p *configParser) addInstance(opt iniOption) error {
	section := opt.Value
	name := normalizeZone(section)
	if _, ok := dns.IsDomainName(name); !ok {
		return configErr(section, "", "instance name is not a domain name: %w", ErrInvalidValue)
	}
	if p.cfg.Instance(name) != nil {
		return &ConfigError{Section: section, Err: ErrDuplicateInstance}
	}
	opts, ok := p.file.section(section)
	if !ok {
		return configErr(section, "", "section for instance %s: %w", section, ErrMissingSection)
	}

	b := &instanceBuilder{
		parser:  p,
		section: section,
		inst: &Instance{
			Name:    name,
			Refresh: DefaultRefresh,
			Retry:   DefaultRetry,
			Expire:  DefaultExpire,
			Minimum: DefaultMinimum,
		},
		seen: make(map[string]bool),
	}
	for _, o := range opts {
		set, known := instanceOptions[o.Name]
		if !known {
			log.Warningf("unknown option %s in section %s", o.Name, section)
			continue
		}
		if err := set(b, o); err != nil {
			return err
		}
	}
	if err := b.validate(); err != nil {
		return err
	}
	p.cfg.Instances = append(p.cfg.Instances, b.inst)
	return nil
}

func (p *configParser) warnUnusedSections() {
	used := map[string]bool{"options": true}
	for _, inst := range p.cfg.Instances {
		used[strings.TrimSuffix(inst.Name, ".")] = true
	}
	for _, opts := range p.file.Sections {
		for _, o := range opts {
			if _, ok := entryDirections[o.Name]; ok {
				used[o.Value] = true
			}
		}
	}
	for _, name := range p.file.Order {
		if !used[name] && !used[strings.TrimSuffix(strings.ToLower(name), ".")] {
			log.Warningf("section %s is not referenced", name)
		}
	}
}

type instanceBuilder struct {
	parser  *configParser
	section string
	inst    *Instance
	seen    map[string]bool
}

type instanceSetter func(b *instanceBuilder, opt iniOption) error

var instanceOptions = map[string]instanceSetter{
	"status_file":           (*instanceBuilder).setStatusFile,
	"server_config":         (*instanceBuilder).setServerConfig,
	"subnet4":               (*instanceBuilder).setSubnet4,
	"subnet6":               (*instanceBuilder).setSubnet6,
	"suffix":                (*instanceBuilder).setSuffix,
	"notify":                (*instanceBuilder).addNotify,
	"mname":                 (*instanceBuilder).setMName,
	"rname":                 (*instanceBuilder).setRName,
	"refresh":               timerSetter(func(i *Instance) *uint32 { return &i.Refresh }),
	"retry":                 timerSetter(func(i *Instance) *uint32 { return &i.Retry }),
	"expire":                timerSetter(func(i *Instance) *uint32 { return &i.Expire }),
	"minimum":               timerSetter(func(i *Instance) *uint32 { return &i.Minimum }),
	"add_entries":           (*instanceBuilder).addEntries,
	"add_forward_entries":   (*instanceBuilder).addEntries,
	"add_backward_entries":  (*instanceBuilder).addEntries,
	"add_backward4_entries": (*instanceBuilder).addEntries,
	"add_backward6_entries": (*instanceBuilder).addEntries,
}

type entryDirection struct{ forward, backward4, backward6 bool }

var entryDirections = map[string]entryDirection{
	"add_entries":           {true, true, true},
	"add_forward_entries":   {true, false, false},
	"add_backward_entries":  {false, true, true},
	"add_backward4_entries": {false, true, false},
	"add_backward6_entries": {false, false, true},
}

func (b *instanceBuilder) err(opt iniOption, format string, args ...any) error {
	return configErr(b.section, opt.Name, format, args...)
}

// single records a single-valued option and warns when it is redefined.
func (b *instanceBuilder) single(key string, opt iniOption) {
	if b.seen[key] {
		log.Warningf("section %s: %s redefined, overwriting previous value", b.section, opt.Name)
	}
	b.seen[key] = true
}

func (b *instanceBuilder) setStatusFile(opt iniOption) error {
	b.single("status", opt)
	path, err := filepath.Abs(opt.Value)
	if err != nil {
		return b.err(opt, "%v: %w", err, ErrInvalidValue)
	}
	b.inst.StatusFile = path
	return nil
}

func (b *instanceBuilder) setServerConfig(opt iniOption) error {
	sc, err := readServerConfig(opt.Value)
	if err != nil {
		return b.err(opt, "%w", err)
	}
	b.single("status", opt)
	b.inst.StatusFile = sc.Status
	if sc.Subnet4 != "" {
		b.single("subnet4", opt)
		if b.inst.Subnet4, err = reverseZoneName(sc.Subnet4); err != nil {
			return b.err(opt, "server %q: %v: %w", sc.Subnet4, err, ErrInvalidValue)
		}
	}
	if sc.Subnet6 != "" {
		b.single("subnet6", opt)
		if b.inst.Subnet6, err = reverseZoneName(sc.Subnet6); err != nil {
			return b.err(opt, "server-ipv6 %q: %v: %w", sc.Subnet6, err, ErrInvalidValue)
		}
	}
	return nil
}

func (b *instanceBuilder) setSubnet4(opt iniOption) error {
	b.single("subnet4", opt)
	zone, err := reverseZoneName(opt.Value)
	if err != nil {
		return b.err(opt, "%q: %v: %w", opt.Value, err, ErrInvalidValue)
	}
	if !strings.HasSuffix(zone, "in-addr.arpa.") {
		return b.err(opt, "%q is not an IPv4 network: %w", opt.Value, ErrInvalidValue)
	}
	b.inst.Subnet4 = zone
	return nil
}

func (b *instanceBuilder) setSubnet6(opt iniOption) error {
	b.single("subnet6", opt)
	zone, err := reverseZoneName(opt.Value)
	if err != nil {
		return b.err(opt, "%q: %v: %w", opt.Value, err, ErrInvalidValue)
	}
	if !strings.HasSuffix(zone, "ip6.arpa.") {
		return b.err(opt, "%q is not an IPv6 network: %w", opt.Value, ErrInvalidValue)
	}
	b.inst.Subnet6 = zone
	return nil
}

func (b *instanceBuilder) setSuffix(opt iniOption) error {
	b.single("suffix", opt)
	if opt.Value == "@" {
		b.inst.Suffix = "@"
		return nil
	}
	name, err := absoluteName(opt.Value)
	if err != nil {
		return b.err(opt, "%v: %w", err, ErrInvalidValue)
	}
	b.inst.Suffix = name
	return nil
}

func (b *instanceBuilder) addNotify(opt iniOption) error {
	t, err := parseNotifyTarget(opt.Value)
	if err != nil {
		return b.err(opt, "%q: %v: %w", opt.Value, err, ErrInvalidValue)
	}
	b.inst.Notify = append(b.inst.Notify, t)
	return nil
}

func (b *instanceBuilder) setMName(opt iniOption) error {
	b.single("mname", opt)
	name, err := absoluteName(opt.Value)
	if err != nil {
		return b.err(opt, "%v: %w", err, ErrInvalidValue)
	}
	b.inst.MName = name
	return nil
}

func (b *instanceBuilder) setRName(opt iniOption) error {
	b.single("rname", opt)
	name, err := absoluteName(strings.Replace(opt.Value, "@", ".", 1))
	if err != nil {
		return b.err(opt, "%v: %w", err, ErrInvalidValue)
	}
	b.inst.RName = name
	return nil
}

func timerSetter(field func(*Instance) *uint32) instanceSetter {
	return func(b *instanceBuilder, opt iniOption) error {
		b.single(opt.Name, opt)
		v, err := parseTTL(opt.Value)
		if err != nil {
			return b.err(opt, "%v: %w", err, ErrInvalidValue)
		}
		*field(b.inst) = v
		return nil
	}
}

func (b *instanceBuilder) addEntries(opt iniOption) error {
	opts, ok := b.parser.file.section(opt.Value)
	if !ok {
		return b.err(opt, "referencing unknown section %s: %w", opt.Value, ErrMissingSection)
	}
	entries, err := parseEntrySection(opt.Value, opts)
	if err != nil {
		return err
	}
	dir := entryDirections[opt.Name]
	if dir.forward {
		b.inst.Forward = append(b.inst.Forward, entries...)
	}
	if dir.backward4 {
		b.inst.Backward4 = append(b.inst.Backward4, entries...)
	}
	if dir.backward6 {
		b.inst.Backward6 = append(b.inst.Backward6, entries...)
	}
	return nil
}

func (b *instanceBuilder) validate() error {
	if b.inst.StatusFile == "" {
		return configErr(b.section, "status_file", "status_file or server_config is required: %w", ErrMissingOption)
	}
	if b.inst.MName == "" {
		return configErr(b.section, "mname", "%w", ErrMissingOption)
	}
	if b.inst.RName == "" {
		return configErr(b.section, "rname", "%w", ErrMissingOption)
	}
	return nil
}

// parseEntrySection materialises every entry through the record registry so
// that unknown record types fail at startup.
func parseEntrySection(section string, opts []iniOption) ([]Entry, error) {
	entries := make([]Entry, 0, len(opts))
	for _, o := range opts {
		r, err := ParseRecordValue(o.Value)
		if err != nil {
			return nil, &ConfigError{Section: section, Option: o.Name, Err: err}
		}
		entries = append(entries, Entry{Owner: o.Name, Record: r})
	}
	return entries, nil
}

func parseNotifyTarget(value string) (NotifyTarget, error) {
	if host, port, err := net.SplitHostPort(value); err == nil {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return NotifyTarget{}, fmt.Errorf("invalid port %q", port)
		}
		return NotifyTarget{Host: host, Port: uint16(p)}, nil
	}
	host := strings.TrimSuffix(strings.TrimPrefix(value, "["), "]")
	if host == "" {
		return NotifyTarget{}, fmt.Errorf("empty host")
	}
	return NotifyTarget{Host: host, Port: defaultNotifyPort}, nil
}

var ttlUnits = map[byte]uint64{
	's': 1,
	'm': 60,
	'h': 60 * 60,
	'd': 60 * 60 * 24,
	'w': 60 * 60 * 24 * 7,
	'y': 60 * 60 * 24 * 365,
}

// parseTTL accepts plain seconds or a number with one of the suffixes
// s, m, h, d, w, y (case-insensitive).
func parseTTL(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	mult := uint64(1)
	if unit, ok := ttlUnits[strings.ToLower(s[len(s)-1:])[0]]; ok {
		mult = unit
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	v := n * mult
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("duration %q overflows 32 bits", s)
	}
	return uint32(v), nil
}

// serverConfig carries the directives read from an OpenVPN server config.
type serverConfig struct {
	Status  string
	Subnet4 string
	Subnet6 string
}

var serverDirective = regexp.MustCompile(`^\s*(status|server|server-ipv6)\s+([^#;]+)`)

func readServerConfig(path string) (*serverConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening server config: %v: %w", err, ErrInvalidValue)
	}
	defer f.Close()

	sc := &serverConfig{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := serverDirective.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		if value == "" {
			continue
		}
		switch m[1] {
		case "status":
			// "status <file> [seconds]"
			file := strings.Fields(value)[0]
			if !filepath.IsAbs(file) {
				file = filepath.Join(filepath.Dir(path), file)
			}
			abs, err := filepath.Abs(file)
			if err != nil {
				return nil, err
			}
			sc.Status = abs
		case "server":
			sc.Subnet4 = value
		case "server-ipv6":
			sc.Subnet6 = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}
	if sc.Status == "" {
		return nil, fmt.Errorf("server config %s has no status entry: %w", path, ErrMissingOption)
	}
	return sc, nil
}

// parseSubnet accepts "net/len", "net/mask" and the OpenVPN "net mask" form.
func parseSubnet(value string) (netip.Prefix, error) {
	value = strings.Join(strings.Fields(value), "/")
	addr, bits, ok := strings.Cut(value, "/")
	if !ok {
		return netip.Prefix{}, fmt.Errorf("missing prefix length")
	}
	if strings.Contains(bits, ".") {
		mask := net.ParseIP(bits).To4()
		if mask == nil {
			return netip.Prefix{}, fmt.Errorf("invalid netmask %q", bits)
		}
		ones, total := net.IPMask(mask).Size()
		if total == 0 {
			return netip.Prefix{}, fmt.Errorf("non-contiguous netmask %q", bits)
		}
		bits = strconv.Itoa(ones)
	}
	p, err := netip.ParsePrefix(addr + "/" + bits)
	if err != nil {
		return netip.Prefix{}, err
	}
	return p.Masked(), nil
}

// reverseZoneName returns the reverse zone apex for a network. IPv4
// networks that do not end on an octet boundary get an RFC 2317 style
// "first-last" label.
func reverseZoneName(value string) (string, error) {
	p, err := parseSubnet(value)
	if err != nil {
		return "", err
	}
	if p.Addr().Is4() {
		return reverseZone4(p), nil
	}
	return reverseZone6(p)
}

func reverseZone4(p netip.Prefix) string {
	octets := p.Addr().As4()
	full := p.Bits() / 8

	labels := make([]string, 0, 5)
	if p.Bits()%8 != 0 {
		first, last := cidr.AddressRange(&net.IPNet{
			IP:   net.IP(octets[:]),
			Mask: net.CIDRMask(p.Bits(), 32),
		})
		labels = append(labels, fmt.Sprintf("%d-%d", first.To4()[full], last.To4()[full]))
	}
	for i := full - 1; i >= 0; i-- {
		labels = append(labels, strconv.Itoa(int(octets[i])))
	}
	labels = append(labels, "in-addr", "arpa")
	return strings.Join(labels, ".") + "."
}

func reverseZone6(p netip.Prefix) (string, error) {
	if p.Bits()%4 != 0 {
		return "", fmt.Errorf("IPv6 prefix length %d is not a multiple of 4", p.Bits())
	}
	b := p.Addr().As16()
	nibbles := make([]string, 0, 32)
	for _, octet := range b {
		nibbles = append(nibbles, strconv.FormatUint(uint64(octet>>4), 16), strconv.FormatUint(uint64(octet&0x0f), 16))
	}
	nibbles = nibbles[:p.Bits()/4]

	labels := make([]string, 0, len(nibbles)+2)
	for i := len(nibbles) - 1; i >= 0; i-- {
		labels = append(labels, nibbles[i])
	}
	labels = append(labels, "ip6", "arpa")
	return strings.Join(labels, ".") + ".", nil
}
