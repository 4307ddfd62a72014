// ABOUTME: INI reading on top of gopkg.in/ini.v1 with shadowed keys, so repeated option names survive.
// ABOUTME: Sections become ordered (option, value) lists for the option tables in config.go.

package openvpn2dns

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/ini.v1"
)

// iniOption is one "option = value" pair.
type iniOption struct {
	Name  string
	Value string
}

// iniFile holds sections in file order. Option names may repeat inside a
// section; section names may not.
type iniFile struct {
	Order    []string
	Sections map[string][]iniOption
}

func (f *iniFile) section(name string) ([]iniOption, bool) {
	opts, ok := f.Sections[name]
	return opts, ok
}

// iniLoadOptions keep values verbatim: static entries may contain '#', ';'
// and quotes, and every repetition of an option counts.
var iniLoadOptions = ini.LoadOptions{
	AllowShadows:               true,
	AllowDuplicateShadowValues: true,
	AllowNonUniqueSections:     true,
	IgnoreInlineComment:        true,
	IgnoreContinuation:         true,
	PreserveSurroundedQuote:    true,
	KeyValueDelimiters:         "=",
}

func readINIFile(path string) (*iniFile, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("opening %s: %w", path, err)}
	}
	defer fh.Close()
	return parseINI(fh)
}

func parseINI(r io.Reader) (*iniFile, error) {
	src, err := ini.LoadSources(iniLoadOptions, r)
	if err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("reading configuration: %v: %w", err, ErrInvalidValue)}
	}

	f := &iniFile{Sections: make(map[string][]iniOption)}
	for _, sec := range src.Sections() {
		name := sec.Name()
		if name == ini.DefaultSection {
			for _, k := range sec.Keys() {
				log.Warningf("option %s outside of any section, ignoring", k.Name())
			}
			continue
		}
		if _, dup := f.Sections[name]; dup {
			return nil, configErr(name, "", "section defined twice: %w", ErrInvalidValue)
		}

		opts := []iniOption{}
		for _, k := range sec.Keys() {
			for _, v := range k.ValueWithShadows() {
				opts = append(opts, iniOption{Name: k.Name(), Value: v})
			}
		}
		f.Sections[name] = opts
		f.Order = append(f.Order, name)
	}
	return f, nil
}
