// Package emul implements a software-emulated smart-card Backend: no real
// hardware or NSS soft-token database is involved, only PEM certificates
// named on the command line, in the spirit of the NSS "soft=" reader
// descriptor built by the reference vscclient.c's main() (see
// original_source/libcaccard/vscclient.c and spec.md §6/§12).
package emul

import (
	"fmt"
	"strings"
)

// DefaultDBPath is used when -c is given without -e, matching the
// reference's `emul_args = db="/etc/pki/nssdb"` default.
const DefaultDBPath = `/etc/pki/nssdb`

// SoftReaderSpec describes one emulated reader and the certificates it
// presents, decoded from a "soft=(,name,type,,cert1,cert2,...)" descriptor.
type SoftReaderSpec struct {
	Name  string
	Type  string
	Certs []string // cert nicknames / PEM file paths, in insertion order
}

// Options is the parsed form of the -e configuration string.
type Options struct {
	DBPath      string
	SoftReaders []SoftReaderSpec
}

// BuildEmulArgs reproduces the CLI composition rule from spec.md §6 and
// vscclient.c's main(): when certs are supplied, the soft-reader descriptor
// is appended to the emul_args string, which defaults to db="/etc/pki/nssdb"
// when no -e was given. Without certs, emulArgs is returned unchanged.
func BuildEmulArgs(emulArgs string, certNicknames []string) string {
	if len(certNicknames) == 0 {
		return emulArgs
	}
	if emulArgs == "" {
		emulArgs = fmt.Sprintf(`db=%q`, DefaultDBPath)
	}
	var b strings.Builder
	b.WriteString(emulArgs)
	b.WriteString(",soft=(,Virtual Reader,CAC,,")
	for _, c := range certNicknames {
		b.WriteString(c)
		b.WriteString(",")
	}
	b.WriteString(")")
	return b.String()
}

// ParseOptions parses the composed -e string into DB path and soft-reader
// descriptors. This is a deliberately small parser: it covers exactly the
// grammar vscclient.c's main() emits (db="...",soft=(,name,type,,cert,...))
// and is not a general NSS vcard_emul_options grammar, which isn't present
// anywhere in the retrieval pack to ground against.
func ParseOptions(s string) (Options, error) {
	var opt Options
	for _, tok := range splitTopLevel(s) {
		switch {
		case strings.HasPrefix(tok, "db="):
			v := strings.TrimPrefix(tok, "db=")
			v = strings.Trim(v, `"`)
			opt.DBPath = v
		case strings.HasPrefix(tok, "soft="):
			spec, err := parseSoftReader(strings.TrimPrefix(tok, "soft="))
			if err != nil {
				return Options{}, err
			}
			opt.SoftReaders = append(opt.SoftReaders, spec)
		case tok == "":
			// ignore stray separators
		default:
			return Options{}, fmt.Errorf("emul: unrecognized option %q", tok)
		}
	}
	return opt, nil
}

// splitTopLevel splits on commas that are not nested inside parentheses, so
// that the soft=(...) descriptor's internal commas survive.
func splitTopLevel(s string) []string {
	var out []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func parseSoftReader(desc string) (SoftReaderSpec, error) {
	if !strings.HasPrefix(desc, "(") || !strings.HasSuffix(desc, ")") {
		return SoftReaderSpec{}, fmt.Errorf("emul: malformed soft reader descriptor %q", desc)
	}
	inner := desc[1 : len(desc)-1]
	fields := strings.Split(inner, ",")
	// Reference layout: slot(unused), name, type, params(unused), cert...
	if len(fields) < 3 {
		return SoftReaderSpec{}, fmt.Errorf("emul: soft reader descriptor has too few fields: %q", desc)
	}
	spec := SoftReaderSpec{
		Name: fields[1],
		Type: fields[2],
	}
	if len(fields) > 4 {
		for _, c := range fields[4:] {
			if c != "" {
				spec.Certs = append(spec.Certs, c)
			}
		}
	}
	return spec, nil
}
