// Package acl decides which command channel peers may register jobs. The
// list holds distinguished names; a client certificate is accepted when its
// subject carries every attribute of at least one entry.
package acl

import (
	"bufio"
	"crypto/tls"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrDenied is returned for peers not covered by the list.
var ErrDenied = errors.New("connection not allowed by ACL")

// Attribute is one type=value pair of a distinguished name.
type Attribute struct {
	Type  string
	Value string
}

func (a Attribute) String() string { return a.Type + "=" + a.Value }

// Entry is a parsed distinguished name.
type Entry []Attribute

func (e Entry) String() string {
	parts := make([]string, len(e))
	for i, a := range e {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

var attributeOIDs = map[string]asn1.ObjectIdentifier{
	"C":  {2, 5, 4, 6},
	"CN": {2, 5, 4, 3},
	"O":  {2, 5, 4, 10},
	"OU": {2, 5, 4, 11},
	"L":  {2, 5, 4, 7},
	"ST": {2, 5, 4, 8},
	"DC": {0, 9, 2342, 19200300, 100, 1, 25},
}

// ParseDN parses an RFC 2253 style name such as "CN=auth,O=Example,C=DE".
// A backslash escapes the next character.
func ParseDN(s string) (Entry, error) {
	var (
		entry Entry
		cur   strings.Builder
		esc   bool
	)
	flush := func() error {
		rdn := strings.TrimSpace(cur.String())
		cur.Reset()
		if rdn == "" {
			return nil
		}
		typ, val, ok := strings.Cut(rdn, "=")
		if !ok {
			return fmt.Errorf("acl: %q is not type=value", rdn)
		}
		typ = strings.ToUpper(strings.TrimSpace(typ))
		if _, known := attributeOIDs[typ]; !known {
			return fmt.Errorf("acl: unsupported attribute %q", typ)
		}
		entry = append(entry, Attribute{Type: typ, Value: strings.TrimSpace(val)})
		return nil
	}
	for _, r := range s {
		switch {
		case esc:
			cur.WriteRune(r)
			esc = false
		case r == '\\':
			esc = true
		case r == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteRune(r)
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(entry) == 0 {
		return nil, errors.New("acl: empty distinguished name")
	}
	return entry, nil
}

// List is an immutable set of entries.
type List struct {
	entries []Entry
}

// Parse reads one entry per line, skipping blanks and '#' comments. Lines
// that fail to parse are reported and skipped.
func Parse(r io.Reader) (*List, []error) {
	l := &List{}
	var errs []error
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := ParseDN(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", n, err))
			continue
		}
		l.entries = append(l.entries, e)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return l, errs
}

// Len returns the number of entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// Entries returns the parsed entries.
func (l *List) Entries() []Entry {
	if l == nil {
		return nil
	}
	return l.entries
}

// Allows reports whether subject satisfies an entry.
func (l *List) Allows(subject pkix.Name) bool {
	if l == nil {
		return false
	}
	for _, e := range l.entries {
		if matches(e, subject) {
			return true
		}
	}
	return false
}

func matches(e Entry, subject pkix.Name) bool {
	for _, a := range e {
		oid := attributeOIDs[a.Type]
		found := false
		for _, atv := range subject.Names {
			if !atv.Type.Equal(oid) {
				continue
			}
			if v, ok := atv.Value.(string); ok && v == a.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Verify checks the leaf certificate of a TLS peer.
func (l *List) Verify(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("%w: no client certificate", ErrDenied)
	}
	subject := cs.PeerCertificates[0].Subject
	if !l.Allows(subject) {
		return fmt.Errorf("%w: %s", ErrDenied, subject.String())
	}
	return nil
}
