// Package jid implements the XMPP address handling omemo-go needs:
// parsing, validation, and normalization to bare JIDs. OMEMO state is
// always keyed by the bare form; resource parts are accepted on input
// and stripped.
package jid

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyJID      = errors.New("jid: empty JID")
	ErrInvalidLocal  = errors.New("jid: invalid localpart")
	ErrInvalidDomain = errors.New("jid: invalid domainpart")
	ErrTooLong       = errors.New("jid: part exceeds maximum length")
)

const maxPartLen = 1023

// JID represents an XMPP address (localpart@domainpart/resourcepart).
type JID struct {
	local    string
	domain   string
	resource string
}

// New creates a new JID from its parts.
func New(local, domain, resource string) (JID, error) {
	if len(local) > maxPartLen || len(domain) > maxPartLen || len(resource) > maxPartLen {
		return JID{}, ErrTooLong
	}
	if local != "" && !validLocal(local) {
		return JID{}, ErrInvalidLocal
	}
	if !validDomain(domain) {
		return JID{}, ErrInvalidDomain
	}
	return JID{local: local, domain: strings.ToLower(domain), resource: resource}, nil
}

// Parse parses a JID string into a JID.
func Parse(s string) (JID, error) {
	if s == "" {
		return JID{}, ErrEmptyJID
	}

	var local, domain, resource string

	if slashIdx := strings.IndexByte(s, '/'); slashIdx != -1 {
		resource = s[slashIdx+1:]
		s = s[:slashIdx]
	}

	if atIdx := strings.IndexByte(s, '@'); atIdx != -1 {
		local = s[:atIdx]
		domain = s[atIdx+1:]
	} else {
		domain = s
	}

	return New(local, domain, resource)
}

// MustParse parses a JID string and panics on error.
func MustParse(s string) JID {
	j, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return j
}

// NormalizeBare parses s and returns its bare form as a string. This
// is the canonical form every omemo-go entry point keys state by.
func NormalizeBare(s string) (string, error) {
	j, err := Parse(s)
	if err != nil {
		return "", err
	}
	return j.Bare().String(), nil
}

// Local returns the localpart.
func (j JID) Local() string { return j.local }

// Domain returns the domainpart.
func (j JID) Domain() string { return j.domain }

// Resource returns the resourcepart.
func (j JID) Resource() string { return j.resource }

// Bare returns a copy of the JID without the resource part.
func (j JID) Bare() JID {
	return JID{local: j.local, domain: j.domain}
}

// IsBare returns true if the JID has no resource part.
func (j JID) IsBare() bool {
	return j.resource == ""
}

// Equal returns true if two JIDs are equal.
func (j JID) Equal(other JID) bool {
	return j.local == other.local && j.domain == other.domain && j.resource == other.resource
}

// String returns the string representation of the JID.
func (j JID) String() string {
	if j.domain == "" {
		return ""
	}
	var b strings.Builder
	if j.local != "" {
		b.WriteString(j.local)
		b.WriteByte('@')
	}
	b.WriteString(j.domain)
	if j.resource != "" {
		b.WriteByte('/')
		b.WriteString(j.resource)
	}
	return b.String()
}

// IsZero returns true if the JID is the zero value.
func (j JID) IsZero() bool {
	return j.domain == ""
}

func validLocal(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == '@' || r == '/' {
			return false
		}
	}
	return true
}

func validDomain(s string) bool {
	if s == "" {
		return false
	}
	if !utf8.ValidString(s) {
		return false
	}
	// Allow IP addresses in brackets.
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return true
	}
	for _, r := range s {
		if r == '@' || r == '/' {
			return false
		}
	}
	return true
}
