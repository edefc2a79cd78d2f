// Package identity canonicalizes participant descriptions against the team
// directory and keeps the directory free of duplicate entries.
package identity

import (
	"strings"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// Ref is a loose description of a person as found on call records.
type Ref struct {
	ID    string
	Email string
	Name  string
}

// Query selects a directory member by id or email.
type Query struct {
	ID    string
	Email string
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeName trims, lower-cases and collapses inner whitespace.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// ResolveIdentity derives the canonical key from whichever fields are present,
// preferring email, then id, then name.
func ResolveIdentity(id, email, name string) domain.IdentityKey {
	if e := NormalizeEmail(email); e != "" {
		return domain.EmailIdentity(e)
	}
	if i := strings.TrimSpace(id); i != "" {
		return domain.IDIdentity(i)
	}
	if n := NormalizeName(name); n != "" {
		return domain.NameIdentity(n)
	}
	return domain.UnknownIdentity
}

// KeyOf resolves the key of a Ref.
func KeyOf(r Ref) domain.IdentityKey {
	return ResolveIdentity(r.ID, r.Email, r.Name)
}

// MemberKey resolves the key of a directory member.
func MemberKey(m domain.TeamMember) domain.IdentityKey {
	return ResolveIdentity(m.ID, m.Email, m.Name)
}

// NewViewer builds a Viewer from a directory member.
func NewViewer(m domain.TeamMember) domain.Viewer {
	return domain.Viewer{
		ID:          strings.TrimSpace(m.ID),
		Email:       NormalizeEmail(m.Email),
		Name:        m.Name,
		Role:        m.Role,
		IdentityKey: MemberKey(m),
	}
}

// SamePerson reports whether two refs denote the same person: equal keys,
// equal raw ids, or equal normalized emails.
func SamePerson(a, b Ref) bool {
	if KeyOf(a).Equal(KeyOf(b)) {
		return true
	}
	if id := strings.TrimSpace(a.ID); id != "" && id == strings.TrimSpace(b.ID) {
		return true
	}
	if e := NormalizeEmail(a.Email); e != "" && e == NormalizeEmail(b.Email) {
		return true
	}
	return false
}

// IsViewer reports whether the ref describes the viewer.
func IsViewer(v domain.Viewer, r Ref) bool {
	if v.ID == "" && v.Email == "" {
		return false
	}
	if id := strings.TrimSpace(r.ID); id != "" && id == v.ID {
		return true
	}
	if e := NormalizeEmail(r.Email); e != "" && e == v.Email {
		return true
	}
	return KeyOf(r).Equal(v.IdentityKey)
}
