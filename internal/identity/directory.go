package identity

import (
	"strings"

	"github.com/spec-kit/call-session-service/internal/domain"
)

// Directory is the team member list as read from the settings store.
type Directory []domain.TeamMember

// ByID returns the member with the given id.
func (d Directory) ByID(id string) (domain.TeamMember, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.TeamMember{}, false
	}
	for _, m := range d {
		if m.ID == id {
			return m, true
		}
	}
	return domain.TeamMember{}, false
}

// ByEmail returns the member with the given normalized email.
func (d Directory) ByEmail(email string) (domain.TeamMember, bool) {
	email = NormalizeEmail(email)
	if email == "" {
		return domain.TeamMember{}, false
	}
	for _, m := range d {
		if NormalizeEmail(m.Email) == email {
			return m, true
		}
	}
	return domain.TeamMember{}, false
}

// HasID reports whether a member with id exists.
func (d Directory) HasID(id string) bool {
	_, ok := d.ByID(id)
	return ok
}

// HasEmail reports whether a member with email exists.
func (d Directory) HasEmail(email string) bool {
	_, ok := d.ByEmail(email)
	return ok
}

// Clone returns a copy that can be mutated independently.
func (d Directory) Clone() Directory {
	out := make(Directory, len(d))
	for i, m := range d {
		out[i] = cloneMember(m)
	}
	return out
}

// LookupMember finds a member by id or email. An exact id match wins over an
// email match, and a query that matches the viewer resolves to the viewer.
func LookupMember(d Directory, viewer *domain.Viewer, q Query) (domain.TeamMember, bool) {
	id := strings.TrimSpace(q.ID)
	email := NormalizeEmail(q.Email)

	if viewer != nil && id != "" && id == viewer.ID {
		return viewerMember(d, *viewer), true
	}
	if m, ok := d.ByID(id); ok {
		return m, true
	}
	if viewer != nil && email != "" && email == viewer.Email {
		return viewerMember(d, *viewer), true
	}
	if m, ok := d.ByEmail(email); ok {
		return m, true
	}
	return domain.TeamMember{}, false
}

func viewerMember(d Directory, v domain.Viewer) domain.TeamMember {
	if m, ok := d.ByID(v.ID); ok {
		return m
	}
	return v.Member()
}

// MergeDirectoryEntry folds incoming into the directory. The existing entry is
// found by id, then normalized email, then by the (role, name, extension)
// signature for entries without email. Merging is idempotent.
func MergeDirectoryEntry(d Directory, incoming domain.TeamMember) Directory {
	incoming = cloneMember(incoming)
	incoming.Email = NormalizeEmail(incoming.Email)
	incoming.ID = strings.TrimSpace(incoming.ID)
	if incoming.Role == domain.RoleAdmin {
		incoming.RecordingAccess = boolPtr(true)
	}

	out := d.Clone()
	idx := findEntry(out, incoming)
	if idx < 0 {
		if incoming.ID == "" && incoming.Email == "" && signature(incoming) == "" {
			return out
		}
		return append(out, incoming)
	}
	out[idx] = mergeMember(out[idx], incoming)
	return out
}

// Dedupe folds every entry through MergeDirectoryEntry.
func Dedupe(d Directory) Directory {
	out := make(Directory, 0, len(d))
	for _, m := range d {
		out = MergeDirectoryEntry(out, m)
	}
	return out
}

func findEntry(d Directory, m domain.TeamMember) int {
	if m.ID != "" {
		for i := range d {
			if d[i].ID == m.ID {
				return i
			}
		}
	}
	if m.Email != "" {
		for i := range d {
			if NormalizeEmail(d[i].Email) == m.Email {
				return i
			}
		}
		return -1
	}
	sig := signature(m)
	if sig == "" {
		return -1
	}
	for i := range d {
		if NormalizeEmail(d[i].Email) == "" && signature(d[i]) == sig {
			return i
		}
	}
	return -1
}

func signature(m domain.TeamMember) string {
	name := NormalizeName(m.Name)
	if name == "" {
		return ""
	}
	return string(m.Role) + "|" + name + "|" + strings.TrimSpace(m.Extension)
}

func mergeMember(existing, incoming domain.TeamMember) domain.TeamMember {
	out := existing
	if out.ID == "" {
		out.ID = incoming.ID
	}
	out.Email = NormalizeEmail(out.Email)
	if out.Email == "" {
		out.Email = incoming.Email
	}
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Extension != "" {
		out.Extension = incoming.Extension
	}
	if incoming.Presence != "" {
		out.Presence = incoming.Presence
	}
	out.Role = domain.HigherRole(existing.Role, incoming.Role)
	if incoming.RecordingAccess != nil {
		out.RecordingAccess = boolPtr(*incoming.RecordingAccess)
	}
	if incoming.Active != nil {
		out.Active = boolPtr(*incoming.Active)
	}
	if out.Role == domain.RoleAdmin {
		out.RecordingAccess = boolPtr(true)
	}
	if incoming.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = incoming.UpdatedAt
	}
	return out
}

func cloneMember(m domain.TeamMember) domain.TeamMember {
	if m.RecordingAccess != nil {
		m.RecordingAccess = boolPtr(*m.RecordingAccess)
	}
	if m.Active != nil {
		m.Active = boolPtr(*m.Active)
	}
	return m
}

func boolPtr(v bool) *bool {
	return &v
}
