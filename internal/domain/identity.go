package domain

import (
	"fmt"
	"strings"
)

// IdentityKind tags which field an IdentityKey was derived from.
type IdentityKind uint8

const (
	IdentityUnknown IdentityKind = iota
	IdentityEmail
	IdentityID
	IdentityName
)

const unknownIdentity = "unknown"

// IdentityKey is the canonical, comparable identity of a person.
type IdentityKey struct {
	Kind  IdentityKind
	Value string
}

// UnknownIdentity is the sentinel key; it matches nothing, itself included.
var UnknownIdentity = IdentityKey{}

// EmailIdentity builds an email-derived key.
func EmailIdentity(email string) IdentityKey { return IdentityKey{Kind: IdentityEmail, Value: email} }

// IDIdentity builds an id-derived key.
func IDIdentity(id string) IdentityKey { return IdentityKey{Kind: IdentityID, Value: id} }

// NameIdentity builds a name-derived key.
func NameIdentity(name string) IdentityKey { return IdentityKey{Kind: IdentityName, Value: name} }

// IsUnknown reports whether k is the sentinel.
func (k IdentityKey) IsUnknown() bool {
	return k.Kind == IdentityUnknown || k.Value == ""
}

// Equal compares two keys. Unknown keys are never equal.
func (k IdentityKey) Equal(other IdentityKey) bool {
	if k.IsUnknown() || other.IsUnknown() {
		return false
	}
	return k.Kind == other.Kind && k.Value == other.Value
}

// String renders the wire form (email:<addr>, id:<id>, name:<name>, unknown).
func (k IdentityKey) String() string {
	if k.IsUnknown() {
		return unknownIdentity
	}
	switch k.Kind {
	case IdentityEmail:
		return "email:" + k.Value
	case IdentityID:
		return "id:" + k.Value
	case IdentityName:
		return "name:" + k.Value
	}
	return unknownIdentity
}

// ParseIdentityKey decodes the wire form. Unrecognized input yields the sentinel.
func ParseIdentityKey(s string) IdentityKey {
	prefix, value, ok := strings.Cut(s, ":")
	if !ok || value == "" {
		return UnknownIdentity
	}
	switch prefix {
	case "email":
		return EmailIdentity(value)
	case "id":
		return IDIdentity(value)
	case "name":
		return NameIdentity(value)
	}
	return UnknownIdentity
}

// MarshalText implements encoding.TextMarshaler.
func (k IdentityKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *IdentityKey) UnmarshalText(text []byte) error {
	if k == nil {
		return fmt.Errorf("identity key: nil receiver")
	}
	*k = ParseIdentityKey(string(text))
	return nil
}

// IdentityKeyStrings renders keys to their wire form.
func IdentityKeyStrings(keys []IdentityKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	return out
}

// ParseIdentityKeys decodes wire strings, dropping the sentinel.
func ParseIdentityKeys(values []string) []IdentityKey {
	out := make([]IdentityKey, 0, len(values))
	for _, v := range values {
		k := ParseIdentityKey(v)
		if k.IsUnknown() {
			continue
		}
		out = append(out, k)
	}
	return out
}
