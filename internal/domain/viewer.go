package domain

// Viewer is the directory identity a client session runs as.
type Viewer struct {
	ID          string      `json:"id"`
	Email       string      `json:"email,omitempty"`
	Name        string      `json:"name"`
	Role        Role        `json:"role"`
	IdentityKey IdentityKey `json:"identity_key"`
}

// Member renders the viewer as a directory entry.
func (v Viewer) Member() TeamMember {
	return TeamMember{ID: v.ID, Email: v.Email, Name: v.Name, Role: v.Role}
}
