package domain

import "time"

// NotificationType classifies user-facing notifications.
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
)

// Notification is a delivered user-facing message.
type Notification struct {
	Seq      uint64           `json:"seq"`
	Type     NotificationType `json:"type"`
	Message  string           `json:"message"`
	ViewerID string           `json:"viewer_id,omitempty"`
	At       time.Time        `json:"at"`
}
