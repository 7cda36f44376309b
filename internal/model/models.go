package model

import "time"

type ServerStatus string

const (
	ServerStatusActive      ServerStatus = "active"
	ServerStatusInactive    ServerStatus = "inactive"
	ServerStatusUnreachable ServerStatus = "unreachable"
	ServerStatusError       ServerStatus = "error"
)

// Valid reports whether s is one of the four known status values.
func (s ServerStatus) Valid() bool {
	switch s {
	case ServerStatusActive, ServerStatusInactive, ServerStatusUnreachable, ServerStatusError:
		return true
	}
	return false
}

// Server is the registration record of one remote agent. APIKey is write-only:
// it is never serialized and is handed to the credential store on load.
type Server struct {
	ID             uint         `gorm:"primaryKey" json:"server_id"`
	Name           string       `gorm:"size:128;not null" json:"name"`
	IPAddress      string       `gorm:"size:255;not null" json:"ip_address"`
	AgentPort      int          `gorm:"not null" json:"agent_port"`
	APIKey         string       `gorm:"column:api_key;size:255;not null" json:"-"`
	KeyFingerprint string       `gorm:"size:16" json:"key_fingerprint"`
	Status         ServerStatus `gorm:"size:32;index;default:inactive" json:"status"`
	LastSynced     *time.Time   `json:"last_synced"`
	Description    string       `gorm:"type:text" json:"description"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`

	DashboardCache *DashboardSnapshot `gorm:"-" json:"dashboard_cache,omitempty"`
}

// Setting is one fleet-scoped key/value pair.
type Setting struct {
	ID    uint   `gorm:"primaryKey" json:"-"`
	Key   string `gorm:"column:setting_key;size:128;uniqueIndex;not null" json:"key"`
	Value string `gorm:"type:text" json:"value"`
}
