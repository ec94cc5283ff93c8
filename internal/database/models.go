package database

import "time"

// CommandRecord is the append-only audit row written once per completed or
// cancelled command execution. Rows are never mutated after creation.
type CommandRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID   string    `gorm:"not null;index" json:"session_id"`
	OwnerID     string    `gorm:"not null" json:"owner_id"`
	CommandText string    `gorm:"not null" json:"command_text"`
	StartedAt   time.Time `gorm:"not null" json:"started_at"`
	DurationMS  int64     `gorm:"not null;default:0" json:"duration_ms"`
	ExitCode    int       `gorm:"not null;default:0" json:"exit_code"`
	Cancelled   bool      `gorm:"not null;default:false" json:"cancelled"`
	Output      string    `gorm:"type:text" json:"output"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// StoredCredential maps an opaque credential reference to encrypted material.
// The value is a Fernet-encrypted JSON object of environment variables,
// written through the admin credentials API and only ever read back through
// the creds resolver.
type StoredCredential struct {
	Ref       string    `gorm:"primaryKey;size:128" json:"ref"`
	Value     string    `gorm:"not null" json:"-"` // Fernet-encrypted
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
