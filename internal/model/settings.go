package model

import "github.com/google/uuid"

// SchemaVersion is the current on-disk settings schema version.
const SchemaVersion = 1

// UIPreferences is treated as opaque by the core; the control surface owns
// its shape.  It round-trips through JSON untouched.
type UIPreferences map[string]any

// AppSettings is the single persisted configuration document.
type AppSettings struct {
	Version        int             `json:"version"`
	Providers      []*Provider     `json:"providers"`
	DefaultProfile *Profile        `json:"defaultProfile"`
	Enabled        bool            `json:"enabled"`
	ApplyOnBoot    bool            `json:"applyOnBoot"`
	AdapterBackups []AdapterBackup `json:"adapterBackups"`
	UISettings     UIPreferences   `json:"uiSettings"`
}

// Clone returns a deep copy of s.  s may be nil.
func (s *AppSettings) Clone() (clone *AppSettings) {
	if s == nil {
		return nil
	}

	clone = &AppSettings{
		Version:        s.Version,
		DefaultProfile: s.DefaultProfile.Clone(),
		Enabled:        s.Enabled,
		ApplyOnBoot:    s.ApplyOnBoot,
		AdapterBackups: make([]AdapterBackup, len(s.AdapterBackups)),
		UISettings:     make(UIPreferences, len(s.UISettings)),
	}

	for _, p := range s.Providers {
		clone.Providers = append(clone.Providers, p.Clone())
	}

	for i, b := range s.AdapterBackups {
		clone.AdapterBackups[i] = *b.Clone()
	}

	for k, v := range s.UISettings {
		clone.UISettings[k] = v
	}

	return clone
}

// ProviderByID returns the provider with the given ID, or nil if none match.
func (s *AppSettings) ProviderByID(id uuid.UUID) (p *Provider) {
	for _, cand := range s.Providers {
		if cand.ID == id {
			return cand
		}
	}

	return nil
}

// ConnectionStatus is the control state machine's externally visible status.
type ConnectionStatus string

// Connection statuses.
const (
	StatusInactive   ConnectionStatus = "inactive"
	StatusConnecting ConnectionStatus = "connecting"
	StatusTesting    ConnectionStatus = "testing"
	StatusConnected  ConnectionStatus = "connected"
	StatusError      ConnectionStatus = "error"
)
