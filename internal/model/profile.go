package model

import "github.com/google/uuid"

// Profile is a provider plus the ordered set of adapters loopback DNS should
// be applied to.
type Profile struct {
	ProviderID uuid.UUID `json:"providerId"`
	AdapterIDs []string  `json:"adapterIds"`
}

// Clone returns a deep copy of p.  p may be nil.
func (p *Profile) Clone() (clone *Profile) {
	if p == nil {
		return nil
	}

	return &Profile{
		ProviderID: p.ProviderID,
		AdapterIDs: append([]string(nil), p.AdapterIDs...),
	}
}
