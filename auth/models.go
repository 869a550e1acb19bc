package auth

// Capability is one of the fixed roles a principal may hold for a dispute.
type Capability string

const (
	CapClient       Capability = "client"
	CapProfessional Capability = "professional"
	CapMediator     Capability = "mediator"
	CapAdmin        Capability = "admin"
)

// Principal is the opaque identity the engine acts on behalf of.
// An empty ID denotes the system itself; audit entries record it as a null actor.
type Principal struct {
	ID           string
	Capabilities []Capability
}

// System returns the principal used by background workers.
func System() Principal {
	return Principal{Capabilities: []Capability{CapMediator, CapAdmin}}
}

// IsSystem reports whether p is the system principal.
func (p Principal) IsSystem() bool {
	return p.ID == ""
}

// Has reports whether p holds any of caps.
func (p Principal) Has(caps ...Capability) bool {
	for _, held := range p.Capabilities {
		for _, want := range caps {
			if held == want {
				return true
			}
		}
	}
	return false
}

// Staff reports whether p may act as a neutral third party.
func (p Principal) Staff() bool {
	return p.Has(CapMediator, CapAdmin)
}

func isValidCapability(c Capability) bool {
	switch c {
	case CapClient, CapProfessional, CapMediator, CapAdmin:
		return true
	default:
		return false
	}
}
