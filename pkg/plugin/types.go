package plugin

// Type is the functional category of a plugin.
type Type string

const (
	// TypeFeed plugins supply one named market-context feed.
	TypeFeed Type = "feed"
)

// Capability is an optional host feature a plugin asks for. A feed that
// reads an RPC endpoint declares both network and chain.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
	CapabilityChain      Capability = "chain"
)

// Known reports whether c is one of the capabilities the host understands.
func (c Capability) Known() bool {
	switch c {
	case CapabilityFilesystem, CapabilityNetwork, CapabilityExecution, CapabilityChain:
		return true
	}
	return false
}

// Info is the static metadata of a plugin.
type Info struct {
	ID           string
	Name         string
	Description  string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State is the lifecycle position of a plugin instance. A stopped plugin
// can be started again without re-running Init.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
