// Package nat estimates how hard a participant's NAT will make direct
// connectivity, and whether their candidate exchange should be
// synchronized by the coordinator.
package nat

import "context"

// Type is the detected NAT behavior, in increasing order of strictness.
type Type string

const (
	FullCone           Type = "full-cone"
	RestrictedCone     Type = "restricted-cone"
	PortRestrictedCone Type = "port-restricted-cone"
	Symmetric          Type = "symmetric"
)

// Address is the public (or observed) address of the participant.
type Address struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Classification is the advisory result of a NAT probe. RequiresSync
// asks the coordinator to buffer this participant's candidates and
// release them together with the peer's.
type Classification struct {
	Type           Type    `json:"type"`
	CanP2P         bool    `json:"canP2P"`
	Confidence     int     `json:"confidence"`
	PublicAddress  Address `json:"publicAddress"`
	Recommendation string  `json:"recommendation"`
	RequiresSync   bool    `json:"requiresSync"`
}

// Classifier is a replaceable classification strategy, so that active
// probing can be swapped in without touching the coordinator.
type Classifier interface {
	Classify(ctx context.Context, observedAddr string) (Classification, error)
}
