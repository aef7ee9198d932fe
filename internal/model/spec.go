package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/netip"
)

// Permission is one egress allowance in a compiled spec: a destination network
// and the ports reachable within it. Ports are sorted ascending.
type Permission struct {
	CIDR  netip.Prefix `json:"cidr"`
	Ports []int        `json:"ports"`
}

// CompiledSpec is the canonical enforcement object derived from a declaration.
// Permissions are deduplicated and ordered by CIDR then ports, so compiling the
// same input twice yields a byte-identical document with an equal hash. Derived
// state: owned by the reconciler, never hand-edited.
type CompiledSpec struct {
	Namespace     string        `json:"namespace"`
	DefaultAction DefaultAction `json:"defaultAction"`
	Permissions   []Permission  `json:"permissions"`
}

// Hash returns a hex SHA-256 over the canonical JSON encoding. Used by the
// reconciler to skip applies when nothing changed.
func (s *CompiledSpec) Hash() string {
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
