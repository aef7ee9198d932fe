// Package admission is the synchronous gate in front of policy persistence.
// The decision is a pure function over the document and the static registry;
// the HTTP envelope around it lives in server.go.
package admission

import (
	"strings"

	"github.com/edvin/egress/internal/policy"
)

// Decision is the outcome of gating one submission.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Message flattens the reasons into one submitter-facing string.
func (d Decision) Message() string {
	if d.Allowed {
		return "policy validation successful"
	}
	return "policy validation failed: " + strings.Join(d.Reasons, "; ")
}

// Gate decides admission for policy declarations. It deliberately never
// touches the resolver: admission sits in the caller's write path and must
// stay fast and side-effect-free, so awsService checking stops at registry
// membership rather than live resolution.
type Gate struct {
	reg *policy.Registry
}

// NewGate creates a gate over the given service registry. The registry is
// read-only, so one gate serves any number of concurrent submissions.
func NewGate(reg *policy.Registry) *Gate {
	return &Gate{reg: reg}
}

// Decide validates the document and returns Admit, or Deny carrying every
// defect found so the submitter can fix them in one pass. The namespace is
// part of the hook contract but does not influence the verdict.
func (g *Gate) Decide(namespace string, document []byte) Decision {
	result := policy.Validate(document, g.reg)
	if result.Valid() {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reasons: result.Reasons()}
}
