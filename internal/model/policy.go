package model

import (
	"fmt"
	"net/netip"
	"time"
)

// DefaultAction is the posture a policy declares for traffic that matches no rule.
type DefaultAction string

const (
	ActionDeny  DefaultAction = "deny"
	ActionAllow DefaultAction = "allow"
)

// Declaration is a tenant-authored egress policy. At most one active declaration
// exists per namespace; updates always replace the whole document.
type Declaration struct {
	DefaultAction       DefaultAction     `json:"defaultAction"`
	AllowedDestinations []DestinationRule `json:"allowedDestinations"`
}

// RuleKind discriminates the two destination rule variants.
type RuleKind int

const (
	// RuleInvalid means the rule has zero or both targets set. Such rules never
	// survive validation; the kind exists so callers can pattern-match exhaustively.
	RuleInvalid RuleKind = iota
	RuleCIDR
	RuleService
)

// DestinationRule is one allow-entry in a declaration: either a literal network
// range or a symbolic cloud-service reference. Exactly one of CIDR and
// AWSService is set; Regions accompanies AWSService and nothing else.
type DestinationRule struct {
	Name       string   `json:"name"`
	Ports      []int    `json:"ports"`
	CIDR       *string  `json:"cidr,omitempty"`
	AWSService *string  `json:"awsService,omitempty"`
	Regions    []string `json:"regions,omitempty"`
}

// Kind reports which variant of the union this rule is.
func (r *DestinationRule) Kind() RuleKind {
	switch {
	case r.CIDR != nil && r.AWSService == nil:
		return RuleCIDR
	case r.AWSService != nil && r.CIDR == nil:
		return RuleService
	default:
		return RuleInvalid
	}
}

// ResolvedDestination is the concrete CIDR set a symbolic service rule expands
// to. Ephemeral: recomputed on every reconciliation pass, never persisted.
type ResolvedDestination struct {
	Service   string
	Regions   []string
	CIDRs     []netip.Prefix
	FetchedAt time.Time
	// Stale marks a set served from an expired cache entry after a refresh failure.
	Stale bool
}

// DefectKind classifies an admission-time validation defect.
type DefectKind string

const (
	DefectMalformed       DefectKind = "Malformed"
	DefectMissingField    DefectKind = "MissingField"
	DefectInvalidEnum     DefectKind = "InvalidEnum"
	DefectTypeMismatch    DefectKind = "TypeMismatch"
	DefectInvalidPort     DefectKind = "InvalidPort"
	DefectMutualExclusion DefectKind = "MutualExclusionViolation"
	DefectInvalidCIDR     DefectKind = "InvalidCIDR"
	DefectInvalidService  DefectKind = "InvalidService"
	DefectInvalidRegion   DefectKind = "InvalidRegion"
	DefectDuplicateName   DefectKind = "DuplicateName"
)

// Defect is one validation failure. Rule is the index into allowedDestinations,
// or -1 for document-level defects.
type Defect struct {
	Kind    DefectKind `json:"kind"`
	Rule    int        `json:"rule"`
	Message string     `json:"message"`
}

func (d Defect) String() string {
	if d.Rule < 0 {
		return fmt.Sprintf("%s: %s", d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: destination %d: %s", d.Kind, d.Rule, d.Message)
}

// ValidationResult carries every defect found, in check-priority order, so a
// submitter sees the complete list in one round trip.
type ValidationResult struct {
	Defects []Defect
}

func (r ValidationResult) Valid() bool { return len(r.Defects) == 0 }

// Reasons renders the defect list as human-readable strings suitable for
// returning verbatim in an admission denial.
func (r ValidationResult) Reasons() []string {
	reasons := make([]string, len(r.Defects))
	for i, d := range r.Defects {
		reasons[i] = d.String()
	}
	return reasons
}
