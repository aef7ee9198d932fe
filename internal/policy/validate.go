package policy

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/edvin/egress/internal/model"
)

// Validate checks a raw policy document against the schema. Pure and
// network-free, so it is usable from the synchronous admission path.
//
// Checks run in a fixed priority order (malformed document, missing top-level
// fields, enum membership, list shape, then per-rule checks) and every defect
// found is reported, ordered by check priority and then rule index. The
// ordering is part of the contract: rejection messages must be reproducible.
func Validate(raw []byte, reg *Registry) model.ValidationResult {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.ValidationResult{Defects: []model.Defect{{
			Kind:    model.DefectMalformed,
			Rule:    -1,
			Message: fmt.Sprintf("document is not well-formed JSON: %v", err),
		}}}
	}

	var defects []model.Defect

	rawAction, hasAction := doc["defaultAction"]
	if !hasAction {
		defects = append(defects, model.Defect{
			Kind: model.DefectMissingField, Rule: -1,
			Message: "missing required field 'defaultAction'",
		})
	}
	rawDests, hasDests := doc["allowedDestinations"]
	if !hasDests {
		defects = append(defects, model.Defect{
			Kind: model.DefectMissingField, Rule: -1,
			Message: "missing required field 'allowedDestinations'",
		})
	}

	if hasAction {
		var action string
		if err := json.Unmarshal(rawAction, &action); err != nil ||
			(model.DefaultAction(action) != model.ActionDeny && model.DefaultAction(action) != model.ActionAllow) {
			defects = append(defects, model.Defect{
				Kind: model.DefectInvalidEnum, Rule: -1,
				Message: fmt.Sprintf("defaultAction must be %q or %q, got %s", model.ActionDeny, model.ActionAllow, rawAction),
			})
		}
	}

	var rules []*model.DestinationRule
	if hasDests {
		var items []json.RawMessage
		if err := json.Unmarshal(rawDests, &items); err != nil {
			defects = append(defects, model.Defect{
				Kind: model.DefectTypeMismatch, Rule: -1,
				Message: "allowedDestinations must be a list",
			})
			return model.ValidationResult{Defects: defects}
		}
		rules = make([]*model.DestinationRule, len(items))
		for i, item := range items {
			var r model.DestinationRule
			if err := json.Unmarshal(item, &r); err != nil {
				defects = append(defects, model.Defect{
					Kind: model.DefectTypeMismatch, Rule: i,
					Message: fmt.Sprintf("destination does not match the rule schema: %v", err),
				})
				continue
			}
			rules[i] = &r
		}
	}

	defects = append(defects, checkRules(rules, reg)...)
	return model.ValidationResult{Defects: defects}
}

// ValidateDeclaration runs the semantic checks on an already-parsed
// declaration. The reconciler uses this as defense in depth: persisted state
// is never trusted to have passed admission.
func ValidateDeclaration(decl *model.Declaration, reg *Registry) model.ValidationResult {
	var defects []model.Defect
	if decl.DefaultAction != model.ActionDeny && decl.DefaultAction != model.ActionAllow {
		defects = append(defects, model.Defect{
			Kind: model.DefectInvalidEnum, Rule: -1,
			Message: fmt.Sprintf("defaultAction must be %q or %q, got %q", model.ActionDeny, model.ActionAllow, decl.DefaultAction),
		})
	}
	rules := make([]*model.DestinationRule, len(decl.AllowedDestinations))
	for i := range decl.AllowedDestinations {
		rules[i] = &decl.AllowedDestinations[i]
	}
	defects = append(defects, checkRules(rules, reg)...)
	return model.ValidationResult{Defects: defects}
}

// checkRules runs per-rule checks 5-9 in priority order across all rules.
// Entries in rules may be nil when the element failed structural decoding;
// those already produced a TypeMismatch and are skipped here.
func checkRules(rules []*model.DestinationRule, reg *Registry) []model.Defect {
	var defects []model.Defect

	// Required fields and port validity.
	for i, r := range rules {
		if r == nil {
			continue
		}
		if r.Name == "" {
			defects = append(defects, model.Defect{
				Kind: model.DefectMissingField, Rule: i,
				Message: "missing 'name' field",
			})
		}
		if len(r.Ports) == 0 {
			defects = append(defects, model.Defect{
				Kind: model.DefectMissingField, Rule: i,
				Message: "missing 'ports' field",
			})
		}
		for _, p := range r.Ports {
			if p < 1 || p > 65535 {
				defects = append(defects, model.Defect{
					Kind: model.DefectInvalidPort, Rule: i,
					Message: fmt.Sprintf("port %d is outside 1-65535", p),
				})
			}
		}
	}

	// Exactly one of cidr / awsService, and regions only alongside awsService.
	for i, r := range rules {
		if r == nil {
			continue
		}
		switch {
		case r.CIDR != nil && r.AWSService != nil:
			defects = append(defects, model.Defect{
				Kind: model.DefectMutualExclusion, Rule: i,
				Message: "cannot specify both 'cidr' and 'awsService'",
			})
		case r.CIDR == nil && r.AWSService == nil:
			defects = append(defects, model.Defect{
				Kind: model.DefectMutualExclusion, Rule: i,
				Message: "must specify either 'cidr' or 'awsService'",
			})
		case r.CIDR != nil && len(r.Regions) > 0:
			defects = append(defects, model.Defect{
				Kind: model.DefectMutualExclusion, Rule: i,
				Message: "'regions' is only valid together with 'awsService'",
			})
		}
	}

	// CIDR syntax and canonical form.
	for i, r := range rules {
		if r == nil || r.Kind() != model.RuleCIDR {
			continue
		}
		prefix, err := netip.ParsePrefix(*r.CIDR)
		if err != nil {
			defects = append(defects, model.Defect{
				Kind: model.DefectInvalidCIDR, Rule: i,
				Message: fmt.Sprintf("invalid CIDR %q: %v", *r.CIDR, err),
			})
			continue
		}
		if prefix.Masked() != prefix {
			defects = append(defects, model.Defect{
				Kind: model.DefectInvalidCIDR, Rule: i,
				Message: fmt.Sprintf("CIDR %q has host bits set beyond the /%d prefix", *r.CIDR, prefix.Bits()),
			})
		}
	}

	// Service registry membership and region validity.
	for i, r := range rules {
		if r == nil || r.Kind() != model.RuleService {
			continue
		}
		if !reg.SupportsService(*r.AWSService) {
			defects = append(defects, model.Defect{
				Kind: model.DefectInvalidService, Rule: i,
				Message: fmt.Sprintf("unsupported AWS service %q", *r.AWSService),
			})
		}
		if len(r.Regions) == 0 {
			defects = append(defects, model.Defect{
				Kind: model.DefectInvalidRegion, Rule: i,
				Message: "awsService requires a non-empty 'regions' list",
			})
		}
		for _, region := range r.Regions {
			if !reg.SupportsRegion(region) {
				defects = append(defects, model.Defect{
					Kind: model.DefectInvalidRegion, Rule: i,
					Message: fmt.Sprintf("unrecognized region %q", region),
				})
			}
		}
	}

	// Names unique within the declaration. Reported at the later occurrence.
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		if r == nil || r.Name == "" {
			continue
		}
		if _, dup := seen[r.Name]; dup {
			defects = append(defects, model.Defect{
				Kind: model.DefectDuplicateName, Rule: i,
				Message: fmt.Sprintf("duplicate destination name %q", r.Name),
			})
			continue
		}
		seen[r.Name] = struct{}{}
	}

	return defects
}
