// Package compiler turns a validated declaration plus resolved service CIDRs
// into the canonical enforcement spec the reconciler applies.
package compiler

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/edvin/egress/internal/model"
)

// Compile produces the enforcement spec for one namespace. Pure and
// deterministic: equal inputs yield byte-identical specs, which is what lets
// the reconciler skip applies when nothing changed.
//
// A cidr rule contributes its own network; a service rule contributes every
// resolved CIDR crossed with the rule's declared ports. Permissions for the
// same network are merged and ports deduplicated, so a tenant repeating a
// destination under two names compiles to a single entry. resolved is keyed by
// rule name (unique after validation).
func Compile(namespace string, decl *model.Declaration, resolved map[string]model.ResolvedDestination) (*model.CompiledSpec, error) {
	spec := &model.CompiledSpec{
		Namespace:     namespace,
		DefaultAction: decl.DefaultAction,
		Permissions:   []model.Permission{},
	}

	// A permit-all posture compiles to an empty permission list. The object is
	// still emitted so auditors can see the namespace is deliberately ungated.
	if decl.DefaultAction == model.ActionAllow {
		return spec, nil
	}

	grants := make(map[netip.Prefix]map[int]struct{})
	addGrant := func(prefix netip.Prefix, ports []int) {
		prefix = prefix.Masked()
		set, ok := grants[prefix]
		if !ok {
			set = make(map[int]struct{})
			grants[prefix] = set
		}
		for _, p := range ports {
			set[p] = struct{}{}
		}
	}

	for i := range decl.AllowedDestinations {
		rule := &decl.AllowedDestinations[i]
		switch rule.Kind() {
		case model.RuleCIDR:
			prefix, err := netip.ParsePrefix(*rule.CIDR)
			if err != nil {
				return nil, fmt.Errorf("rule %q: parse cidr: %w", rule.Name, err)
			}
			addGrant(prefix, rule.Ports)
		case model.RuleService:
			dest, ok := resolved[rule.Name]
			if !ok {
				return nil, fmt.Errorf("rule %q: no resolved destination for service %s", rule.Name, *rule.AWSService)
			}
			for _, prefix := range dest.CIDRs {
				addGrant(prefix, rule.Ports)
			}
		default:
			return nil, fmt.Errorf("rule %q: neither cidr nor awsService is set", rule.Name)
		}
	}

	spec.Permissions = make([]model.Permission, 0, len(grants))
	for prefix, portSet := range grants {
		ports := make([]int, 0, len(portSet))
		for p := range portSet {
			ports = append(ports, p)
		}
		sort.Ints(ports)
		spec.Permissions = append(spec.Permissions, model.Permission{CIDR: prefix, Ports: ports})
	}
	sort.Slice(spec.Permissions, func(i, j int) bool {
		a, b := spec.Permissions[i].CIDR, spec.Permissions[j].CIDR
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c < 0
		}
		return a.Bits() < b.Bits()
	})

	return spec, nil
}
