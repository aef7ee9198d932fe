package compiler

import (
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/egress/internal/model"
)

func strPtr(s string) *string { return &s }

func TestCompile_SingleCIDRRule(t *testing.T) {
	decl := &model.Declaration{
		DefaultAction: model.ActionDeny,
		AllowedDestinations: []model.DestinationRule{
			{Name: "postgres", Ports: []int{5432}, CIDR: strPtr("10.1.0.0/24")},
		},
	}

	spec, err := Compile("tenant-a", decl, nil)
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", spec.Namespace)
	assert.Equal(t, model.ActionDeny, spec.DefaultAction)
	require.Len(t, spec.Permissions, 1)
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/24"), spec.Permissions[0].CIDR)
	assert.Equal(t, []int{5432}, spec.Permissions[0].Ports)
}

func TestCompile_ServiceRuleUsesResolvedCIDRs(t *testing.T) {
	decl := &model.Declaration{
		DefaultAction: model.ActionDeny,
		AllowedDestinations: []model.DestinationRule{
			{Name: "object-store", Ports: []int{443}, AWSService: strPtr("s3"), Regions: []string{"us-east-1"}},
		},
	}
	resolved := map[string]model.ResolvedDestination{
		"object-store": {
			Service: "s3",
			Regions: []string{"us-east-1"},
			CIDRs: []netip.Prefix{
				netip.MustParsePrefix("52.216.0.0/15"),
				netip.MustParsePrefix("3.5.0.0/19"),
			},
			FetchedAt: time.Now(),
		},
	}

	spec, err := Compile("tenant-a", decl, resolved)
	require.NoError(t, err)

	require.Len(t, spec.Permissions, 2)
	// Output ordered by CIDR regardless of resolver order.
	assert.Equal(t, netip.MustParsePrefix("3.5.0.0/19"), spec.Permissions[0].CIDR)
	assert.Equal(t, netip.MustParsePrefix("52.216.0.0/15"), spec.Permissions[1].CIDR)
	assert.Equal(t, []int{443}, spec.Permissions[0].Ports)
	assert.Equal(t, []int{443}, spec.Permissions[1].Ports)
}

func TestCompile_MissingResolutionFails(t *testing.T) {
	decl := &model.Declaration{
		DefaultAction: model.ActionDeny,
		AllowedDestinations: []model.DestinationRule{
			{Name: "object-store", Ports: []int{443}, AWSService: strPtr("s3"), Regions: []string{"us-east-1"}},
		},
	}

	_, err := Compile("tenant-a", decl, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "object-store")
}

func TestCompile_DeduplicatesOverlappingRules(t *testing.T) {
	decl := &model.Declaration{
		DefaultAction: model.ActionDeny,
		AllowedDestinations: []model.DestinationRule{
			{Name: "db-primary", Ports: []int{5432, 443}, CIDR: strPtr("10.1.0.0/24")},
			{Name: "db-replica", Ports: []int{5432, 8080}, CIDR: strPtr("10.1.0.0/24")},
		},
	}

	spec, err := Compile("tenant-a", decl, nil)
	require.NoError(t, err)

	require.Len(t, spec.Permissions, 1)
	assert.Equal(t, netip.MustParsePrefix("10.1.0.0/24"), spec.Permissions[0].CIDR)
	assert.Equal(t, []int{443, 5432, 8080}, spec.Permissions[0].Ports)
}

func TestCompile_Deterministic(t *testing.T) {
	decl := &model.Declaration{
		DefaultAction: model.ActionDeny,
		AllowedDestinations: []model.DestinationRule{
			{Name: "a", Ports: []int{443, 80}, CIDR: strPtr("192.168.0.0/16")},
			{Name: "b", Ports: []int{22}, CIDR: strPtr("10.0.0.0/8")},
			{Name: "c", Ports: []int{443}, CIDR: strPtr("10.0.0.0/16")},
		},
	}

	first, err := Compile("tenant-a", decl, nil)
	require.NoError(t, err)
	second, err := Compile("tenant-a", decl, nil)
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, firstJSON, secondJSON)
	assert.Equal(t, first.Hash(), second.Hash())

	// Same prefix length tie-breaks on bits: /8 before /16 on the same address.
	require.Len(t, first.Permissions, 3)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), first.Permissions[0].CIDR)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/16"), first.Permissions[1].CIDR)
	assert.Equal(t, netip.MustParsePrefix("192.168.0.0/16"), first.Permissions[2].CIDR)
	assert.Equal(t, []int{80, 443}, first.Permissions[2].Ports)
}

func TestCompile_AllowProducesEmptyPermissions(t *testing.T) {
	decl := &model.Declaration{
		DefaultAction: model.ActionAllow,
		AllowedDestinations: []model.DestinationRule{
			{Name: "ignored", Ports: []int{443}, CIDR: strPtr("10.0.0.0/8")},
		},
	}

	spec, err := Compile("tenant-open", decl, nil)
	require.NoError(t, err)

	assert.Equal(t, model.ActionAllow, spec.DefaultAction)
	assert.NotNil(t, spec.Permissions)
	assert.Empty(t, spec.Permissions)
}

func TestCompile_HashChangesWithContent(t *testing.T) {
	base := &model.Declaration{
		DefaultAction: model.ActionDeny,
		AllowedDestinations: []model.DestinationRule{
			{Name: "db", Ports: []int{5432}, CIDR: strPtr("10.1.0.0/24")},
		},
	}
	changed := &model.Declaration{
		DefaultAction: model.ActionDeny,
		AllowedDestinations: []model.DestinationRule{
			{Name: "db", Ports: []int{5433}, CIDR: strPtr("10.1.0.0/24")},
		},
	}

	a, err := Compile("tenant-a", base, nil)
	require.NoError(t, err)
	b, err := Compile("tenant-a", changed, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash(), b.Hash())
}
