package model

import (
	"encoding/json"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDestinationRule_Kind(t *testing.T) {
	cidr := "10.0.0.0/8"
	svc := "s3"

	assert.Equal(t, RuleCIDR, (&DestinationRule{Name: "a", CIDR: &cidr}).Kind())
	assert.Equal(t, RuleService, (&DestinationRule{Name: "b", AWSService: &svc}).Kind())
	assert.Equal(t, RuleInvalid, (&DestinationRule{Name: "c"}).Kind())
	assert.Equal(t, RuleInvalid, (&DestinationRule{Name: "d", CIDR: &cidr, AWSService: &svc}).Kind())
}

func TestDefect_String(t *testing.T) {
	doc := Defect{Kind: DefectMalformed, Rule: -1, Message: "not valid JSON"}
	assert.Equal(t, "Malformed: not valid JSON", doc.String())

	rule := Defect{Kind: DefectInvalidPort, Rule: 2, Message: "port 70000 out of range"}
	assert.Equal(t, "InvalidPort: destination 2: port 70000 out of range", rule.String())
}

func TestCompiledSpec_HashStable(t *testing.T) {
	spec := &CompiledSpec{
		Namespace:     "tenant-a",
		DefaultAction: ActionDeny,
		Permissions: []Permission{
			{CIDR: netip.MustParsePrefix("10.1.0.0/24"), Ports: []int{443, 5432}},
		},
	}

	first := spec.Hash()
	assert.Len(t, first, 64)
	assert.Equal(t, first, spec.Hash())

	spec.Permissions[0].Ports = []int{443}
	assert.NotEqual(t, first, spec.Hash())
}

func TestDeclaration_JSONShape(t *testing.T) {
	var decl Declaration
	require.NoError(t, json.Unmarshal([]byte(`{
		"defaultAction": "deny",
		"allowedDestinations": [
			{"name": "db", "ports": [5432], "cidr": "10.1.0.0/24"},
			{"name": "store", "ports": [443], "awsService": "s3", "regions": ["us-east-1", "eu-west-1"]}
		]
	}`), &decl))

	assert.Equal(t, ActionDeny, decl.DefaultAction)
	require.Len(t, decl.AllowedDestinations, 2)
	require.NotNil(t, decl.AllowedDestinations[0].CIDR)
	assert.Equal(t, "10.1.0.0/24", *decl.AllowedDestinations[0].CIDR)
	require.NotNil(t, decl.AllowedDestinations[1].AWSService)
	assert.Equal(t, []string{"us-east-1", "eu-west-1"}, decl.AllowedDestinations[1].Regions)
}
