package admission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/egress/internal/policy"
)

func TestDecide_AdmitsValidPolicy(t *testing.T) {
	gate := NewGate(policy.DefaultRegistry())

	d := gate.Decide("tenant-a", []byte(`{
		"defaultAction": "deny",
		"allowedDestinations": [
			{"name": "db", "ports": [5432], "cidr": "10.1.0.0/24"}
		]
	}`))

	assert.True(t, d.Allowed)
	assert.Equal(t, "policy validation successful", d.Message())
}

func TestDecide_DeniesWithEveryReason(t *testing.T) {
	gate := NewGate(policy.DefaultRegistry())

	d := gate.Decide("tenant-a", []byte(`{
		"defaultAction": "block",
		"allowedDestinations": [
			{"name": "db", "ports": [70000], "cidr": "10.1.0.0/99"}
		]
	}`))

	require.False(t, d.Allowed)
	assert.Len(t, d.Reasons, 3)
	assert.Contains(t, d.Message(), "policy validation failed")
	assert.Contains(t, d.Message(), "; ")
}

func TestDecide_DeniesMalformedDocument(t *testing.T) {
	gate := NewGate(policy.DefaultRegistry())

	d := gate.Decide("tenant-a", []byte(`not json at all`))

	require.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "Malformed")
}
