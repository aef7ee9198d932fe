package admission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/egress/internal/policy"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(zerolog.Nop(), NewGate(policy.DefaultRegistry()))
}

func postReview(t *testing.T, srv *Server, body any) (*httptest.ResponseRecorder, Review) {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req := httptest.NewRequest(http.MethodPost, "/validate", &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var review Review
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &review))
	return rec, review
}

func reviewFor(uid, namespace string, labels map[string]string, data map[string]string) Review {
	obj, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"name":      "egress-policy",
			"namespace": namespace,
			"labels":    labels,
		},
		"data": data,
	})
	return Review{
		APIVersion: "admission.k8s.io/v1",
		Kind:       "AdmissionReview",
		Request: &ReviewRequest{
			UID:       uid,
			Namespace: namespace,
			Operation: "UPDATE",
			Object:    obj,
		},
	}
}

func TestHandleValidate_AdmitsValidPolicy(t *testing.T) {
	srv := newTestServer(t)

	review := reviewFor("uid-1", "tenant-a",
		map[string]string{ManagedLabel: ManagedLabelValue},
		map[string]string{PolicyDataKey: `{"defaultAction":"deny","allowedDestinations":[{"name":"db","ports":[5432],"cidr":"10.1.0.0/24"}]}`},
	)

	rec, resp := postReview(t, srv, review)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Response)
	assert.Equal(t, "uid-1", resp.Response.UID)
	assert.True(t, resp.Response.Allowed)
	assert.Equal(t, http.StatusOK, resp.Response.Status.Code)
}

func TestHandleValidate_DeniesInvalidPolicy(t *testing.T) {
	srv := newTestServer(t)

	review := reviewFor("uid-2", "tenant-a",
		map[string]string{ManagedLabel: ManagedLabelValue},
		map[string]string{PolicyDataKey: `{"defaultAction":"deny","allowedDestinations":[{"name":"db","ports":[5432],"cidr":"10.1.0.0/99"}]}`},
	)

	rec, resp := postReview(t, srv, review)
	// Transport stays 200, the verdict lives in the envelope.
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Response)
	assert.Equal(t, "uid-2", resp.Response.UID)
	assert.False(t, resp.Response.Allowed)
	assert.Equal(t, http.StatusBadRequest, resp.Response.Status.Code)
	assert.Contains(t, resp.Response.Status.Message, "InvalidCIDR")
}

func TestHandleValidate_UnmanagedObjectsPassThrough(t *testing.T) {
	srv := newTestServer(t)

	review := reviewFor("uid-3", "tenant-a",
		map[string]string{"app": "something-else"},
		map[string]string{"config.yaml": "unrelated: true"},
	)

	_, resp := postReview(t, srv, review)
	require.NotNil(t, resp.Response)
	assert.True(t, resp.Response.Allowed)
}

func TestHandleValidate_MissingPolicyDataKeyDenied(t *testing.T) {
	srv := newTestServer(t)

	review := reviewFor("uid-4", "tenant-a",
		map[string]string{ManagedLabel: ManagedLabelValue},
		map[string]string{"other.json": "{}"},
	)

	_, resp := postReview(t, srv, review)
	require.NotNil(t, resp.Response)
	assert.False(t, resp.Response.Allowed)
	assert.Contains(t, resp.Response.Status.Message, PolicyDataKey)
}

func TestHandleValidate_MissingRequestDenied(t *testing.T) {
	srv := newTestServer(t)

	_, resp := postReview(t, srv, Review{APIVersion: "admission.k8s.io/v1", Kind: "AdmissionReview"})
	require.NotNil(t, resp.Response)
	assert.False(t, resp.Response.Allowed)
}

func TestHandleValidate_UndecodableBodyDenied(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/validate", bytes.NewBufferString("{broken"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var review Review
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &review))
	require.NotNil(t, review.Response)
	assert.False(t, review.Response.Allowed)
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
