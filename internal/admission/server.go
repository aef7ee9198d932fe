package admission

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ManagedLabel marks a resource as an egress policy this controller owns.
// Resources without it pass through admission untouched.
const ManagedLabel = "egress-controller"

// ManagedLabelValue is the value ManagedLabel must carry.
const ManagedLabelValue = "managed"

// PolicyDataKey is the key inside the resource's data map holding the policy
// document.
const PolicyDataKey = "policy.json"

var (
	admissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_admission_decisions_total",
		Help: "Admission decisions by outcome",
	}, []string{"decision"})
	admissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "egress_admission_duration_seconds",
		Help:    "Time spent deciding one admission request",
		Buckets: prometheus.DefBuckets,
	})
)

var validate = validator.New()

// ReviewRequest is the inbound half of the resource store's admission envelope.
type ReviewRequest struct {
	UID       string          `json:"uid" validate:"required"`
	Namespace string          `json:"namespace"`
	Operation string          `json:"operation"`
	Object    json.RawMessage `json:"object"`
}

// Review is the admission envelope. The store sends one per create/update and
// expects the response half filled in.
type Review struct {
	APIVersion string          `json:"apiVersion"`
	Kind       string          `json:"kind"`
	Request    *ReviewRequest  `json:"request" validate:"required"`
	Response   *ReviewResponse `json:"response,omitempty"`
}

// ReviewResponse carries the verdict back to the store.
type ReviewResponse struct {
	UID     string       `json:"uid"`
	Allowed bool         `json:"allowed"`
	Status  reviewStatus `json:"status"`
}

type reviewStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// policyObject is the slice of the submitted resource the gate cares about.
type policyObject struct {
	Metadata struct {
		Name      string            `json:"name"`
		Namespace string            `json:"namespace"`
		Labels    map[string]string `json:"labels"`
	} `json:"metadata"`
	Data map[string]string `json:"data"`
}

// Server wraps the pure gate in the platform's admission HTTP contract.
type Server struct {
	router chi.Router
	logger zerolog.Logger
	gate   *Gate
}

// NewServer builds the webhook HTTP surface around a gate.
func NewServer(logger zerolog.Logger, gate *Gate) *Server {
	s := &Server{
		router: chi.NewRouter(),
		logger: logger.With().Str("component", "admission").Logger(),
		gate:   gate,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/validate", s.handleValidate)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var review Review
	if err := json.NewDecoder(r.Body).Decode(&review); err != nil {
		s.writeVerdict(w, "", Decision{Allowed: false, Reasons: []string{
			fmt.Sprintf("invalid admission review: %v", err),
		}})
		return
	}
	if err := validate.Struct(&review); err != nil {
		s.writeVerdict(w, "", Decision{Allowed: false, Reasons: []string{
			"admission review is missing its request",
		}})
		return
	}

	req := review.Request
	logger := s.logger.With().
		Str("uid", req.UID).
		Str("namespace", req.Namespace).
		Str("operation", req.Operation).
		Logger()

	var obj policyObject
	if err := json.Unmarshal(req.Object, &obj); err != nil {
		logger.Warn().Err(err).Msg("undecodable object in admission request")
		s.writeVerdict(w, req.UID, Decision{Allowed: false, Reasons: []string{
			fmt.Sprintf("undecodable object: %v", err),
		}})
		return
	}

	// Only gate resources explicitly marked as managed egress policies.
	if obj.Metadata.Labels[ManagedLabel] != ManagedLabelValue {
		logger.Debug().Msg("object not managed by egress controller, admitting")
		s.writeAdmit(w, req.UID, "not an egress policy resource")
		return
	}

	document, ok := obj.Data[PolicyDataKey]
	if !ok || document == "" {
		s.writeVerdict(w, req.UID, Decision{Allowed: false, Reasons: []string{
			fmt.Sprintf("missing %s in resource data", PolicyDataKey),
		}})
		return
	}

	decision := s.gate.Decide(req.Namespace, []byte(document))
	admissionDuration.Observe(time.Since(start).Seconds())

	if decision.Allowed {
		logger.Info().Str("name", obj.Metadata.Name).Msg("policy admitted")
	} else {
		logger.Warn().
			Str("name", obj.Metadata.Name).
			Strs("reasons", decision.Reasons).
			Msg("policy denied")
	}
	s.writeVerdict(w, req.UID, decision)
}

func (s *Server) writeAdmit(w http.ResponseWriter, uid, message string) {
	admissionDecisions.WithLabelValues("admit").Inc()
	s.writeReview(w, http.StatusOK, uid, true, message)
}

func (s *Server) writeVerdict(w http.ResponseWriter, uid string, d Decision) {
	if d.Allowed {
		s.writeAdmit(w, uid, d.Message())
		return
	}
	admissionDecisions.WithLabelValues("deny").Inc()
	s.writeReview(w, http.StatusOK, uid, false, d.Message())
}

// writeReview always answers 200 with the verdict inside the envelope; the
// store reads allowed/status, not the transport code.
func (s *Server) writeReview(w http.ResponseWriter, status int, uid string, allowed bool, message string) {
	code := http.StatusOK
	if !allowed {
		code = http.StatusBadRequest
	}
	review := Review{
		APIVersion: "admission.k8s.io/v1",
		Kind:       "AdmissionReview",
		Response: &ReviewResponse{
			UID:     uid,
			Allowed: allowed,
			Status:  reviewStatus{Code: code, Message: message},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(review)
}
