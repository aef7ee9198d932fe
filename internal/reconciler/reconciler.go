// Package reconciler drives enforcement state toward the compiled target
// state for every namespace with a policy declaration. One goroutine per
// namespace serializes that namespace's reconciliations; a coalescing mailbox
// makes the newest event supersede any stale queued one.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/edvin/egress/internal/compiler"
	"github.com/edvin/egress/internal/model"
	"github.com/edvin/egress/internal/policy"
	"github.com/edvin/egress/internal/resolver"
	"github.com/edvin/egress/internal/store"
)

// Config tunes the control loop.
type Config struct {
	ResyncInterval time.Duration
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	ResolveTimeout time.Duration
	ApplyTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 15 * time.Second
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 15 * time.Second
	}
}

// DriftEvent records an enforcement-state change or failure for operators.
type DriftEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Namespace string    `json:"namespace"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
}

// StatusRecorder receives per-namespace outcomes. Implementations must be
// safe for concurrent use; failures are logged, never allowed to stall the
// loop.
type StatusRecorder interface {
	RecordOutcome(ctx context.Context, namespace string, phase model.Phase, specHash string, attempts int, lastErr string) error
	RecordDrift(ctx context.Context, ev DriftEvent) error
}

// NopRecorder discards outcomes; used when no status database is configured.
type NopRecorder struct{}

func (NopRecorder) RecordOutcome(context.Context, string, model.Phase, string, int, string) error {
	return nil
}
func (NopRecorder) RecordDrift(context.Context, DriftEvent) error { return nil }

// errPermanent wraps failures retrying cannot fix, such as a persisted
// declaration that no longer validates.
type errPermanent struct{ err error }

func (e *errPermanent) Error() string { return e.err.Error() }
func (e *errPermanent) Unwrap() error { return e.err }

// nsState is the per-namespace machine: Unseen -> Compiling -> Applied
// (-> Compiling on change) -> Removed, with Degraded after the retry ceiling.
// The worker goroutine is the only writer; mu covers readers on other
// goroutines (Phase, resync).
type nsState struct {
	mailbox chan model.PolicyEvent

	mu       sync.Mutex
	phase    model.Phase
	lastHash string
	removed  bool
}

func (s *nsState) set(phase model.Phase, hash string, removed bool) {
	s.mu.Lock()
	s.phase, s.lastHash, s.removed = phase, hash, removed
	s.mu.Unlock()
}

func (s *nsState) snapshot() (model.Phase, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.lastHash, s.removed
}

// Reconciler is the cluster-wide control loop.
type Reconciler struct {
	logger      zerolog.Logger
	source      store.PolicySource
	enforcement store.EnforcementStore
	resolver    *resolver.Resolver
	reg         *policy.Registry
	status      StatusRecorder
	cfg         Config

	mu         sync.Mutex
	namespaces map[string]*nsState
	wg         sync.WaitGroup
}

var (
	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "egress_reconcile_duration_seconds",
		Help:    "Duration of one namespace reconciliation",
		Buckets: prometheus.DefBuckets,
	})
	reconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "egress_reconcile_total",
		Help: "Reconciliation attempts by result",
	}, []string{"result"})
	degradedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "egress_namespace_degraded",
		Help: "1 while a namespace has exhausted its reconcile retries",
	}, []string{"namespace"})
	applySkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "egress_apply_skipped_total",
		Help: "Reconciliations that produced an unchanged spec and skipped the apply",
	})
)

// New creates a reconciler. status may be nil; outcomes are then discarded.
func New(
	logger zerolog.Logger,
	source store.PolicySource,
	enforcement store.EnforcementStore,
	res *resolver.Resolver,
	reg *policy.Registry,
	status StatusRecorder,
	cfg Config,
) *Reconciler {
	cfg.applyDefaults()
	if status == nil {
		status = NopRecorder{}
	}

	return &Reconciler{
		logger:      logger.With().Str("component", "reconciler").Logger(),
		source:      source,
		enforcement: enforcement,
		resolver:    res,
		reg:         reg,
		status:      status,
		cfg:         cfg,
		namespaces:  make(map[string]*nsState),
	}
}

// Run consumes watch events and periodic resyncs until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	// Startup jitter spreads resync load when many controllers restart at once.
	jitter := time.Duration(rand.Int63n(int64(10 * time.Second)))
	r.logger.Info().
		Dur("resync_interval", r.cfg.ResyncInterval).
		Dur("jitter", jitter).
		Msg("starting reconciliation loop")

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := r.resync(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("initial resync failed, relying on watch")
	}

	ticker := time.NewTicker(r.cfg.ResyncInterval)
	defer ticker.Stop()

	events := r.watchWithReconnect(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reconciliation loop stopped")
			r.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := r.resync(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("periodic resync failed")
			}
		case ev, ok := <-events:
			if !ok {
				events = r.watchWithReconnect(ctx)
				continue
			}
			r.dispatch(ctx, ev)
		}
	}
}

// watchWithReconnect opens the watch stream, retrying with backoff until it
// connects or ctx ends. The returned channel closes when the stream breaks.
func (r *Reconciler) watchWithReconnect(ctx context.Context) <-chan model.PolicyEvent {
	out := make(chan model.PolicyEvent)
	go func() {
		defer close(out)
		backoff := r.cfg.BaseBackoff
		for {
			events, err := r.source.Watch(ctx)
			if err != nil {
				r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("watch connect failed")
				select {
				case <-time.After(withJitter(backoff)):
				case <-ctx.Done():
					return
				}
				backoff = nextBackoff(backoff, r.cfg.MaxBackoff)
				continue
			}
			backoff = r.cfg.BaseBackoff
			for ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn().Msg("watch stream ended, reconnecting")
		}
	}()
	return out
}

// resync lists every declaration and reprocesses it, plus synthesizes
// tombstones for namespaces we know about that vanished from the listing.
// This catches events lost while the watch was down and external drift.
func (r *Reconciler) resync(ctx context.Context) error {
	events, err := r.source.List(ctx)
	if err != nil {
		return fmt.Errorf("list policies: %w", err)
	}
	if events == nil {
		// Not modified since the previous listing.
		return nil
	}

	current := make(map[string]struct{}, len(events))
	for _, ev := range events {
		current[ev.Namespace] = struct{}{}
		r.dispatch(ctx, ev)
	}

	r.mu.Lock()
	var gone []string
	for ns, state := range r.namespaces {
		if _, ok := current[ns]; !ok {
			if _, _, removed := state.snapshot(); !removed {
				gone = append(gone, ns)
			}
		}
	}
	r.mu.Unlock()

	for _, ns := range gone {
		r.dispatch(ctx, model.PolicyEvent{Type: model.EventTombstone, Namespace: ns})
	}

	r.logger.Info().Int("policies", len(events)).Int("tombstones", len(gone)).Msg("resync complete")
	return nil
}

// dispatch routes an event to its namespace worker, creating one on first
// sight. The mailbox holds at most one pending event; a newer event replaces
// an unprocessed older one, so a worker always reconciles the latest snapshot.
func (r *Reconciler) dispatch(ctx context.Context, ev model.PolicyEvent) {
	r.mu.Lock()
	state, ok := r.namespaces[ev.Namespace]
	if !ok {
		state = &nsState{
			mailbox: make(chan model.PolicyEvent, 1),
			phase:   model.PhaseUnseen,
		}
		r.namespaces[ev.Namespace] = state
		r.wg.Add(1)
		go r.runWorker(ctx, ev.Namespace, state)
	}
	r.mu.Unlock()

	for {
		select {
		case state.mailbox <- ev:
			return
		default:
		}
		// Mailbox full: drop the superseded event and retry.
		select {
		case <-state.mailbox:
		default:
		}
	}
}

func (r *Reconciler) runWorker(ctx context.Context, namespace string, state *nsState) {
	defer r.wg.Done()
	logger := r.logger.With().Str("namespace", namespace).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-state.mailbox:
			r.reconcileWithRetry(ctx, logger, namespace, state, ev)
		}
	}
}

// reconcileWithRetry processes one event with exponential backoff and jitter.
// A newer event arriving during backoff supersedes the failing one and resets
// the attempt count. After the ceiling the namespace is marked Degraded and
// the worker goes back to waiting, leaving every other namespace unaffected.
func (r *Reconciler) reconcileWithRetry(ctx context.Context, logger zerolog.Logger, namespace string, state *nsState, ev model.PolicyEvent) {
	attempt := 0
	backoff := r.cfg.BaseBackoff

	for {
		attempt++
		start := time.Now()
		err := r.reconcileOnce(ctx, logger, namespace, state, ev)
		reconcileDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			reconcileTotal.WithLabelValues("success").Inc()
			degradedGauge.WithLabelValues(namespace).Set(0)
			phase, hash, _ := state.snapshot()
			r.recordOutcome(ctx, namespace, phase, hash, attempt, "")
			return
		}

		reconcileTotal.WithLabelValues("failure").Inc()

		var perm *errPermanent
		if errors.As(err, &perm) {
			logger.Error().Err(err).Msg("declaration cannot be reconciled, marking degraded")
			r.markDegraded(ctx, namespace, state, attempt, err)
			return
		}

		if attempt >= r.cfg.MaxAttempts {
			logger.Error().Err(err).Int("attempts", attempt).Msg("retry ceiling reached, marking degraded")
			r.markDegraded(ctx, namespace, state, attempt, err)
			return
		}

		delay := withJitter(backoff)
		logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("reconciliation failed, retrying")
		backoff = nextBackoff(backoff, r.cfg.MaxBackoff)

		select {
		case <-ctx.Done():
			return
		case newer := <-state.mailbox:
			// The declaration changed while we were failing; start over from
			// the fresh snapshot.
			ev = newer
			attempt = 0
			backoff = r.cfg.BaseBackoff
		case <-time.After(delay):
		}
	}
}

// reconcileOnce runs the validate -> resolve -> compile -> diff -> apply
// pipeline for one event, or tears enforcement down for a tombstone.
func (r *Reconciler) reconcileOnce(ctx context.Context, logger zerolog.Logger, namespace string, state *nsState, ev model.PolicyEvent) error {
	_, lastHash, removed := state.snapshot()

	if ev.Type == model.EventTombstone {
		if removed {
			// Redelivered tombstone; the object is already gone.
			return nil
		}
		applyCtx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
		defer cancel()
		if err := r.enforcement.Delete(applyCtx, namespace); err != nil {
			return fmt.Errorf("delete enforcement object: %w", err)
		}
		state.set(model.PhaseRemoved, "", true)
		logger.Info().Msg("enforcement object removed")
		r.recordDrift(ctx, namespace, "spec-removed", "declaration deleted")
		return nil
	}

	state.set(model.PhaseCompiling, lastHash, false)

	// Never trust persisted state: admission should have rejected bad input,
	// but the store is writable by more than the webhook path.
	result := policy.Validate(ev.Raw, r.reg)
	if !result.Valid() {
		return &errPermanent{fmt.Errorf("persisted declaration is invalid: %v", result.Reasons())}
	}

	var decl model.Declaration
	if err := json.Unmarshal(ev.Raw, &decl); err != nil {
		return &errPermanent{fmt.Errorf("decode declaration: %w", err)}
	}

	resolved := make(map[string]model.ResolvedDestination)
	for i := range decl.AllowedDestinations {
		rule := &decl.AllowedDestinations[i]
		if rule.Kind() != model.RuleService {
			continue
		}
		resolveCtx, cancel := context.WithTimeout(ctx, r.cfg.ResolveTimeout)
		dest, err := r.resolver.Resolve(resolveCtx, *rule.AWSService, rule.Regions)
		cancel()
		if err != nil {
			return fmt.Errorf("resolve %s: %w", *rule.AWSService, err)
		}
		if dest.Stale {
			logger.Warn().Str("service", dest.Service).Time("fetched_at", dest.FetchedAt).
				Msg("using stale resolved ranges")
		}
		resolved[rule.Name] = dest
	}

	spec, err := compiler.Compile(namespace, &decl, resolved)
	if err != nil {
		return &errPermanent{fmt.Errorf("compile: %w", err)}
	}

	hash := spec.Hash()
	if hash == lastHash {
		// Unchanged spec: idempotent no-op.
		applySkipped.Inc()
		state.set(model.PhaseApplied, hash, false)
		return nil
	}

	applyCtx, cancel := context.WithTimeout(ctx, r.cfg.ApplyTimeout)
	defer cancel()
	if err := r.enforcement.Apply(applyCtx, namespace, spec); err != nil {
		return fmt.Errorf("apply enforcement spec: %w", err)
	}

	state.set(model.PhaseApplied, hash, false)
	logger.Info().
		Str("hash", hash).
		Int("permissions", len(spec.Permissions)).
		Str("default_action", string(spec.DefaultAction)).
		Msg("enforcement spec applied")
	r.recordDrift(ctx, namespace, "spec-applied", fmt.Sprintf("%d permissions, hash %s", len(spec.Permissions), hash))
	return nil
}

func (r *Reconciler) markDegraded(ctx context.Context, namespace string, state *nsState, attempts int, cause error) {
	_, hash, removed := state.snapshot()
	state.set(model.PhaseDegraded, hash, removed)
	degradedGauge.WithLabelValues(namespace).Set(1)
	r.recordOutcome(ctx, namespace, model.PhaseDegraded, hash, attempts, cause.Error())
	r.recordDrift(ctx, namespace, "degraded", cause.Error())
}

func (r *Reconciler) recordOutcome(ctx context.Context, namespace string, phase model.Phase, hash string, attempts int, lastErr string) {
	if err := r.status.RecordOutcome(ctx, namespace, phase, hash, attempts, lastErr); err != nil {
		r.logger.Warn().Err(err).Str("namespace", namespace).Msg("failed to record outcome")
	}
}

func (r *Reconciler) recordDrift(ctx context.Context, namespace, kind, detail string) {
	ev := DriftEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Namespace: namespace,
		Kind:      kind,
		Detail:    detail,
	}
	if err := r.status.RecordDrift(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("namespace", namespace).Msg("failed to record drift event")
	}
}

// Phase reports the current phase for a namespace, PhaseUnseen when unknown.
func (r *Reconciler) Phase(namespace string) model.Phase {
	r.mu.Lock()
	state, ok := r.namespaces[namespace]
	r.mu.Unlock()
	if !ok {
		return model.PhaseUnseen
	}
	phase, _, _ := state.snapshot()
	return phase
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}
