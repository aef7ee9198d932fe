// Package audit exercises live connectivity against the compiled egress
// intent: allowed destinations should connect, control destinations should
// not. Read-only with respect to policy state; verdicts are reported, never
// enforced.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/edvin/egress/internal/model"
	"github.com/edvin/egress/internal/store"
)

// SpecChecker reports whether a namespace currently has an enforcement object.
type SpecChecker interface {
	SpecExists(ctx context.Context, namespace string) (bool, error)
}

// ControlTarget is a known-external destination no tenant policy should allow.
type ControlTarget struct {
	Host string
	Port int
}

// DefaultControlTargets mirror the destinations the platform has always used
// to prove deny-by-default actually denies.
var DefaultControlTargets = []ControlTarget{
	{Host: "8.8.8.8", Port: 53},
	{Host: "1.1.1.1", Port: 53},
	{Host: "httpbin.org", Port: 80},
}

// serviceEndpoints are representative hostnames for probing symbolic service
// rules without resolving the full range set.
var serviceEndpoints = map[string]string{
	"s3":       "s3.amazonaws.com",
	"dynamodb": "dynamodb.us-east-1.amazonaws.com",
	"rds":      "rds.amazonaws.com",
	"ec2":      "ec2.amazonaws.com",
	"lambda":   "lambda.us-east-1.amazonaws.com",
	"ecs":      "ecs.us-east-1.amazonaws.com",
}

// Verdict is one probe outcome. Expected and Actual are "allow" or "deny";
// Actual may also be "error" when the probe itself failed to run.
type Verdict struct {
	Namespace string `json:"namespace"`
	Test      string `json:"test"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
}

// Tester probes namespaces' compiled intent.
type Tester struct {
	logger      zerolog.Logger
	source      store.PolicySource
	specs       SpecChecker
	dialTimeout time.Duration
	parallelism int
	controls    []ControlTarget

	// dial is swappable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTester creates a conformance tester over the given policy source.
func NewTester(logger zerolog.Logger, source store.PolicySource, specs SpecChecker, dialTimeout time.Duration) *Tester {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	d := &net.Dialer{Timeout: dialTimeout}
	return &Tester{
		logger:      logger.With().Str("component", "audit").Logger(),
		source:      source,
		specs:       specs,
		dialTimeout: dialTimeout,
		parallelism: 8,
		controls:    DefaultControlTargets,
		dial:        d.DialContext,
	}
}

// Run audits every namespace with a declaration and aggregates the verdicts.
func (t *Tester) Run(ctx context.Context) (*Report, error) {
	events, err := t.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}

	report := newReport()
	for _, ev := range events {
		if ev.Type == model.EventTombstone {
			continue
		}
		ns, err := t.auditNamespace(ctx, ev)
		if err != nil {
			return nil, err
		}
		report.add(ns)
	}
	report.finish()

	t.logger.Info().
		Int("namespaces", len(report.Namespaces)).
		Int("total", report.Total).
		Int("passed", report.Passed).
		Float64("pass_rate", report.PassRate).
		Msg("audit complete")
	return report, nil
}

func (t *Tester) auditNamespace(ctx context.Context, ev model.PolicyEvent) (NamespaceReport, error) {
	ns := NamespaceReport{Namespace: ev.Namespace}

	var decl model.Declaration
	if err := json.Unmarshal(ev.Raw, &decl); err != nil {
		ns.Verdicts = append(ns.Verdicts, Verdict{
			Namespace: ev.Namespace, Test: "policy-parses",
			Expected: "allow", Actual: "error", Detail: err.Error(),
		})
		return ns, nil
	}
	ns.PolicyExists = true

	exists, err := t.specs.SpecExists(ctx, ev.Namespace)
	if err != nil {
		return ns, fmt.Errorf("check enforcement object for %s: %w", ev.Namespace, err)
	}
	ns.SpecExists = exists
	if !exists {
		ns.Verdicts = append(ns.Verdicts, Verdict{
			Namespace: ev.Namespace, Test: "enforcement-object",
			Expected: "exists", Actual: "missing", Detail: "no enforcement object derived from declaration",
		})
	}

	var probes []probe
	for i := range decl.AllowedDestinations {
		probes = append(probes, t.allowedProbes(&decl.AllowedDestinations[i])...)
	}
	// A permit-all namespace has nothing to deny; skip the control probes.
	if decl.DefaultAction == model.ActionDeny {
		for _, c := range t.controls {
			probes = append(probes, probe{host: c.Host, port: c.Port, expected: "deny"})
		}
	}

	verdicts := make([]Verdict, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallelism)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			verdicts[i] = t.runProbe(gctx, ev.Namespace, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ns, err
	}
	ns.Verdicts = append(ns.Verdicts, verdicts...)
	return ns, nil
}

type probe struct {
	host     string
	port     int
	expected string
}

// allowedProbes picks one representative target per rule: the first host of a
// cidr rule's network, or a well-known endpoint for a service rule.
func (t *Tester) allowedProbes(rule *model.DestinationRule) []probe {
	var probes []probe
	switch rule.Kind() {
	case model.RuleCIDR:
		prefix, err := netip.ParsePrefix(*rule.CIDR)
		if err != nil {
			return nil
		}
		host := firstHost(prefix)
		for _, port := range rule.Ports {
			probes = append(probes, probe{host: host.String(), port: port, expected: "allow"})
		}
	case model.RuleService:
		endpoint, ok := serviceEndpoints[*rule.AWSService]
		if !ok {
			return nil
		}
		for _, port := range rule.Ports {
			probes = append(probes, probe{host: endpoint, port: port, expected: "allow"})
		}
	}
	return probes
}

func (t *Tester) runProbe(ctx context.Context, namespace string, p probe) Verdict {
	addr := net.JoinHostPort(p.host, fmt.Sprintf("%d", p.port))
	v := Verdict{
		Namespace: namespace,
		Test:      "connect-to-" + addr,
		Expected:  p.expected,
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, err := t.dial(dialCtx, "tcp", addr)
	if err == nil {
		conn.Close()
		v.Actual = "allow"
		v.Detail = "connection succeeded"
	} else {
		v.Actual = "deny"
		v.Detail = err.Error()
	}
	v.Success = v.Actual == v.Expected
	return v
}

// firstHost returns the first usable address in the prefix: the address after
// the network address when the prefix has room, else the address itself.
func firstHost(prefix netip.Prefix) netip.Addr {
	addr := prefix.Masked().Addr()
	if prefix.IsSingleIP() {
		return addr
	}
	return addr.Next()
}
