// Package policy decides whether a login source is allowed to proceed before
// any authentication factor is checked.
package policy

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

//go:embed rego/threat_ip.rego
var defaultThreatPolicy string

const decisionQuery = "data.behavtrust.threat.decision"

// Verdict is the outcome of a threat check.
type Verdict struct {
	Deny   bool
	Reason string
}

// ThreatPolicy wraps a prepared Rego query. Policies must define
// data.behavtrust.threat.decision as {"deny": bool, "reason": string}.
type ThreatPolicy struct {
	prepared rego.PreparedEvalQuery
}

// LoadThreatPolicy compiles the policy at path, or the embedded default when
// path is empty. deniedCIDRs is exposed to the policy as
// data.behavtrust.denied_cidrs.
func LoadThreatPolicy(ctx context.Context, path string, deniedCIDRs []string) (*ThreatPolicy, error) {
	for _, c := range deniedCIDRs {
		if _, _, err := net.ParseCIDR(c); err != nil {
			return nil, fmt.Errorf("denied cidr %q: %w", c, err)
		}
	}

	module := defaultThreatPolicy
	name := "threat_ip.rego"
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		module, name = string(b), path
	}

	cidrs := make([]any, len(deniedCIDRs))
	for i, c := range deniedCIDRs {
		cidrs[i] = c
	}
	store := inmem.NewFromObject(map[string]any{
		"behavtrust": map[string]any{"denied_cidrs": cidrs},
	})

	pq, err := rego.New(
		rego.Query(decisionQuery),
		rego.Module(name, module),
		rego.Store(store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare threat policy: %w", err)
	}
	return &ThreatPolicy{prepared: pq}, nil
}

// Check evaluates the policy for ip. A nil policy allows everything.
func (p *ThreatPolicy) Check(ctx context.Context, ip string) (Verdict, error) {
	if p == nil {
		return Verdict{}, nil
	}
	if net.ParseIP(ip) == nil {
		return Verdict{}, fmt.Errorf("not an IP address: %q", ip)
	}
	rs, err := p.prepared.Eval(ctx, rego.EvalInput(map[string]any{"ip": ip}))
	if err != nil {
		return Verdict{}, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Verdict{}, errors.New("threat policy produced no decision")
	}
	m, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Verdict{}, errors.New("unsupported decision from OPA")
	}
	deny, _ := m["deny"].(bool)
	reason, _ := m["reason"].(string)
	return Verdict{Deny: deny, Reason: reason}, nil
}
