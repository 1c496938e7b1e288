// Package file serves a Rego policy file as a compiled bundle.
package file

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/asimihsan/routegate/internal/engine/opa"
	"github.com/asimihsan/routegate/pkg/gate"
)

// Provider implements gate.PolicyProvider for a Rego file. The compiled
// bundle stays in use until Reload replaces it with a newer one.
type Provider struct {
	PolicyPath string
	Query      string // e.g., "data.routegate.outcome"

	mu      sync.RWMutex
	current *opa.OpaPolicyBundle
}

var _ gate.PolicyProvider = (*Provider)(nil)

// New creates a file-based policy provider. An empty query selects opa.DefaultQuery.
func New(policyPath, query string) *Provider {
	if query == "" {
		query = opa.DefaultQuery
	}
	return &Provider{
		PolicyPath: policyPath,
		Query:      query,
	}
}

// GetPolicyBundle implements gate.PolicyProvider. The file is compiled on
// first use only.
func (p *Provider) GetPolicyBundle(ctx context.Context) (gate.PolicyBundle, error) {
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()
	if current != nil {
		return current, nil
	}
	return p.Reload(ctx)
}

// Reload reads and compiles the policy file again. On failure the previous
// bundle keeps serving and the error is returned. An unchanged file yields
// the bundle already in use.
func (p *Provider) Reload(ctx context.Context) (gate.PolicyBundle, error) {
	policyBytes, err := os.ReadFile(p.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading policy file %s: %v", gate.ErrPolicyLoad, p.PolicyPath, err)
	}
	hash := sha256.Sum256(policyBytes)
	bundleID := hex.EncodeToString(hash[:])

	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()
	if current != nil && current.BundleID == bundleID {
		return current, nil
	}

	pq, err := p.prepare(ctx, policyBytes)
	if err != nil {
		return nil, err
	}
	bundle := &opa.OpaPolicyBundle{BundleID: bundleID, PreparedQuery: pq}

	p.mu.Lock()
	p.current = bundle
	p.mu.Unlock()
	return bundle, nil
}

func (p *Provider) prepare(ctx context.Context, policyBytes []byte) (rego.PreparedEvalQuery, error) {
	moduleName := filepath.Base(p.PolicyPath)
	compiler, err := ast.CompileModules(map[string]string{
		moduleName: string(policyBytes),
	})
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("%w: compiling policy module %s: %v", gate.ErrPolicyLoad, moduleName, err)
	}

	pq, err := rego.New(
		rego.Query(p.Query),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("%w: preparing policy query '%s': %v", gate.ErrPolicyLoad, p.Query, err)
	}
	return pq, nil
}
