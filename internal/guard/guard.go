// Package guard drives one route's access evaluation through its
// lifecycle: mount, requirement changes and teardown.
package guard

import (
	"context"
	"log/slog"
	"sync"

	"github.com/asimihsan/routegate/pkg/gate"
)

// Guard owns the verdict for one protected view. A Guard evaluates at most
// one request at a time; starting a new evaluation cancels the previous one.
type Guard struct {
	evaluator gate.Evaluator
	sessions  gate.SessionProvider
	navigator gate.Navigator
	logger    *slog.Logger

	mu      sync.Mutex
	parent  context.Context
	policy  gate.PolicyRequest
	state   gate.Verdict
	mounted bool
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger used for discarded evaluations.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// New creates an unmounted guard. navigator receives the redirect of every
// denied verdict; it is called with the guard's lock held and must not call
// back into the guard.
func New(evaluator gate.Evaluator, sessions gate.SessionProvider, navigator gate.Navigator, opts ...Option) *Guard {
	done := make(chan struct{})
	close(done)
	g := &Guard{
		evaluator: evaluator,
		sessions:  sessions,
		navigator: navigator,
		logger:    slog.Default(),
		state:     gate.Pending(),
		done:      done,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Mount starts evaluating policy. Cancelling ctx has the same effect as Teardown.
func (g *Guard) Mount(ctx context.Context, policy gate.PolicyRequest) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.parent = ctx
	g.policy = policy.Clone()
	g.mounted = true
	g.startLocked()
}

// Update re-evaluates when policy differs from the current requirements.
// It reports whether a new evaluation was started.
func (g *Guard) Update(policy gate.PolicyRequest) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.mounted || g.policy.Equal(policy) {
		return false
	}
	g.policy = policy.Clone()
	g.startLocked()
	return true
}

// Teardown cancels any in-flight evaluation. Results arriving afterwards
// change nothing and trigger no redirect. Teardown is idempotent.
func (g *Guard) Teardown() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.mounted {
		return
	}
	g.mounted = false
	g.gen++
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// State returns the latest applied verdict.
func (g *Guard) State() gate.Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Done is closed when the current evaluation has settled, whether its
// verdict was applied or discarded.
func (g *Guard) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// Wait blocks until the current evaluation settles and returns the state.
func (g *Guard) Wait(ctx context.Context) (gate.Verdict, error) {
	select {
	case <-g.Done():
		return g.State(), nil
	case <-ctx.Done():
		return gate.Verdict{}, ctx.Err()
	}
}

func (g *Guard) startLocked() {
	if g.cancel != nil {
		g.cancel()
	}
	g.gen++
	g.state = gate.Pending()

	ctx, cancel := context.WithCancel(g.parent)
	g.cancel = cancel
	done := make(chan struct{})
	g.done = done

	go g.run(ctx, g.gen, g.policy.Clone(), done)
}

func (g *Guard) run(ctx context.Context, gen uint64, policy gate.PolicyRequest, done chan struct{}) {
	defer close(done)

	verdict, err := g.evaluator.Evaluate(ctx, g.sessions, policy)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil || ctx.Err() != nil || gen != g.gen || !g.mounted {
		g.logger.DebugContext(ctx, "evaluation result dropped", "error", err)
		return
	}

	g.state = verdict
	if verdict.Phase() == gate.PhaseDenied && g.navigator != nil {
		g.navigator.Redirect(verdict.Redirect)
	}
}
