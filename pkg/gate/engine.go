package gate

import "context"

// RuleEngine decides the role, permission and tenant checks for a session
// that has already been fetched.
type RuleEngine interface {
	// Decide returns the first failing check, or an allowing Outcome.
	// Must return an error wrapping ErrPolicyEvaluation if the rules could not be evaluated.
	Decide(ctx context.Context, policy PolicyRequest, session Session) (Outcome, error)
}

// Evaluator produces a terminal Verdict for a policy request.
type Evaluator interface {
	// Evaluate returns ctx.Err() without a verdict when ctx is cancelled
	// before the session fetch resolves.
	Evaluate(ctx context.Context, sessions SessionProvider, policy PolicyRequest) (Verdict, error)
}
