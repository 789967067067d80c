package model

import (
	"errors"
	"fmt"
)

// Invariant identifies one of the five immutable runtime rules.
type Invariant string

const (
	InvariantNoDirectExecution Invariant = "no_direct_execution"
	InvariantMemoryIsolation   Invariant = "memory_isolation"
	InvariantApprovalBefore    Invariant = "approval_before_effect"
	InvariantNoConcatenation   Invariant = "no_untrusted_concatenation"
	InvariantMandatoryExpiry   Invariant = "mandatory_expiry"
)

// InvariantViolation is fatal: it halts the request, is never retried
// automatically, and is recorded as a critical audit event.
type InvariantViolation struct {
	Invariant Invariant
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation [%s]: %s", e.Invariant, e.Detail)
}

// Violation constructs an InvariantViolation.
func Violation(inv Invariant, format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Invariant: inv, Detail: fmt.Sprintf(format, args...)}
}

// IsViolation reports whether err is (or wraps) an InvariantViolation.
func IsViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}

// Sentinel errors for the expected, recoverable failure modes.
var (
	// ErrPolicyDenied is returned when a decision denies the request.
	// Callers must not retry without changing the request.
	ErrPolicyDenied = errors.New("policy denied")

	// ErrTokenInvalid covers signature, binding, and nonce failures.
	ErrTokenInvalid = errors.New("capability token invalid")

	// ErrTokenExpired means the token's TTL elapsed before execution.
	ErrTokenExpired = errors.New("capability token expired")

	// ErrEvaluatorTimeout means the semantic evaluator did not answer
	// within its deadline. The engine treats it as deny, but it is
	// logged distinctly from an explicit deny.
	ErrEvaluatorTimeout = errors.New("evaluator timeout")

	// ErrAuditNotDurable means an audit snapshot could not be durably
	// written. The guarded action may have run; callers must not treat
	// the result as a clean success.
	ErrAuditNotDurable = errors.New("audit snapshot not durable")
)
