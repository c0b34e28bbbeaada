package budget

import (
	"strings"

	"github.com/teranos/scribe/errors"
)

// Scope names the entity usage is tracked against: the whole system, one
// client, or one job.
type Scope string

// GlobalScope is the system-wide ledger row.
const GlobalScope Scope = "global"

// ScopeKind is the part of a scope before the colon.
type ScopeKind string

const (
	KindGlobal ScopeKind = "global"
	KindClient ScopeKind = "client"
	KindJob    ScopeKind = "job"
)

// ClientScope returns the ledger scope for a client.
func ClientScope(clientID string) Scope {
	return Scope("client:" + clientID)
}

// JobScope returns the ledger scope for a job.
func JobScope(jobID string) Scope {
	return Scope("job:" + jobID)
}

// Kind returns the scope kind.
func (s Scope) Kind() ScopeKind {
	if s == GlobalScope {
		return KindGlobal
	}
	kind, _, _ := strings.Cut(string(s), ":")
	return ScopeKind(kind)
}

// ParseScope validates a scope string such as "global" or "client:42".
func ParseScope(raw string) (Scope, error) {
	if raw == string(GlobalScope) {
		return GlobalScope, nil
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return "", errors.NewValidationError("invalid scope %q: want global, client:<id> or job:<id>", raw)
	}
	switch ScopeKind(kind) {
	case KindClient, KindJob:
		return Scope(raw), nil
	default:
		return "", errors.NewValidationError("invalid scope kind %q in %q", kind, raw)
	}
}
