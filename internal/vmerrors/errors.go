// Package vmerrors defines the error kinds this engine propagates,
// trimmed to the kinds a projection engine actually raises.
package vmerrors

import (
	"errors"
	"fmt"

	gethlog "github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Sentinel errors for conditions with no useful extra context.
var (
	ErrResolverUnavailable = errors.New("resolver: no external resolver configured for this type")
	ErrEngineShuttingDown  = errors.New("engine: shutting down")
)

// SchemaError reports a declarative spec that failed to compile: an
// illegal population-strategy/condition combination, an unresolvable
// lookup index reference, or similar. Propagates to shutdown — a
// schema the compiler rejects can never run correctly, so there is
// nothing to log-and-continue past.
type SchemaError struct {
	Entity string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error in entity %q: %s", e.Entity, e.Reason)
}

// OpcodeError wraps a failure raised during a single opcode's Exec,
// identified by entity/handler/index for diagnosis. Logged and counted
// at the VM boundary; does not stop the engine.
type OpcodeError struct {
	Entity  string
	Handler string
	Index   int
	Err     error
}

func (e *OpcodeError) Error() string {
	return fmt.Sprintf("opcode error in %s/%s[%d]: %v", e.Entity, e.Handler, e.Index, e.Err)
}

func (e *OpcodeError) Unwrap() error { return e.Err }

// StateConsistencyError reports state that violates an invariant this
// system relies on (e.g. a primary key resolving to conflicting
// entities). Logged and counted where it arises (the PDA reverse lookup
// refusing to re-map an address), which then skips the offending
// write; it is not returned to the engine and does not stop it.
type StateConsistencyError struct {
	Entity string
	Reason string
}

func (e *StateConsistencyError) Error() string {
	return fmt.Sprintf("state consistency error in entity %q: %s", e.Entity, e.Reason)
}

// QueueOverflowError is informational, not a propagated failure: a
// pending-update queue exceeded its cap and dropped its oldest entry.
// Logged and counted; never returned as an error value from any
// exported function.
type QueueOverflowError struct {
	Entity string
	Key    string
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("pending-update queue overflow for %s/%s", e.Entity, e.Key)
}

// ResolverError wraps a failed external-resolver call. Logged and
// counted at the resolver coordinator boundary; requeued at most once,
// then dropped with a counted failure (never retried indefinitely).
type ResolverError struct {
	ResolverType string
	Input        string
	Err          error
}

func (e *ResolverError) Error() string {
	return fmt.Sprintf("resolver error (%s, input=%s): %v", e.ResolverType, e.Input, e.Err)
}

func (e *ResolverError) Unwrap() error { return e.Err }

// SubscriberBackpressureError is informational: a client's outbox
// filled and the client was detached. Logged and counted per view;
// never propagates past the fan-out dispatch loop.
type SubscriberBackpressureError struct {
	View     string
	ClientID uint64
}

func (e *SubscriberBackpressureError) Error() string {
	return fmt.Sprintf("subscriber backpressure: detached client %d on view %q", e.ClientID, e.View)
}

// IngestDisconnectError reports an ingest source's connection drop.
// Logged and counted; raised by internal/ingest/reconnect's
// backoff/redial loop. Once reconnect attempts are exhausted it is
// logged once more and the source's event channel closes; it is not
// returned to the engine.
type IngestDisconnectError struct {
	Source string
	Err    error
}

func (e *IngestDisconnectError) Error() string {
	return fmt.Sprintf("ingest source %q disconnected: %v", e.Source, e.Err)
}

func (e *IngestDisconnectError) Unwrap() error { return e.Err }

// errorsTotal implements the "errors are logged structurally and
// converted to counters" policy: every kind below is a Prometheus
// counter keyed by kind rather than a process-terminating failure
// (SchemaError is the sole exception, and it still gets a count here
// for observability even though it also stops the engine).
var errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "hyperproj_component_errors_total",
	Help: "Non-fatal component errors by kind, logged and counted rather than propagated.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(errorsTotal)
}

// Log records err structurally against logger at the severity its kind
// warrants, and increments that kind's counter. Every call site that
// raises one of this package's error kinds should route it through Log
// rather than logging ad hoc, so the counter stays authoritative.
func Log(logger gethlog.Logger, err error) {
	if logger == nil {
		logger = gethlog.Root()
	}
	switch e := err.(type) {
	case *SchemaError:
		logger.Error("schema error", "entity", e.Entity, "reason", e.Reason)
		errorsTotal.WithLabelValues("schema").Inc()
	case *OpcodeError:
		logger.Warn("opcode error", "entity", e.Entity, "handler", e.Handler, "index", e.Index, "err", e.Err)
		errorsTotal.WithLabelValues("opcode").Inc()
	case *StateConsistencyError:
		logger.Error("state consistency error", "entity", e.Entity, "reason", e.Reason)
		errorsTotal.WithLabelValues("state_consistency").Inc()
	case *QueueOverflowError:
		logger.Warn("pending-update queue overflow", "entity", e.Entity, "key", e.Key)
		errorsTotal.WithLabelValues("queue_overflow").Inc()
	case *ResolverError:
		logger.Warn("resolver error", "resolver_type", e.ResolverType, "input", e.Input, "err", e.Err)
		errorsTotal.WithLabelValues("resolver").Inc()
	case *SubscriberBackpressureError:
		logger.Warn("subscriber backpressure, client detached", "view", e.View, "client_id", e.ClientID)
		errorsTotal.WithLabelValues("subscriber_backpressure").Inc()
	case *IngestDisconnectError:
		logger.Warn("ingest source disconnected", "source", e.Source, "err", e.Err)
		errorsTotal.WithLabelValues("ingest_disconnect").Inc()
	default:
		logger.Warn("unclassified error", "err", err)
		errorsTotal.WithLabelValues("unknown").Inc()
	}
}
