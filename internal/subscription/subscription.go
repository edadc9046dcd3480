// Package subscription is the dispatch core: it decides, per settle point,
// whether a subscription's query runs, advances the clock-tick cursor so
// deliveries stay strictly incremental, and packages non-empty results
// into unilateral payloads for the owning client.
package subscription

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"vigil/internal/clock"
	"vigil/internal/logging"
	"vigil/internal/metrics"
	"vigil/internal/query"
	"vigil/internal/root"
)

// ErrQueryExecution marks a failed query invocation during a dispatch
// cycle. It is logged and the cycle abandoned; the cursor stays put so the
// interval is retried at the next settle point. It never reaches the
// client as an error.
var ErrQueryExecution = errors.New("subscription query failed")

const queryFailureLogInterval = 10 * time.Second

// Client is the delivery surface of a connected client.
type Client interface {
	// EnqueueResponse appends a payload to the client's outbound queue.
	// It must not block on client I/O.
	EnqueueResponse(payload map[string]any)

	// Wake nudges the client's writer that the queue is non-empty.
	Wake()
}

// ClientRef is a weak handle to a client. The client may disconnect while
// a dispatch or teardown path still holds the subscription, so every use
// re-resolves and treats a vacated client as a silent no-op.
type ClientRef interface {
	Resolve() (Client, bool)
}

// Subscription is one client's standing interest in a root.
type Subscription struct {
	name     string
	query    *query.Query
	root     *root.Root
	client   ClientRef
	policies PolicyTable
	vcsDefer bool

	// evalMu guarantees at-most-one in-flight evaluation. Dispatch for a
	// root is already serial; this also covers the synchronous initial
	// evaluation at subscribe time.
	evalMu   sync.Mutex
	lastTick uint64

	logger     *logging.Logger
	registry   *metrics.Registry
	failureLog *rate.Limiter
}

// Options configures a new subscription.
type Options struct {
	Root     *root.Root
	Client   ClientRef
	Name     string
	Query    *query.Query
	Policies PolicyTable
	VCSDefer bool
	Logger   *logging.Logger
	Registry *metrics.Registry
}

func New(options Options) *Subscription {
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	return &Subscription{
		name:       options.Name,
		query:      options.Query,
		root:       options.Root,
		client:     options.Client,
		policies:   options.Policies,
		vcsDefer:   options.VCSDefer,
		logger:     options.Logger,
		registry:   registry,
		failureLog: rate.NewLimiter(rate.Every(queryFailureLogInterval), 1),
	}
}

func (s *Subscription) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

func (s *Subscription) Root() *root.Root {
	if s == nil {
		return nil
	}
	return s.root
}

// LastTick reports the cursor, for tests and diagnostics.
func (s *Subscription) LastTick() uint64 {
	if s == nil {
		return 0
	}
	s.evalMu.Lock()
	defer s.evalMu.Unlock()
	return s.lastTick
}

// Process runs one dispatch cycle: policy evaluation, then, when allowed,
// the query and delivery. Called serially from the root's settle path.
func (s *Subscription) Process() {
	if s == nil || s.root == nil || s.root.View == nil {
		return
	}

	client, ok := s.resolveClient()
	if !ok {
		s.logDebug("skipping dispatch for vacated client", nil)
		return
	}

	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	s.registry.IncDispatch()

	position := s.root.View.CurrentClockPosition()
	if s.lastTick == position.Ticks {
		s.logDebug("subscription is up to date", map[string]string{
			"tick": strconv.FormatUint(position.Ticks, 10),
		})
		return
	}

	outcome, policyName := s.evaluate()
	switch outcome {
	case OutcomeDrop:
		// Fast-forward over the interval; these changes are skipped for
		// good, not postponed.
		s.fastForwardLocked(position)
		s.registry.IncDrop()
		s.logDebug("dropping notifications until state is vacated", map[string]string{
			"state": policyName,
			"tick":  strconv.FormatUint(position.Ticks, 10),
		})
		return
	case OutcomeDefer:
		s.registry.IncDefer()
		s.logDebug("deferring notifications until state is vacated", map[string]string{
			"state": policyName,
		})
		return
	}

	if s.vcsDefer && s.root.View.IsVCSOperationInProgress() {
		s.registry.IncDefer()
		s.logDebug("deferring notifications until VCS operation completes", nil)
		return
	}

	payload, _, err := s.buildResultsLocked()
	if err != nil {
		// Cursor untouched; retried at the next settle point.
		return
	}
	s.lastTick = position.Ticks
	if payload == nil {
		return
	}
	s.deliver(client, payload)
}

// Initial runs the synchronous evaluation right after subscribe. It
// returns the clock position for the subscribe reply and, when the first
// result set is non-empty, the initial payload to push. Empty results are
// suppressed. A query failure yields the current position and no payload.
func (s *Subscription) Initial() (map[string]any, clock.Position) {
	if s == nil || s.root == nil || s.root.View == nil {
		return nil, clock.Position{}
	}

	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	payload, position, err := s.buildResultsLocked()
	if err != nil {
		return nil, s.root.View.CurrentClockPosition()
	}
	s.lastTick = position.Ticks
	return payload, position
}

// evaluate applies the policy table to a point-in-time snapshot of the
// asserted states. The state lock is held only inside Snapshot, never
// across the query.
func (s *Subscription) evaluate() (Outcome, string) {
	asserted := s.root.States.Snapshot()
	return s.policies.Evaluate(asserted)
}

// fastForwardLocked advances both the tick cursor and the query template's
// since-cursor to position without running the query.
func (s *Subscription) fastForwardLocked(position clock.Position) {
	s.lastTick = position.Ticks
	s.query.Since = clock.Since(position)
}

// buildResultsLocked invokes the query engine with the current
// since-cursor. On success the since-cursor advances to the clock at the
// start of the query, whether or not anything matched; only non-empty
// result sets produce a payload.
func (s *Subscription) buildResultsLocked() (map[string]any, clock.Position, error) {
	sinceSpec := s.query.Since

	if position, ok := sinceSpec.Position(); ok {
		s.logDebug("running subscription rules", map[string]string{
			"since": position.String(),
		})
	} else {
		s.logDebug("running subscription rules (no since)", nil)
	}

	// Dispatch happens at settle points which are synced by definition,
	// so the view never needs an explicit sync wait here. The lock
	// timeout stays short for the same reason.
	result, err := s.root.View.ExecuteQuery(s.query, sinceSpec, s.root.LockTimeout())
	if err != nil {
		s.registry.IncQueryError()
		if s.failureLog.Allow() {
			s.logError("error running subscription query", map[string]string{
				"error": err.Error(),
			})
		}
		return nil, clock.Position{}, fmt.Errorf("%w: %v", ErrQueryExecution, err)
	}

	position := result.ClockAtStart
	s.query.Since = clock.Since(position)

	if len(result.Files) == 0 {
		return nil, position, nil
	}

	payload := map[string]any{
		"is_fresh_instance": result.IsFreshInstance,
		"clock":             position.String(),
		"files":             result.Files,
		"root":              s.root.Path,
		"subscription":      s.name,
		"unilateral":        true,
	}
	// Recreating a "since" value for an unset cursor would be meaningless;
	// it only comes up on the first run, so it is simply omitted.
	if prior, ok := sinceSpec.Position(); ok {
		payload["since"] = prior.String()
	}
	return payload, position, nil
}

func (s *Subscription) deliver(client Client, payload map[string]any) {
	if warnings := s.root.Warnings(); len(warnings) > 0 {
		payload["warning"] = strings.Join(warnings, "\n")
	}
	client.EnqueueResponse(payload)
	client.Wake()
	s.registry.IncDelivery()
}

func (s *Subscription) resolveClient() (Client, bool) {
	if s.client == nil {
		return nil, false
	}
	return s.client.Resolve()
}

func (s *Subscription) logDebug(message string, fields map[string]string) {
	if s.logger == nil {
		return
	}
	s.logger.Debug(message, s.withFields(fields))
}

func (s *Subscription) logError(message string, fields map[string]string) {
	if s.logger == nil {
		return
	}
	s.logger.Error(message, s.withFields(fields))
}

func (s *Subscription) withFields(fields map[string]string) map[string]string {
	merged := map[string]string{
		"subscription": s.name,
		"root":         s.root.Path,
	}
	for key, value := range fields {
		merged[key] = value
	}
	return merged
}
