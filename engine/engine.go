// Package engine implements the entitlement reconciliation engine: a single
// serialized owner of the session state that folds reports from the
// on-device payment authority, the remote authorization server, and the
// local last-known cache into one consistent published state.
package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/open-rails/subkit/credential"
	"github.com/open-rails/subkit/entitlement"
	"github.com/open-rails/subkit/idtoken"
	"github.com/open-rails/subkit/payment"
	"github.com/open-rails/subkit/remote"
)

const (
	defaultAuthorityTimeout = 15 * time.Second
	observerBuffer          = 16
)

// Limiter throttles flow attempts per bucket and key. Both ratelimit
// implementations satisfy it.
type Limiter interface {
	Allow(bucket, key string) (bool, error)
}

// Engine owns the session state. All mutation passes through a single apply
// goroutine; concurrent flows and the live payment update feed never
// interleave inside a merge.
type Engine struct {
	product  string
	pay      payment.Authority
	rem      remote.Authority
	creds    credential.Store
	cache    entitlement.CacheStore
	verifier *idtoken.Verifier
	limiter  Limiter
	log      logrus.FieldLogger

	timeout time.Duration
	refresh string

	ops  chan func(*entitlement.SessionState)
	quit chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	snapshot  entitlement.SessionState
	observers map[int]chan entitlement.SessionState
	nextObs   int

	cron cronRunner
}

// Opt configures an Engine.
type Opt func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(log logrus.FieldLogger) Opt {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithIdentityVerifier verifies sign-in identity tokens locally before the
// account id is derived from them. Without it, the subject claim is read
// unverified and the server remains the sole validator.
func WithIdentityVerifier(v *idtoken.Verifier) Opt {
	return func(e *Engine) { e.verifier = v }
}

// WithAuthorityTimeout bounds each individual authority call.
func WithAuthorityTimeout(d time.Duration) Opt {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithRedeemLimiter throttles invite-code redemption per account. Without
// it redemption is unthrottled.
func WithRedeemLimiter(l Limiter) Opt {
	return func(e *Engine) { e.limiter = l }
}

// WithRefreshSchedule enables a periodic server status check on a cron
// schedule (e.g. "@every 6h"). Empty disables it.
func WithRefreshSchedule(schedule string) Opt {
	return func(e *Engine) { e.refresh = schedule }
}

// New wires an engine from its four collaborators. product is the one
// subscription product id the engine recognizes in store receipts.
func New(product string, pay payment.Authority, rem remote.Authority, creds credential.Store, cache entitlement.CacheStore, opts ...Opt) (*Engine, error) {
	if product == "" {
		return nil, errors.New("engine: product id is empty")
	}
	if pay == nil || rem == nil || creds == nil || cache == nil {
		return nil, errors.New("engine: missing collaborator")
	}
	e := &Engine{
		product:   product,
		pay:       pay,
		rem:       rem,
		creds:     creds,
		cache:     cache,
		log:       discardLogger(),
		timeout:   defaultAuthorityTimeout,
		ops:       make(chan func(*entitlement.SessionState), 64),
		quit:      make(chan struct{}),
		observers: make(map[int]chan entitlement.SessionState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start loads the stored identity and cached entitlement synchronously to
// produce the optimistic initial state, then begins the apply loop, the live
// payment update subscription, and the background reconciliation pass.
// The engine runs until Close; ctx cancels background authority calls.
func (e *Engine) Start(ctx context.Context) entitlement.SessionState {
	var initial entitlement.SessionState
	started := false
	e.startOnce.Do(func() {
		started = true
		initial = e.bootstrap(ctx)
		e.mu.Lock()
		e.snapshot = initial
		e.mu.Unlock()

		go e.run(initial)
		go e.watchUpdates(ctx)
		go e.initialReconcile(ctx)
		e.startRefresh(ctx)
	})
	if !started {
		return e.Snapshot()
	}
	return initial
}

// bootstrap builds the pre-loop state: stored identity plus the provisional
// cache grant.
func (e *Engine) bootstrap(ctx context.Context) entitlement.SessionState {
	var st entitlement.SessionState

	id, ok, err := e.creds.Load(ctx)
	if err != nil {
		// A broken keystore reads as "no stored identity".
		e.log.WithError(err).Warn("credential load failed")
		st.LastError = entitlement.ErrorStorage
	} else if ok {
		st.Identity = entitlement.Identity{AccountID: id, SignedIn: true}
	}

	cached, ok, err := e.cache.Load(ctx)
	if err != nil {
		e.log.WithError(err).Warn("entitlement cache load failed")
		st.LastError = entitlement.ErrorStorage
		return st
	}
	if ok {
		st, _ = merge(st, cached.Report(time.Now()), time.Now())
	}
	return st
}

// Close stops the apply loop and the refresh schedule. The live update
// subscription ends when the Start context is cancelled.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.stopRefresh()
		close(e.quit)
	})
}

// Snapshot returns the current published state.
func (e *Engine) Snapshot() entitlement.SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Subscribe registers an observer of state changes. The returned cancel
// function must be called to release it. Slow observers miss intermediate
// states but always receive the latest one eventually.
func (e *Engine) Subscribe() (<-chan entitlement.SessionState, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextObs
	e.nextObs++
	ch := make(chan entitlement.SessionState, observerBuffer)
	e.observers[id] = ch
	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.observers[id]; ok {
			delete(e.observers, id)
			close(ch)
		}
	}
}

// run is the serialization point: the only goroutine that mutates state.
func (e *Engine) run(st entitlement.SessionState) {
	for {
		select {
		case fn := <-e.ops:
			prev := st
			fn(&st)
			if !statesEqual(prev, st) {
				e.publish(st)
			}
		case <-e.quit:
			return
		}
	}
}

func (e *Engine) publish(st entitlement.SessionState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshot = st
	for _, ch := range e.observers {
		select {
		case ch <- st:
		default:
			// Drain one stale state so the latest always lands.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// apply runs fn on the apply goroutine and waits for it to commit.
func (e *Engine) apply(fn func(*entitlement.SessionState)) {
	done := make(chan struct{})
	select {
	case e.ops <- func(st *entitlement.SessionState) {
		fn(st)
		close(done)
	}:
	case <-e.quit:
		return
	}
	select {
	case <-done:
	case <-e.quit:
	}
}

// mergeReport commits one report and its cache effects, returning whether
// the merge asked for an Apple point-in-time re-check.
func (e *Engine) mergeReport(ctx context.Context, rep entitlement.Report) bool {
	var fx effects
	e.apply(func(st *entitlement.SessionState) {
		next, f := merge(*st, rep, time.Now())
		fx = f
		if f.persist {
			if err := e.cache.Save(ctx, entitlement.NewCached(true, next.Expiry)); err != nil {
				e.log.WithError(err).Warn("entitlement cache save failed")
				next.LastError = entitlement.ErrorStorage
			}
		}
		if f.clear {
			if err := e.cache.Clear(ctx); err != nil {
				e.log.WithError(err).Warn("entitlement cache clear failed")
				next.LastError = entitlement.ErrorStorage
			}
		}
		*st = next
	})
	e.log.WithFields(logrus.Fields{
		"source": rep.Source,
		"active": rep.Active,
	}).Debug("report merged")
	return fx.recheckApple
}

// recordError commits a transient failure without touching entitlement.
func (e *Engine) recordError(kind entitlement.ErrorKind) {
	e.apply(func(st *entitlement.SessionState) {
		st.LastError = kind
	})
}

// paymentReport reduces a store snapshot to the single report the engine
// merges: the recognized product's entitlement, or an absence report when
// the store has nothing for it.
func (e *Engine) paymentReport(ents []payment.Entitlement, now time.Time) entitlement.Report {
	rep := payment.Absent(now)
	for _, ent := range ents {
		if !ent.Match(e.product) {
			continue
		}
		r := ent.Report(now)
		if r.Active && !r.Expired(now) {
			return r
		}
		rep = r
	}
	return rep
}

// recheckPayment runs the Apple point-in-time query and merges the result.
// It is the follow-up step of server revocations and sign-out. A store
// failure is a no-op for the session: no report, nothing changes.
func (e *Engine) recheckPayment(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ents, err := e.pay.CurrentEntitlements(ctx)
	if err != nil {
		e.log.WithError(err).Warn("payment authority query failed")
		return
	}
	e.mergeReport(ctx, e.paymentReport(ents, time.Now()))
}

// watchUpdates consumes the store's live entitlement feed for the process
// lifetime.
func (e *Engine) watchUpdates(ctx context.Context) {
	updates, err := e.pay.Updates(ctx)
	if err != nil {
		e.log.WithError(err).Warn("payment update subscription failed")
		return
	}
	for {
		select {
		case ent, ok := <-updates:
			if !ok {
				return
			}
			if !ent.Match(e.product) {
				continue
			}
			e.mergeReport(ctx, ent.Report(time.Now()))
		case <-e.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// initialReconcile is the background pass after startup: Apple first, then
// the server when an identity is stored.
func (e *Engine) initialReconcile(ctx context.Context) {
	e.recheckPayment(ctx)

	st := e.Snapshot()
	if !st.Identity.SignedIn {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ent, err := e.rem.QueryStatus(qctx, st.Identity.AccountID)
	if err != nil {
		if remote.IsNetwork(err) {
			e.recordError(entitlement.ErrorNetwork)
		}
		e.log.WithError(err).Warn("server status query failed")
		return
	}
	if e.mergeReport(ctx, serverReport(ent, time.Now())) {
		e.recheckPayment(ctx)
	}
}

// serverReport converts a server answer into a report.
func serverReport(ent remote.Entitlement, now time.Time) entitlement.Report {
	return entitlement.Report{
		Source: entitlement.SourceServer,
		Active: ent.Active,
		Expiry: ent.Expiry,
		AsOf:   now,
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
