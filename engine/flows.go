package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/subkit/entitlement"
	"github.com/open-rails/subkit/idtoken"
	"github.com/open-rails/subkit/remote"
)

// ErrNotSignedIn is returned by flows that require an identity.
var ErrNotSignedIn = errors.New("engine: not signed in")

// ErrUnverified is returned when the store hands back payment evidence that
// failed its receipt check. The engine never grants on it.
var ErrUnverified = errors.New("engine: payment evidence failed verification")

// ErrRateLimited is returned when the redeem limiter denies an attempt.
var ErrRateLimited = errors.New("engine: too many attempts")

// SignInError wraps a failure during the sign-in flow that happened before
// the identity was committed; the credential has been rolled back.
type SignInError struct {
	Step string
	Err  error
}

func (e *SignInError) Error() string {
	return fmt.Sprintf("engine: sign-in failed at %s: %v", e.Step, e.Err)
}

func (e *SignInError) Unwrap() error { return e.Err }

// SignIn authenticates with the platform identity token, commits the new
// identity, then reconciles against both authorities. The identity is
// committed before any authority query so a stale Apple answer for the old
// signed-out context cannot revoke mid-flow.
//
// accountID may be empty, in which case it is derived from the token's
// subject claim (verified when the engine has an identity verifier).
func (e *Engine) SignIn(ctx context.Context, identityToken, accountID string) (st entitlement.SessionState, err error) {
	log := e.log.WithField("flow_id", uuid.NewString())

	// Whatever happens, the flow is no longer mid-flight once we return,
	// and the caller sees the state as of that moment.
	defer func() {
		e.apply(func(s *entitlement.SessionState) {
			s.PendingSignIn = false
		})
		st = e.Snapshot()
	}()

	if accountID == "" {
		accountID, err = e.accountIDFromToken(ctx, identityToken)
		if err != nil {
			return st, &SignInError{Step: "identity token", Err: err}
		}
	}

	if err = e.creds.Save(ctx, accountID); err != nil {
		// Roll back: no identity may be committed on a half-saved credential.
		if derr := e.creds.Delete(ctx); derr != nil {
			log.WithError(derr).Warn("credential rollback failed")
		}
		e.recordError(entitlement.ErrorStorage)
		return st, &SignInError{Step: "credential save", Err: err}
	}

	// Identity commits first; authority queries run in the new context.
	e.apply(func(s *entitlement.SessionState) {
		s.Identity = entitlement.Identity{AccountID: accountID, SignedIn: true}
		s.PendingSignIn = true
	})

	actx, cancel := context.WithTimeout(ctx, e.timeout)
	ent, err := e.rem.Authenticate(actx, identityToken, accountID)
	cancel()
	if err != nil {
		// Signed in, but the server's answer is unknown: hold state,
		// record the failure, let the caller retry later.
		if remote.IsNetwork(err) {
			e.recordError(entitlement.ErrorNetwork)
		}
		log.WithError(err).Warn("server authenticate failed")
		return st, err
	}
	// The sign-in flow queries the store next regardless, which doubles as
	// the re-check a server revocation would have asked for.
	e.mergeReport(ctx, serverReport(ent, time.Now()))
	e.recheckPayment(ctx)

	log.WithFields(logrus.Fields{
		"account_id": accountID,
		"entitled":   e.Snapshot().Entitled,
	}).Info("signed in")
	return st, nil
}

func (e *Engine) accountIDFromToken(ctx context.Context, identityToken string) (string, error) {
	if e.verifier != nil {
		claims, err := e.verifier.Verify(ctx, identityToken)
		if err != nil {
			return "", err
		}
		return claims.Subject, nil
	}
	return idtoken.Subject(identityToken)
}

// SignOut clears the identity and re-checks the store: an anonymous device
// purchase survives sign-out, a server-only grant does not.
func (e *Engine) SignOut(ctx context.Context) (entitlement.SessionState, error) {
	if err := e.creds.Delete(ctx); err != nil {
		e.log.WithError(err).Warn("credential delete failed")
		e.recordError(entitlement.ErrorStorage)
	}
	e.apply(func(st *entitlement.SessionState) {
		st.Identity = entitlement.Identity{}
		st.Expiry = nil
		st.PendingSignIn = false
	})
	e.recheckPayment(ctx)
	return e.Snapshot(), nil
}

// Purchase runs the platform purchase flow for the engine's product, merges
// the resulting grant, reports it to the server best-effort, and only then
// finalizes the platform transaction.
func (e *Engine) Purchase(ctx context.Context) (entitlement.SessionState, error) {
	log := e.log.WithField("flow_id", uuid.NewString())

	ent, err := e.pay.Purchase(ctx, e.product)
	if err != nil {
		return e.Snapshot(), fmt.Errorf("engine: purchase: %w", err)
	}
	if !ent.Verified {
		e.recordError(entitlement.ErrorVerify)
		return e.Snapshot(), ErrUnverified
	}

	now := time.Now()
	e.mergeReport(ctx, ent.Report(now))

	// The local grant already stands; a failed report is only logged.
	st := e.Snapshot()
	if st.Identity.SignedIn {
		rctx, cancel := context.WithTimeout(ctx, e.timeout)
		if err := e.rem.ReportPurchase(rctx, st.Identity.AccountID, ent.ExpiresAt); err != nil {
			log.WithError(err).Warn("purchase report failed")
		}
		cancel()
	}

	if err := e.pay.Finalize(ctx, e.product); err != nil {
		log.WithError(err).Warn("transaction finalize failed")
	}
	log.Info("purchase completed")
	return e.Snapshot(), nil
}

// Restore re-runs the store's point-in-time query, the platform's "restore
// purchases" affordance.
func (e *Engine) Restore(ctx context.Context) (entitlement.SessionState, error) {
	e.recheckPayment(ctx)
	return e.Snapshot(), nil
}

// Redeem exchanges a promotional code. Requires a signed-in identity. An
// invalid code is surfaced verbatim and changes nothing; redeeming the same
// valid code twice converges on the same state.
func (e *Engine) Redeem(ctx context.Context, code string) (entitlement.SessionState, error) {
	st := e.Snapshot()
	if !st.Identity.SignedIn {
		return st, ErrNotSignedIn
	}
	if e.limiter != nil {
		ok, err := e.limiter.Allow("redeem", st.Identity.AccountID)
		if err != nil {
			e.log.WithError(err).Warn("redeem limiter failed")
		} else if !ok {
			return st, ErrRateLimited
		}
	}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	ent, err := e.rem.Redeem(rctx, st.Identity.AccountID, code)
	cancel()
	if err != nil {
		if remote.IsNetwork(err) {
			e.recordError(entitlement.ErrorNetwork)
		}
		// Invalid codes change nothing; the message goes to the caller.
		return e.Snapshot(), err
	}

	// A redeem answer is only ever merged as a grant; it never triggers
	// the server-revocation re-check.
	if ent.Active {
		e.mergeReport(ctx, serverReport(ent, time.Now()))
	}
	return e.Snapshot(), nil
}

// CheckStatus queries the server for the signed-in account and merges the
// answer. Network failures hold state and record the error.
func (e *Engine) CheckStatus(ctx context.Context) (entitlement.SessionState, error) {
	st := e.Snapshot()
	if !st.Identity.SignedIn {
		return st, ErrNotSignedIn
	}

	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	ent, err := e.rem.QueryStatus(qctx, st.Identity.AccountID)
	cancel()
	if err != nil {
		if remote.IsNetwork(err) {
			e.recordError(entitlement.ErrorNetwork)
		}
		return e.Snapshot(), err
	}
	if e.mergeReport(ctx, serverReport(ent, time.Now())) {
		e.recheckPayment(ctx)
	}
	return e.Snapshot(), nil
}
