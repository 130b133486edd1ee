package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/open-rails/subkit/entitlement"
	"github.com/open-rails/subkit/payment"
	memorylimiter "github.com/open-rails/subkit/ratelimit/memory"
	"github.com/open-rails/subkit/remote"
)

// Fresh install, server and store both deny.
func TestSignInWithoutAnySubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	st, err := f.eng.SignIn(ctx, "tok", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Entitled || !st.Identity.SignedIn || st.Identity.AccountID != "u1" {
		t.Fatalf("state = %+v", st)
	}
	if st.PendingSignIn {
		t.Fatal("pending flag must clear when the flow completes")
	}
	if id, ok, _ := f.creds.Load(ctx); !ok || id != "u1" {
		t.Fatalf("credential = %q ok=%v", id, ok)
	}
}

func TestSignInWithServerGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.rem.SetAccount("u1", remote.Entitlement{Active: true, Expiry: &exp})

	st, err := f.eng.SignIn(ctx, "tok", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Entitled || st.Expiry == nil {
		t.Fatalf("state = %+v", st)
	}
	if cached, ok, _ := f.cache.Load(ctx); !ok || !cached.Active {
		t.Fatal("server grant must persist to cache")
	}
}

func TestSignInNetworkFailureHoldsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)
	f.rem.SetDown(true)

	st, err := f.eng.SignIn(ctx, "tok", "u1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !remote.IsNetwork(err) {
		t.Fatalf("err = %v", err)
	}
	// Identity was committed before the failing query; it stays.
	if !st.Identity.SignedIn {
		t.Fatal("identity must survive a post-commit network failure")
	}
	if st.LastError != entitlement.ErrorNetwork {
		t.Fatalf("lastError = %q", st.LastError)
	}
}

func TestSignInBadTokenRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	_, err := f.eng.SignIn(ctx, "not-a-jwt", "")
	var sie *SignInError
	if !errors.As(err, &sie) {
		t.Fatalf("err = %v", err)
	}
	st := f.eng.Snapshot()
	if st.Identity.SignedIn {
		t.Fatal("identity must not be committed")
	}
	if _, ok, _ := f.creds.Load(ctx); ok {
		t.Fatal("credential must be rolled back")
	}
}

// An Apple "nothing here" arriving mid-session never revokes a
// signed-in server grant.
func TestAppleRevocationSparesSignedInServerGrant(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.start(t, ctx)

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.rem.SetAccount("u1", remote.Entitlement{Active: true, Expiry: &exp})
	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}

	f.pay.Push(payment.Entitlement{ProductID: testProduct, Verified: false})
	time.Sleep(50 * time.Millisecond)

	st := f.eng.Snapshot()
	if !st.Entitled {
		t.Fatal("Apple revocation revoked a signed-in server grant")
	}
}

// A device purchase survives sign-out.
func TestSignOutPreservesDevicePurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := time.Now().Add(30 * 24 * time.Hour)
	f.pay.SetCurrent(verifiedEntitlement(exp))
	f.start(t, ctx)

	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.eng.Snapshot().Entitled })

	st, err := f.eng.SignOut(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Entitled {
		t.Fatal("device purchase must survive sign-out")
	}
	if st.Identity.SignedIn {
		t.Fatal("identity must clear on sign-out")
	}
	if _, ok, _ := f.creds.Load(ctx); ok {
		t.Fatal("credential must be deleted on sign-out")
	}
}

// A server-only grant is revoked by sign-out and the cache cleared.
func TestSignOutRevokesServerOnlyGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.rem.SetAccount("u1", remote.Entitlement{Active: true, Expiry: &exp})
	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	if !f.eng.Snapshot().Entitled {
		t.Fatal("precondition: server grant entitles")
	}

	st, err := f.eng.SignOut(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entitled {
		t.Fatal("server-only grant must not survive sign-out")
	}
	if _, ok, _ := f.cache.Load(ctx); ok {
		t.Fatal("cache must clear when the grant is revoked")
	}
}

// A network failure changes lastError and nothing else.
func TestCheckStatusNetworkFailureIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.rem.SetAccount("u1", remote.Entitlement{Active: true, Expiry: &exp})
	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	before := f.eng.Snapshot()
	cachedBefore, _, _ := f.cache.Load(ctx)

	f.rem.SetDown(true)
	st, err := f.eng.CheckStatus(ctx)
	if !remote.IsNetwork(err) {
		t.Fatalf("err = %v", err)
	}
	if st.Entitled != before.Entitled {
		t.Fatalf("entitled changed: before=%+v after=%+v", before, st)
	}
	if (st.Expiry == nil) != (before.Expiry == nil) ||
		(st.Expiry != nil && !st.Expiry.Equal(*before.Expiry)) {
		t.Fatalf("expiry changed: before=%v after=%v", before.Expiry, st.Expiry)
	}
	if st.LastError != entitlement.ErrorNetwork {
		t.Fatalf("lastError = %q", st.LastError)
	}
	if cachedAfter, _, _ := f.cache.Load(ctx); cachedAfter != cachedBefore {
		t.Fatal("cache must be byte-for-byte unchanged")
	}
}

// A server revocation is re-checked against the store before it
// sticks.
func TestServerRevocationDeferredRecheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp := time.Now().Add(30 * 24 * time.Hour)
	f.pay.SetCurrent(verifiedEntitlement(exp))
	f.start(t, ctx)

	f.rem.SetAccount("u1", remote.Entitlement{Active: true, Expiry: &exp})
	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}

	// Server forgets the account; the device purchase must win the re-check.
	f.rem.SetAccount("u1", remote.Entitlement{})
	st, err := f.eng.CheckStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Entitled {
		t.Fatal("device purchase must survive a server revocation")
	}
	if cached, ok, _ := f.cache.Load(ctx); !ok || !cached.Active {
		t.Fatal("re-check grant must re-persist the cache")
	}
}

func TestServerRevocationStandsWhenStoreAgrees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.rem.SetAccount("u1", remote.Entitlement{Active: true, Expiry: &exp})
	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}

	f.rem.SetAccount("u1", remote.Entitlement{})
	st, err := f.eng.CheckStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Entitled {
		t.Fatal("double revocation must stand")
	}
	if _, ok, _ := f.cache.Load(ctx); ok {
		t.Fatal("cache must stay cleared on double revocation")
	}
}

func TestPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.pay.SetPurchase(verifiedEntitlement(exp), nil)

	st, err := f.eng.Purchase(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Entitled {
		t.Fatalf("state = %+v", st)
	}
	if f.pay.FinalizeCount() != 1 {
		t.Fatal("transaction must finalize after the merge")
	}
	if got := f.rem.Reported(); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("purchase report = %v", got)
	}
}

// An unverified purchase result never grants.
func TestPurchaseUnverifiedFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.pay.SetPurchase(payment.Entitlement{ProductID: testProduct, ExpiresAt: &exp}, nil)

	st, err := f.eng.Purchase(ctx)
	if !errors.Is(err, ErrUnverified) {
		t.Fatalf("err = %v", err)
	}
	if st.Entitled {
		t.Fatal("unverified purchase must not entitle")
	}
	if st.LastError != entitlement.ErrorVerify {
		t.Fatalf("lastError = %q", st.LastError)
	}
}

func TestPurchaseReportFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	f.rem.SetDown(true)

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.pay.SetPurchase(verifiedEntitlement(exp), nil)

	st, err := f.eng.Purchase(ctx)
	if err != nil {
		t.Fatalf("report failure must not fail the purchase: %v", err)
	}
	if !st.Entitled {
		t.Fatal("local grant stands regardless of the server")
	}
}

func TestRedeemRequiresSignIn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	if _, err := f.eng.Redeem(ctx, "FRIEND1"); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("err = %v", err)
	}
}

// Redeeming the same code twice converges with no extra side effects.
func TestRedeemIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	exp := time.Now().Add(30 * 24 * time.Hour)
	f.rem.AddCode("FRIEND1", remote.Entitlement{Active: true, Expiry: &exp})

	first, err := f.eng.Redeem(ctx, "FRIEND1")
	if err != nil {
		t.Fatal(err)
	}
	cachedFirst, _, _ := f.cache.Load(ctx)

	second, err := f.eng.Redeem(ctx, "FRIEND1")
	if err != nil {
		t.Fatal(err)
	}
	cachedSecond, _, _ := f.cache.Load(ctx)

	if !statesEqual(first, second) {
		t.Fatalf("redeem not idempotent: %+v vs %+v", first, second)
	}
	if cachedFirst != cachedSecond {
		t.Fatalf("cache diverged: %+v vs %+v", cachedFirst, cachedSecond)
	}
}

func TestRedeemInvalidCodeChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	before := f.eng.Snapshot()

	st, err := f.eng.Redeem(ctx, "NOPE")
	if !remote.IsInvalidCode(err) {
		t.Fatalf("err = %v", err)
	}
	if st.Entitled != before.Entitled || st.LastError != before.LastError {
		t.Fatalf("state changed on invalid code: %+v", st)
	}
}

func TestRedeemRateLimited(t *testing.T) {
	lim := memorylimiter.New(map[string]memorylimiter.Limit{
		"redeem": {Limit: 2, Window: time.Minute},
	})
	f := newFixture(t, WithRedeemLimiter(lim))
	ctx := context.Background()
	f.start(t, ctx)

	if _, err := f.eng.SignIn(ctx, "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	f.eng.Redeem(ctx, "NOPE")
	f.eng.Redeem(ctx, "NOPE")

	if _, err := f.eng.Redeem(ctx, "NOPE"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v", err)
	}
}

func TestRestoreMergesStoreSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.start(t, ctx)

	exp := time.Now().Add(30 * 24 * time.Hour)
	f.pay.SetCurrent(verifiedEntitlement(exp))

	st, err := f.eng.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Entitled {
		t.Fatalf("state = %+v", st)
	}
}
