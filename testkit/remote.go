package testkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/open-rails/subkit/remote"
)

// RemoteAuthority is an in-memory remote.Authority. Accounts start
// unsubscribed; codes must be registered before they redeem.
type RemoteAuthority struct {
	mu sync.Mutex

	accounts map[string]remote.Entitlement
	codes    map[string]remote.Entitlement
	redeemed map[string]map[string]bool

	down bool

	authCalls   int
	statusCalls int
	reported    []string
}

// NewRemoteAuthority creates an empty fake server.
func NewRemoteAuthority() *RemoteAuthority {
	return &RemoteAuthority{
		accounts: make(map[string]remote.Entitlement),
		codes:    make(map[string]remote.Entitlement),
		redeemed: make(map[string]map[string]bool),
	}
}

// SetAccount scripts the server's view of an account.
func (r *RemoteAuthority) SetAccount(accountID string, ent remote.Entitlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[accountID] = ent
}

// AddCode registers a redeemable promotional code.
func (r *RemoteAuthority) AddCode(code string, ent remote.Entitlement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes[code] = ent
}

// SetDown makes every call fail with a network error.
func (r *RemoteAuthority) SetDown(down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down = down
}

func (r *RemoteAuthority) netErr(op string) error {
	return &remote.NetworkError{Op: op, Err: errors.New("testkit: server down")}
}

func (r *RemoteAuthority) Authenticate(ctx context.Context, identityToken, accountID string) (remote.Entitlement, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return remote.Entitlement{}, r.netErr("auth/apple")
	}
	_ = identityToken
	r.authCalls++
	return r.accounts[accountID], nil
}

func (r *RemoteAuthority) QueryStatus(ctx context.Context, accountID string) (remote.Entitlement, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return remote.Entitlement{}, r.netErr("query status")
	}
	r.statusCalls++
	return r.accounts[accountID], nil
}

func (r *RemoteAuthority) ReportPurchase(ctx context.Context, accountID string, expiry *time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return r.netErr("payment/subscribe")
	}
	r.reported = append(r.reported, accountID)
	r.accounts[accountID] = remote.Entitlement{Active: true, Expiry: expiry}
	return nil
}

func (r *RemoteAuthority) Redeem(ctx context.Context, accountID, code string) (remote.Entitlement, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.down {
		return remote.Entitlement{}, r.netErr("user/redeem")
	}
	ent, ok := r.codes[code]
	if !ok {
		return remote.Entitlement{}, &remote.RedeemError{Message: "invalid invite code"}
	}
	if r.redeemed[code] == nil {
		r.redeemed[code] = make(map[string]bool)
	}
	// Redeeming again from the same account converges on the same grant.
	r.redeemed[code][accountID] = true
	r.accounts[accountID] = ent
	return ent, nil
}

// AuthCount reports completed Authenticate calls.
func (r *RemoteAuthority) AuthCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authCalls
}

// StatusCount reports completed QueryStatus calls.
func (r *RemoteAuthority) StatusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusCalls
}

// Reported returns the accounts purchases were reported for.
func (r *RemoteAuthority) Reported() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.reported))
	copy(out, r.reported)
	return out
}
