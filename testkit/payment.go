package testkit

import (
	"context"
	"sync"

	"github.com/open-rails/subkit/payment"
)

// PaymentAuthority is a scripted payment.Authority. Zero value is usable:
// no entitlements, purchases fail until a result is scripted.
type PaymentAuthority struct {
	mu sync.Mutex

	current    []payment.Entitlement
	currentErr error

	purchaseResult payment.Entitlement
	purchaseErr    error

	updates chan payment.Entitlement

	queryCalls    int
	finalizeCalls int
}

// NewPaymentAuthority creates an empty scripted authority.
func NewPaymentAuthority() *PaymentAuthority {
	return &PaymentAuthority{updates: make(chan payment.Entitlement, 8)}
}

// SetCurrent scripts the point-in-time query result.
func (p *PaymentAuthority) SetCurrent(ents ...payment.Entitlement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = ents
	p.currentErr = nil
}

// FailCurrent scripts the point-in-time query to fail.
func (p *PaymentAuthority) FailCurrent(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentErr = err
}

// SetPurchase scripts the purchase result.
func (p *PaymentAuthority) SetPurchase(ent payment.Entitlement, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purchaseResult = ent
	p.purchaseErr = err
}

// Push emits one entitlement on the live update feed.
func (p *PaymentAuthority) Push(ent payment.Entitlement) {
	p.updates <- ent
}

func (p *PaymentAuthority) CurrentEntitlements(ctx context.Context) ([]payment.Entitlement, error) {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCalls++
	if p.currentErr != nil {
		return nil, p.currentErr
	}
	out := make([]payment.Entitlement, len(p.current))
	copy(out, p.current)
	return out, nil
}

func (p *PaymentAuthority) Updates(ctx context.Context) (<-chan payment.Entitlement, error) {
	_ = ctx
	return p.updates, nil
}

func (p *PaymentAuthority) Purchase(ctx context.Context, productID string) (payment.Entitlement, error) {
	_ = ctx
	_ = productID
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.purchaseErr != nil {
		return payment.Entitlement{}, p.purchaseErr
	}
	// A completed purchase also shows up in later point-in-time queries.
	p.current = append(p.current, p.purchaseResult)
	return p.purchaseResult, nil
}

func (p *PaymentAuthority) Finalize(ctx context.Context, productID string) error {
	_ = ctx
	_ = productID
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalizeCalls++
	return nil
}

// QueryCount reports how many point-in-time queries ran.
func (p *PaymentAuthority) QueryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryCalls
}

// FinalizeCount reports how many transactions were finalized.
func (p *PaymentAuthority) FinalizeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finalizeCalls
}
