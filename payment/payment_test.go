package payment

import (
	"testing"
	"time"

	"github.com/open-rails/subkit/entitlement"
)

func TestEntitlementReportVerified(t *testing.T) {
	now := time.Now()
	exp := now.Add(30 * 24 * time.Hour)
	e := Entitlement{ProductID: "pro.monthly", ExpiresAt: &exp, Verified: true}

	rep := e.Report(now)
	if rep.Source != entitlement.SourceApple {
		t.Errorf("source = %q", rep.Source)
	}
	if !rep.Active {
		t.Error("verified entitlement must report active")
	}
	if rep.Expiry == nil || !rep.Expiry.Equal(exp) {
		t.Errorf("expiry = %v", rep.Expiry)
	}
}

func TestEntitlementReportUnverifiedFailsClosed(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Hour)
	e := Entitlement{ProductID: "pro.monthly", ExpiresAt: &exp, Verified: false}

	rep := e.Report(now)
	if rep.Active {
		t.Fatal("unverified entitlement must report inactive")
	}
	if rep.Expiry != nil {
		t.Fatal("unverified entitlement must not carry an expiry")
	}
}

func TestMatch(t *testing.T) {
	e := Entitlement{ProductID: "pro.monthly"}
	if !e.Match("pro.monthly") || e.Match("other") {
		t.Fatal("product filter broken")
	}
}
