// Package subgin gates HTTP handlers on the reconciliation engine's session
// state, for server-side embedders that front the engine with gin.
package subgin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/open-rails/subkit/entitlement"
)

// SessionProvider yields the current session state. *engine.Engine
// satisfies it.
type SessionProvider interface {
	Snapshot() entitlement.SessionState
}

// SessionView is the JSON shape handlers return for the session state.
type SessionView struct {
	SignedIn  bool   `json:"signed_in"`
	AccountID string `json:"account_id,omitempty"`
	Entitled  bool   `json:"entitled"`
	ExpiresAt string `json:"expires_at,omitempty"`

	// Provisional marks a cache-sourced grant no live authority has
	// confirmed yet. Callers must not treat it as final.
	Provisional bool   `json:"provisional,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// NewSessionView projects a session state into its JSON shape.
func NewSessionView(st entitlement.SessionState) SessionView {
	v := SessionView{
		SignedIn:    st.Identity.SignedIn,
		AccountID:   st.Identity.AccountID,
		Entitled:    st.Entitled,
		Provisional: st.Pending,
		LastError:   string(st.LastError),
	}
	if st.Expiry != nil {
		v.ExpiresAt = st.Expiry.UTC().Format(time.RFC3339)
	}
	return v
}

// RequireEntitlement aborts with 402 when the session is not entitled.
// Provisional grants pass: blocking the UI on a cold start is exactly the
// flicker the cache exists to avoid.
func RequireEntitlement(p SessionProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		st := p.Snapshot()
		if !st.Entitled {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error": "subscription required",
			})
			return
		}
		c.Next()
	}
}

// StateHandler serves the current session state.
func StateHandler(p SessionProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, NewSessionView(p.Snapshot()))
	}
}
