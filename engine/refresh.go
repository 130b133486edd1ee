package engine

import (
	"context"

	"github.com/robfig/cron/v3"
)

// cronRunner is the subset of cron.Cron the engine uses.
type cronRunner interface {
	Start()
	Stop() context.Context
}

// startRefresh arms the periodic server status check, if configured.
// Refreshes are skipped while a sign-in flow is mid-flight so the periodic
// query cannot race the flow's own queries.
func (e *Engine) startRefresh(ctx context.Context) {
	if e.refresh == "" {
		return
	}
	c := cron.New()
	_, err := c.AddFunc(e.refresh, func() {
		st := e.Snapshot()
		if st.PendingSignIn || !st.Identity.SignedIn {
			return
		}
		if _, err := e.CheckStatus(ctx); err != nil {
			e.log.WithError(err).Debug("scheduled status check failed")
		}
	})
	if err != nil {
		e.log.WithError(err).Warn("invalid refresh schedule")
		return
	}
	c.Start()
	e.cron = c
}

func (e *Engine) stopRefresh() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
}
