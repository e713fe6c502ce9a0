package feed

import (
	"fmt"
	"time"
)

const (
	sessionOpenMinute  = 9*60 + 30
	sessionCloseMinute = 16 * 60
)

// sessionFilter clips intraday bars to the regular NYSE session,
// 09:30-16:00 America/New_York. Daily bars pass through untouched.
type sessionFilter struct {
	loc      *time.Location
	intraday bool
}

func newSessionFilter(intraday bool) (*sessionFilter, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange timezone: %w", err)
	}
	return &sessionFilter{loc: loc, intraday: intraday}, nil
}

// Keep reports whether the bar timestamp falls inside the trading session.
// The timestamp is the bucket open, so the last kept minute bar is 15:59.
func (f *sessionFilter) Keep(t time.Time) bool {
	if !f.intraday {
		return true
	}
	local := t.In(f.loc)
	minute := local.Hour()*60 + local.Minute()
	return minute >= sessionOpenMinute && minute < sessionCloseMinute
}

// SameSession reports whether two timestamps belong to the same exchange
// day. Resample buckets never straddle a session boundary.
func (f *sessionFilter) SameSession(a, b time.Time) bool {
	la, lb := a.In(f.loc), b.In(f.loc)
	ya, ma, da := la.Date()
	yb, mb, db := lb.Date()
	return ya == yb && ma == mb && da == db
}
