package engine

import (
	"slices"

	"github.com/italolelis/offline_cache/internal/netmon"
)

// arbiter reduces raw connectivity events into a single "should auto-pause"
// decision, kept separate from the user's explicit pause intent so the two
// never clobber each other.
type arbiter struct {
	connected bool
	connType  string
	allowed   []string

	pausedByUser   bool
	wouldAutoPause bool
}

func newArbiter(allowed []string) arbiter {
	// Until the first connectivity report arrives, assume connected.
	return arbiter{connected: true, allowed: allowed}
}

// observe folds a connectivity event in and reports whether the auto-pause
// decision flipped.
func (a *arbiter) observe(st netmon.State) bool {
	a.connected = st.Connected
	a.connType = st.Type

	next := a.evaluate()
	changed := next != a.wouldAutoPause
	a.wouldAutoPause = next

	return changed
}

func (a *arbiter) evaluate() bool {
	if !a.connected {
		return true
	}

	if len(a.allowed) == 0 {
		return false
	}

	return !slices.Contains(a.allowed, a.connType)
}

// active reports whether transfers should currently be running.
func (a *arbiter) active() bool {
	return !a.pausedByUser && !a.wouldAutoPause
}

func (a *arbiter) reset() {
	a.pausedByUser = false
	a.wouldAutoPause = false
	a.connected = true
	a.connType = ""
}
