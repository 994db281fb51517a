package cloud

import (
	"sync/atomic"

	"github.com/safeops-dev/safeops/internal/core"
)

// Gate is the read-only safety switch consulted before every mutating call.
type Gate struct {
	readOnly atomic.Bool
}

// NewGate returns a gate in the given mode.
func NewGate(readOnly bool) *Gate {
	g := &Gate{}
	g.readOnly.Store(readOnly)
	return g
}

// ReadOnly reports whether mutating calls are blocked.
func (g *Gate) ReadOnly() bool {
	return g == nil || g.readOnly.Load()
}

// SetReadOnly flips the gate.
func (g *Gate) SetReadOnly(v bool) {
	g.readOnly.Store(v)
}

// Check returns an ActionBlocked error when the gate is closed. A nil gate is
// closed.
func (g *Gate) Check(provider core.Provider, action string) error {
	if g.ReadOnly() {
		return NewError(KindActionBlocked, provider, action, nil)
	}
	return nil
}
