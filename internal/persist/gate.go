package persist

import (
	"log/slog"
	"sync"
)

// Gate guards local mutations behind write permission. When permission
// goes from false to true the view is rebuilt from the document and
// transient UI state is cleared before CanWrite reports true.
type Gate struct {
	rebuild func()
	clearUI func()
	logger  *slog.Logger

	mu       sync.Mutex
	writable bool
}

// NewGate creates a read-only gate. rebuild and clearUI may be nil and
// must not call back into the gate.
func NewGate(rebuild, clearUI func(), logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{rebuild: rebuild, clearUI: clearUI, logger: logger}
}

// SetWritable updates write permission.
func (g *Gate) SetWritable(writable bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if writable && !g.writable {
		if g.rebuild != nil {
			g.rebuild()
		}
		if g.clearUI != nil {
			g.clearUI()
		}
		g.logger.Debug("write access granted, view rebuilt")
	}
	g.writable = writable
}

// CanWrite reports whether local mutations are allowed. It blocks while a
// promotion rebuild is in progress.
func (g *Gate) CanWrite() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writable
}
