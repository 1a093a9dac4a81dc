package audit

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	enabled bool
	logger  = zap.NewNop().Sugar()
)

// Configure sets the destination logger and whether audit records are emitted.
func Configure(log *zap.SugaredLogger, on bool) {
	mu.Lock()
	defer mu.Unlock()
	if log != nil {
		logger = log.Named("audit")
	}
	enabled = on
}

// Set toggles audit output without replacing the logger.
func Set(on bool) {
	mu.Lock()
	enabled = on
	mu.Unlock()
}

// Enabled reports whether audit records are emitted.
func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return enabled
}

// Log records an administrative action when auditing is enabled.
func Log(action string, keysAndValues ...any) {
	mu.RLock()
	on, log := enabled, logger
	mu.RUnlock()
	if !on {
		return
	}
	log.Infow("[AUDIT] "+action, keysAndValues...)
}
