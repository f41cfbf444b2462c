package hookgen

import (
	"sync"

	"go.uber.org/zap"

	"github.com/k2io/hookgen/internal/arena"
	sym "github.com/k2io/hookgen/internal/objSymbols"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
	isDebug    = false
)

// SetDebug turns on per-phase codegen logging and trampoline listings.
func SetDebug(x bool) {
	isDebug = x
}

// Logger returns the package logger. It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the logger of this package and its internal packages.
// It must be called before any hook is compiled or installed.
func SetLogger(l *zap.Logger) {
	logger = l
	arena.SetLogger(l.Named("arena"))
	sym.SetLogger(l.Named("symbols"))
}
