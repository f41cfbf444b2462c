package hookgen

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/k2io/hookgen/internal/arena"
	"github.com/k2io/hookgen/internal/ffi"
)

var (
	// ErrDoubleHook means already hooked
	ErrDoubleHook = errors.New("double hook")
	// ErrHookNotFound means the hook not found
	ErrHookNotFound = errors.New("hook not found")
	// ErrInputType means the input is not a usable func type
	ErrInputType = errors.New("input is not a static func type")
	// ErrRelativeAddr means the displaced entry cannot be relocated
	ErrRelativeAddr = errors.New("relative address in instruction")
	// ErrUnsupportedArch means inline hooks cannot be installed on this platform
	ErrUnsupportedArch = errors.New("inline hooks need linux or darwin on arm64")
)

// Hook is an installed trampoline.
type Hook struct {
	// Target is the hooked entry point.
	Target uintptr
	// Trampoline is the generated code the target now jumps to.
	Trampoline uintptr
	// Original calls the behaviour of the target as it was before hooking.
	Original ffi.Func
	// Words is the trampoline size including its literal pool.
	Words int

	handle Handle
}

// Handle is the installer's record of the redirection.
func (h *Hook) Handle() Handle { return h.handle }

// Config controls a Context.
type Config struct {
	// MinOutgoingStack is the least stack space, in bytes, reserved for
	// arguments of nested calls.
	MinOutgoingStack int
	// Installer redirects hooked entries. Defaults to an InlineInstaller
	// sharing the context's arena.
	Installer Installer
	// Arena supplies executable memory. Defaults to a fresh arena.
	Arena *arena.Arena
	// Logger defaults to the package logger.
	Logger *zap.Logger
}

// Context owns the executable arena and the installed hooks.
type Context struct {
	cfg Config
	// hooks applied with target addresses as keys
	hooks map[uintptr]*Hook
	// protect the hooks map
	lock sync.Mutex
}

// NewContext returns a context using cfg.
func NewContext(cfg Config) *Context {
	if cfg.Arena == nil {
		cfg.Arena = arena.New()
	}
	if cfg.Installer == nil {
		cfg.Installer = NewInlineInstaller(cfg.Arena)
	}
	if cfg.Logger == nil {
		cfg.Logger = Logger()
	}
	return &Context{cfg: cfg, hooks: make(map[uintptr]*Hook)}
}

var (
	defaultCtx     *Context
	defaultCtxOnce sync.Once
)

// Default returns the process-wide context, creating it on first use.
func Default() *Context {
	defaultCtxOnce.Do(func() {
		defaultCtx = NewContext(Config{})
	})
	return defaultCtx
}

// Install compiles req and installs it in the default context.
func Install(req *HookRequest) (*Hook, error) {
	return Default().Install(req)
}

// Lookup returns the hook installed on target.
func (c *Context) Lookup(target uintptr) (*Hook, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	h := c.hooks[target]
	if h == nil {
		return nil, ErrHookNotFound
	}
	return h, nil
}

// Hooks is the number of live hooks.
func (c *Context) Hooks() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for _, h := range c.hooks {
		if h != nil {
			n++
		}
	}
	return n
}
