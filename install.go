package hookgen

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/k2io/hookgen/internal/ffi"
)

// Compile generates req's trampoline with the context's configuration.
func (c *Context) Compile(req *HookRequest) (*Trampoline, error) {
	return Compile(req, c.cfg)
}

// Install compiles req and redirects its original entry to the trampoline.
// Either the hook is completely installed or nothing is.
func (c *Context) Install(req *HookRequest) (*Hook, error) {
	if req != nil && req.Original.Entry == 0 {
		return nil, &ValidationError{Call: -1, Param: -1, Err: ErrNoAddress, Reason: "original function has no entry"}
	}
	t, err := c.Compile(req)
	if err != nil {
		return nil, err
	}
	target := req.Original.Entry

	c.lock.Lock()
	if _, ok := c.hooks[target]; ok {
		c.lock.Unlock()
		return nil, ErrDoubleHook
	}
	// reserve the bucket so a concurrent Install of the same target fails
	c.hooks[target] = nil
	c.lock.Unlock()

	h, err := c.install(target, t)

	c.lock.Lock()
	if err != nil {
		delete(c.hooks, target)
	} else {
		c.hooks[target] = h
	}
	c.lock.Unlock()
	return h, err
}

func (c *Context) install(target uintptr, t *Trampoline) (*Hook, error) {
	name := t.req.Original.Sig.Name
	region, err := c.cfg.Arena.Reserve(t.Size())
	if err != nil {
		return nil, fmt.Errorf("hookgen: reserve trampoline for %s: %w", name, err)
	}

	var handle Handle
	if p, ok := c.cfg.Installer.(Preparer); ok {
		if handle, err = p.Prepare(target); err != nil {
			return nil, fmt.Errorf("hookgen: prepare %s: %w", name, err)
		}
		if err := t.copyTo(region.Words, handle.OriginalEntry()); err != nil {
			return nil, fmt.Errorf("hookgen: flush %s: %w", name, err)
		}
		region.Commit()
		if err := p.Redirect(handle, region.Addr); err != nil {
			return nil, fmt.Errorf("hookgen: install %s: %w", name, err)
		}
	} else {
		if handle, err = c.cfg.Installer.Install(target, region.Addr); err != nil {
			return nil, fmt.Errorf("hookgen: install %s: %w", name, err)
		}
		// The target already jumps into region. copyTo cannot fail here:
		// Compile resolved the same stream and Reserve sized region to it.
		if err := t.copyTo(region.Words, handle.OriginalEntry()); err != nil {
			return nil, fmt.Errorf("hookgen: flush %s: %w", name, err)
		}
		region.Commit()
	}
	orig := handle.OriginalEntry()
	c.cfg.Logger.Info("hook installed",
		zap.String("function", name),
		zap.Uintptr("target", target),
		zap.Uintptr("trampoline", region.Addr),
		zap.Int("words", t.Size()),
		zap.Int("calls", len(t.req.Calls)))
	return &Hook{
		Target:     target,
		Trampoline: region.Addr,
		Original:   ffi.New(orig, t.req.Original.Sig),
		Words:      t.Size(),
		handle:     handle,
	}, nil
}
