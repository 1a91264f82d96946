package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FuncScheme prefixes references that resolve to registered in-process functions.
const FuncScheme = "func:"

// Func is an in-process unit. It runs on its own goroutine behind a panic
// boundary. A nil return is exit code 0; Exit(n) sets the code explicitly;
// any other error is reported as a fault followed by exit code 1.
type Func func(ctx context.Context, out *Emitter) error

// Emitter is what a Func uses to report messages and faults.
type Emitter struct {
	sink Sink
}

func (e *Emitter) Print(s string) { e.sink.Message([]byte(s)) }

func (e *Emitter) Printf(format string, args ...any) {
	e.sink.Message([]byte(fmt.Sprintf(format, args...)))
}

// JSON emits v marshaled as a single message.
func (e *Emitter) JSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.sink.Message(b)
	return nil
}

func (e *Emitter) Fault(err error) { e.sink.Fault(err) }

// FuncTable maps names to in-process units. It is a Runner for
// "func:<name>" references.
type FuncTable struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewFuncTable() *FuncTable {
	return &FuncTable{funcs: map[string]Func{}}
}

// Register adds fn under name, replacing any previous registration.
func (t *FuncTable) Register(name string, fn Func) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	t.mu.Lock()
	t.funcs[name] = fn
	t.mu.Unlock()
}

func (t *FuncTable) Lookup(name string) (Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.funcs[name]
	return fn, ok
}

func (t *FuncTable) Names() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.funcs))
	for n := range t.funcs {
		out = append(out, n)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Resolve reports whether ref names a registered function.
func (t *FuncTable) Resolve(ref string) error {
	name, ok := strings.CutPrefix(strings.TrimSpace(ref), FuncScheme)
	if !ok {
		return fmt.Errorf("%w: %q lacks %q prefix", ErrUnknownFunc, ref, FuncScheme)
	}
	if _, ok := t.Lookup(strings.TrimSpace(name)); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFunc, name)
	}
	return nil
}

func (t *FuncTable) Run(ctx context.Context, ref string, out Sink) int {
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(ref), FuncScheme))
	fn, ok := t.Lookup(name)
	if !ok {
		out.Fault(fmt.Errorf("%w: %q", ErrUnknownFunc, name))
		return ExitLaunchFailed
	}

	err := fn(ctx, &Emitter{sink: out})
	if err == nil {
		return 0
	}
	var ec exitCode
	if errors.As(err, &ec) {
		return int(ec)
	}
	out.Fault(err)
	return 1
}
