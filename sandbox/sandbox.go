// Package sandbox executes user-supplied code strings in an embedded
// JavaScript interpreter with no host capabilities. Each run gets a fresh
// runtime, so prototype mutations never leak between runs or into the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/dop251/goja"

	"github.com/flowstack-io/flowstack/core"
)

// Runner executes a code string with exactly one input value and returns
// its result. An undefined return is propagated as nil.
type Runner interface {
	Run(ctx context.Context, code string, input interface{}) (interface{}, error)
}

// Config bounds a sandbox run.
type Config struct {
	// Timeout is the hard wall-clock cap per run. A tighter context
	// deadline wins.
	Timeout time.Duration
	// MemoryLimitBytes caps heap growth during a run. Enforcement is
	// best-effort via a sampling watchdog.
	MemoryLimitBytes int64
	// MaxCallStackSize bounds interpreter recursion depth.
	MaxCallStackSize int
}

// DefaultConfig returns the engine defaults: 30s wall clock, 128 MB heap
// growth.
func DefaultConfig() Config {
	return Config{
		Timeout:          30 * time.Second,
		MemoryLimitBytes: 128 * 1024 * 1024,
		MaxCallStackSize: 10_000,
	}
}

// GojaRunner is the embedded-interpreter Runner.
type GojaRunner struct {
	cfg    Config
	logger core.Logger
}

// NewRunner creates a runner. Zero config fields fall back to defaults.
func NewRunner(cfg Config, logger core.Logger) *GojaRunner {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MemoryLimitBytes <= 0 {
		cfg.MemoryLimitBytes = def.MemoryLimitBytes
	}
	if cfg.MaxCallStackSize <= 0 {
		cfg.MaxCallStackSize = def.MaxCallStackSize
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &GojaRunner{cfg: cfg, logger: logger}
}

var _ Runner = (*GojaRunner)(nil)

// interrupt markers distinguishing why the VM was stopped.
type interruptReason string

const (
	interruptTimeout   interruptReason = "timeout"
	interruptCancelled interruptReason = "cancelled"
	interruptMemory    interruptReason = "memory"
)

const memoryWatchInterval = 50 * time.Millisecond

// Run compiles and executes the code. Syntax errors surface as
// VALIDATION_FAILED, runtime exceptions as EXECUTION_FAILED, wall-clock or
// deadline breaches as TIMEOUT, memory breaches as RESOURCE_EXHAUSTED, and
// context cancellation as EXECUTION_CANCELLED.
func (r *GojaRunner) Run(ctx context.Context, code string, input interface{}) (interface{}, error) {
	program, err := goja.Compile("sandbox", code, false)
	if err != nil {
		return nil, core.WrapError(core.KindValidationFailed, "code does not compile", err)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(r.cfg.MaxCallStackSize)
	r.hardenGlobals(vm)
	r.installConsole(vm)

	timeout := r.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}

	done := make(chan struct{})
	defer close(done)
	go r.watchdog(ctx, vm, timeout, done)

	result, err := r.execute(vm, program, input)
	if err != nil {
		return nil, r.adaptRunError(err, timeout)
	}
	return result, nil
}

// execute runs the program and, if it yields or defines a function, calls
// it with the input.
func (r *GojaRunner) execute(vm *goja.Runtime, program *goja.Program, input interface{}) (interface{}, error) {
	value, err := vm.RunProgram(program)
	if err != nil {
		return nil, err
	}

	fn, ok := goja.AssertFunction(value)
	if !ok {
		fn, ok = r.lookupEntrypoint(vm)
	}
	if ok {
		value, err = fn(goja.Undefined(), vm.ToValue(input))
		if err != nil {
			return nil, err
		}
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// lookupEntrypoint finds a conventional entry function defined by the code.
func (r *GojaRunner) lookupEntrypoint(vm *goja.Runtime) (goja.Callable, bool) {
	for _, name := range []string{"handler", "main", "run"} {
		if fn, ok := goja.AssertFunction(vm.GlobalObject().Get(name)); ok {
			return fn, true
		}
	}
	return nil, false
}

// hardenGlobals removes the escape hatches reachable from user code.
// Fresh goja runtimes have no host bindings, so this only needs to cover
// the language-level ones.
func (r *GojaRunner) hardenGlobals(vm *goja.Runtime) {
	global := vm.GlobalObject()
	for _, name := range []string{"eval", "Function", "require", "globalThis"} {
		_ = global.Delete(name)
	}
}

// installConsole provides a console whose output goes to the engine log.
func (r *GojaRunner) installConsole(vm *goja.Runtime) {
	log := func(level string) func(args ...goja.Value) {
		return func(args ...goja.Value) {
			parts := make([]interface{}, 0, len(args))
			for _, a := range args {
				parts = append(parts, a.Export())
			}
			r.logger.Debug("Sandbox console output", map[string]interface{}{
				"operation": "sandbox_console",
				"level":     level,
				"args":      fmt.Sprint(parts...),
			})
		}
	}
	console := vm.NewObject()
	_ = console.Set("log", log("log"))
	_ = console.Set("info", log("info"))
	_ = console.Set("warn", log("warn"))
	_ = console.Set("error", log("error"))
	_ = vm.Set("console", console)
}

// watchdog interrupts the VM on timeout, cancellation, or heap growth past
// the limit.
func (r *GojaRunner) watchdog(ctx context.Context, vm *goja.Runtime, timeout time.Duration, done <-chan struct{}) {
	var base runtime.MemStats
	runtime.ReadMemStats(&base)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(memoryWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				vm.Interrupt(interruptTimeout)
			} else {
				vm.Interrupt(interruptCancelled)
			}
			return
		case <-timer.C:
			vm.Interrupt(interruptTimeout)
			return
		case <-ticker.C:
			var now runtime.MemStats
			runtime.ReadMemStats(&now)
			if now.HeapAlloc > base.HeapAlloc &&
				int64(now.HeapAlloc-base.HeapAlloc) > r.cfg.MemoryLimitBytes {
				vm.Interrupt(interruptMemory)
				return
			}
		}
	}
}

// adaptRunError maps goja failures onto the engine taxonomy.
func (r *GojaRunner) adaptRunError(err error, timeout time.Duration) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch reason, _ := interrupted.Value().(interruptReason); reason {
		case interruptCancelled:
			return core.NewCancelledError("sandbox run cancelled")
		case interruptMemory:
			return core.NewError(core.KindResourceExhausted, "sandbox exceeded memory limit")
		default:
			return core.NewTimeoutError("sandbox run timed out", timeout.Milliseconds())
		}
	}

	var stackOverflow *goja.StackOverflowError
	if errors.As(err, &stackOverflow) {
		return core.NewError(core.KindResourceExhausted, "sandbox exceeded call stack limit")
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return core.WrapError(core.KindExecutionFailed, "code raised an error", err)
	}

	return core.WrapError(core.KindExecutionFailed, "sandbox run failed", err)
}
