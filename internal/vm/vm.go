package vm

import (
	"c0vm/internal/loader"

	"go.uber.org/zap"
)

// VM is one execution of a Program Image. It owns the heap for the
// lifetime of the run and holds the suspended call stack plus the
// currently-executing frame; all of this is released together when
// the VM value is dropped, since nothing outside of a frame's own
// fields references its operand stack or locals.
type VM struct {
	image   *loader.Image
	natives NativeTable
	heap    *Heap
	calls   *callStack
	cur     *frame
	log     *zap.SugaredLogger
}

// Option configures a VM at construction time.
type Option func(*VM)

// WithNatives installs the native-function table bytecode calls
// through INVOKENATIVE. Omitting it leaves the table empty; any
// INVOKENATIVE against an empty table faults.
func WithNatives(nt NativeTable) Option {
	return func(v *VM) { v.natives = nt }
}

// WithLogger installs a structured logger for optional trace output.
// Omitting it is equivalent to a no-op logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(v *VM) { v.log = log }
}

// New builds a VM ready to execute image starting at function 0, the
// entry point, invoked with zero arguments.
func New(image *loader.Image, opts ...Option) *VM {
	v := &VM{
		image: image,
		heap:  newHeap(image.StringPool),
		calls: newCallStack(),
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(v)
	}
	entry := image.FunctionPool[0]
	v.cur = newFrame(entry.Code, int(entry.NumVars))
	return v
}

// Run drives the dispatch loop to completion and returns the final
// top-of-stack value as a 32-bit integer, or the Fault that aborted
// execution.
func (v *VM) Run() (int32, *Fault) {
	for {
		result, done, fault := v.step()
		if fault != nil {
			return 0, fault
		}
		if done {
			return result, nil
		}
	}
}
