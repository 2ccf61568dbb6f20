// Package natives supplies the small, fixed native-function table the
// CLI driver wires into the engine. The execution core treats native
// semantics as opaque, so the table is the embedder's choice; this one
// covers the handful of IO primitives a C0 program typically links
// against (print an integer, print a string, read a character) so
// compiled modules have something to call.
package natives

import (
	"bufio"
	"fmt"
	"io"

	"go.uber.org/zap"

	"c0vm/internal/vm"
)

// Index assignments a compiled module's native_pool entries are
// expected to reference by function_table_index.
const (
	PrintInt    = 0
	PrintString = 1
	ReadChar    = 2
)

// New builds the fixed native table used by cmd/c0vm, writing to out
// and reading from in. log receives one Debugw entry per call that
// produces its normal result (a faulting call, or read_char at end of
// input, logs nothing), the same diagnostic channel internal/vm and
// internal/loader use.
func New(out io.Writer, in io.Reader, log *zap.SugaredLogger) vm.NativeTable {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	reader := bufio.NewReader(in)

	table := make(vm.NativeTable, 3)
	table[PrintInt] = func(_ *vm.VM, args []vm.Value) (vm.Value, *vm.Fault) {
		n, fault := requireInt(args, 0, "print_int")
		if fault != nil {
			return vm.Value{}, fault
		}
		fmt.Fprintln(out, n)
		log.Debugw("native call", "name", "print_int", "arg", n)
		return vm.IntVal(0), nil
	}
	table[PrintString] = func(machine *vm.VM, args []vm.Value) (vm.Value, *vm.Fault) {
		s, fault := requireString(machine, args, 0, "print_string")
		if fault != nil {
			return vm.Value{}, fault
		}
		fmt.Fprint(out, s)
		log.Debugw("native call", "name", "print_string", "arg", s)
		return vm.IntVal(0), nil
	}
	table[ReadChar] = func(_ *vm.VM, _ []vm.Value) (vm.Value, *vm.Fault) {
		r, _, err := reader.ReadRune()
		if err != nil {
			return vm.IntVal(-1), nil
		}
		log.Debugw("native call", "name", "read_char", "result", r)
		return vm.IntVal(int32(r)), nil
	}
	return table
}

func requireInt(args []vm.Value, i int, site string) (int32, *vm.Fault) {
	if i >= len(args) {
		return 0, vm.NewFault(vm.FaultMemory, site+": missing argument")
	}
	return args[i].AsInt()
}

func requireString(machine *vm.VM, args []vm.Value, i int, site string) (string, *vm.Fault) {
	if i >= len(args) {
		return "", vm.NewFault(vm.FaultMemory, site+": missing argument")
	}
	p, fault := args[i].AsPtr()
	if fault != nil {
		return "", fault
	}
	return machine.ReadCString(p)
}
