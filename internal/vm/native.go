package vm

// NativeFunc is a host-provided callable reachable from bytecode via
// INVOKENATIVE. Natives receive their arguments already popped off the
// operand stack in left-to-right order, plus the invoking VM so they
// can dereference pointer arguments that reference heap or string-pool
// memory (e.g. a print_string native given a char* argument). Natives
// may themselves raise a Fault (e.g. a native that does file IO might
// report a memory fault on a bad handle).
type NativeFunc func(v *VM, args []Value) (Value, *Fault)

// NativeTable is the process-wide immutable vector of native
// callables indexed by NativeInfo.FunctionTableIdx. The engine never
// inspects or constructs one; it is supplied by the embedder at VM
// construction time.
type NativeTable []NativeFunc
