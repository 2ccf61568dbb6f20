// Package loader parses a compiled C0VM module into the in-memory
// program image the engine executes. The engine only ever sees the
// validated Image; the on-disk format stays contained here.
package loader

import (
	"encoding/binary"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// LoadFile reads and parses the module at path.
func LoadFile(path string, log *zap.SugaredLogger) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module %s: %w", path, err)
	}
	return Load(data, log)
}

// FunctionInfo describes one entry of the function pool: how many
// arguments it takes, how many local variable slots its frame needs,
// and its code body.
type FunctionInfo struct {
	NumArgs uint8
	NumVars uint8
	Code    []byte
}

// NativeInfo describes one entry of the native pool: how many
// arguments the native expects and which slot of the host's
// NativeTable implements it.
type NativeInfo struct {
	NumArgs          uint16
	FunctionTableIdx uint16
}

// Image is the immutable, validated Program Image. Once returned from
// Load it is never mutated; it outlives every Activation Frame built
// from it.
type Image struct {
	IntPool      []int32
	StringPool   []byte
	FunctionPool []FunctionInfo
	NativePool   []NativeInfo
}

const magic = 0xC0C0FFEE

// Load parses the binary module at the given bytes into an Image,
// validating that every pool's declared count matches the bytes
// actually present and that function/native code lengths are
// internally consistent. It does not perform bytecode verification
// beyond these structural checks: opcode semantics and operand-stack
// well-formedness are the engine's responsibility at runtime, not the
// loader's at load time.
func Load(data []byte, log *zap.SugaredLogger) (*Image, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &reader{data: data}

	got, err := r.u32()
	if err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if got != magic {
		return nil, fmt.Errorf("bad magic: got %#x want %#x", got, magic)
	}

	intCount, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("reading int_count: %w", err)
	}
	intPool := make([]int32, intCount)
	for i := range intPool {
		v, err := r.u32()
		if err != nil {
			return nil, fmt.Errorf("reading int_pool[%d]: %w", i, err)
		}
		intPool[i] = int32(v)
	}
	log.Debugw("loaded int pool", "count", intCount)

	stringCount, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("reading string_count: %w", err)
	}
	stringPool, err := r.bytes(int(stringCount))
	if err != nil {
		return nil, fmt.Errorf("reading string_pool: %w", err)
	}

	fnCount, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("reading function_count: %w", err)
	}
	functionPool := make([]FunctionInfo, fnCount)
	for i := range functionPool {
		numArgs, err := r.u8()
		if err != nil {
			return nil, fmt.Errorf("reading function_pool[%d].num_args: %w", i, err)
		}
		numVars, err := r.u8()
		if err != nil {
			return nil, fmt.Errorf("reading function_pool[%d].num_vars: %w", i, err)
		}
		codeLen, err := r.u16()
		if err != nil {
			return nil, fmt.Errorf("reading function_pool[%d].code_length: %w", i, err)
		}
		code, err := r.bytes(int(codeLen))
		if err != nil {
			return nil, fmt.Errorf("reading function_pool[%d].code: %w", i, err)
		}
		functionPool[i] = FunctionInfo{NumArgs: numArgs, NumVars: numVars, Code: code}
	}
	if fnCount == 0 {
		return nil, fmt.Errorf("program image has no functions (entry point function_pool[0] is required)")
	}
	log.Debugw("loaded function pool", "count", fnCount)

	natCount, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("reading native_count: %w", err)
	}
	nativePool := make([]NativeInfo, natCount)
	for i := range nativePool {
		numArgs, err := r.u16()
		if err != nil {
			return nil, fmt.Errorf("reading native_pool[%d].num_args: %w", i, err)
		}
		tableIdx, err := r.u16()
		if err != nil {
			return nil, fmt.Errorf("reading native_pool[%d].function_table_index: %w", i, err)
		}
		nativePool[i] = NativeInfo{NumArgs: numArgs, FunctionTableIdx: tableIdx}
	}
	log.Debugw("loaded native pool", "count", natCount)

	return &Image{
		IntPool:      intPool,
		StringPool:   stringPool,
		FunctionPool: functionPool,
		NativePool:   nativePool,
	}, nil
}

// reader is a small cursor over the module bytes. It is not exported;
// callers only ever see the validated Image.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) u8() (uint8, error) {
	if r.pos+1 > len(r.data) {
		return 0, fmt.Errorf("unexpected end of module at byte %d", r.pos)
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmt.Errorf("unexpected end of module at byte %d", r.pos)
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("unexpected end of module at byte %d", r.pos)
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, fmt.Errorf("unexpected end of module at byte %d (need %d more)", r.pos, n)
	}
	v := r.data[r.pos : r.pos+n]
	r.pos += n
	return v, nil
}
