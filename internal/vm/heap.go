package vm

import "encoding/binary"

// kind distinguishes the three producers of heap storage.
type kind uint8

const (
	kindBlock kind = iota
	kindArray
	kindString
)

// object is one heap-resident allocation. Arrays additionally carry
// an element size so AADDS can compute byte offsets; string-pool
// objects alias an immutable region owned by the Program Image rather
// than allocating their own bytes.
type object struct {
	k       kind
	bytes   []byte // block/array backing storage; nil for string refs
	eltSize int    // array element size; unused otherwise
	count   int32  // array element count; unused otherwise
	str     []byte // string-pool backing storage, shared, never mutated
	refs    map[uint32]Ptr // AMSTORE-written pointer cells, keyed by byte offset
}

// Ptr is a heap reference: a handle into the Heap's object table plus
// a byte offset into that object's storage. A pair rather than a raw
// machine pointer keeps interior pointers (produced by AADDF/AADDS)
// memory-safe and platform-independent instead of punning a 32-bit
// pointer onto a 64-bit host address space.
//
// The zero Ptr is Null: object index 0 is never allocated by NEW or
// NEWARRAY (the Heap reserves it), so handle==0 unambiguously means
// null regardless of offset.
type Ptr struct {
	handle uint32
	offset uint32
}

// Null is the distinguished null pointer value.
var Null = Ptr{}

// IsNull reports whether p is the null pointer.
func (p Ptr) IsNull() bool {
	return p.handle == 0
}

// Heap owns every allocation made during a single run. There is no
// collector and no free: allocations are retained until the engine
// itself is discarded.
type Heap struct {
	objects []object
	strings []byte // raw string_pool bytes from the Program Image
	strObj  uint32 // object-table slot of the string pool; 0 until first used
}

func newHeap(stringPool []byte) *Heap {
	h := &Heap{
		objects: make([]object, 1, 64), // index 0 reserved so Ptr{} == Null
		strings: stringPool,
	}
	return h
}

// NewBlock allocates a zero-initialized byte buffer of size s and
// returns a pointer to its base.
func (h *Heap) NewBlock(s int) Ptr {
	idx := uint32(len(h.objects))
	h.objects = append(h.objects, object{k: kindBlock, bytes: make([]byte, s)})
	return Ptr{handle: idx}
}

// NewArray allocates a zero-initialized array header of count elements
// of size eltSize and returns a pointer to its base.
func (h *Heap) NewArray(eltSize int, count int32) Ptr {
	idx := uint32(len(h.objects))
	h.objects = append(h.objects, object{
		k:       kindArray,
		bytes:   make([]byte, int(count)*eltSize),
		eltSize: eltSize,
		count:   count,
	})
	return Ptr{handle: idx}
}

// StringRef returns a pointer into the immutable string pool at byte
// offset i. Bounds are checked by ALDC's dispatch case before this is
// called; the object table carries a dedicated string-pool entry so
// string pointers participate in the same handle+offset addressing as
// any other heap reference.
func (h *Heap) StringRef(i uint16) Ptr {
	if h.strObj == 0 {
		h.strObj = uint32(len(h.objects))
		h.objects = append(h.objects, object{k: kindString, str: h.strings})
	}
	return Ptr{handle: h.strObj, offset: uint32(i)}
}

// ArrayLength returns the element count of the array p designates,
// faulting if p is null or does not reference an array.
func (h *Heap) ArrayLength(p Ptr) (int32, *Fault) {
	obj, f := h.resolveObject(p, "arraylength")
	if f != nil {
		return 0, f
	}
	if obj.k != kindArray {
		return 0, memoryFault("arraylength: not an array")
	}
	return obj.count, nil
}

// AddField returns an interior pointer offset f bytes into the block p
// designates (AADDF). Interior pointers remain valid for the lifetime
// of the container since the container is never freed.
func (h *Heap) AddField(p Ptr, f uint8) (Ptr, *Fault) {
	_, fault := h.resolveObject(p, "aaddf")
	if fault != nil {
		return Ptr{}, fault
	}
	return Ptr{handle: p.handle, offset: p.offset + uint32(f)}, nil
}

// AddElement returns an interior pointer to element i of the array p
// designates (AADDS). Null is checked before bounds.
func (h *Heap) AddElement(p Ptr, i int32) (Ptr, *Fault) {
	obj, fault := h.resolveObject(p, "aadds")
	if fault != nil {
		return Ptr{}, fault
	}
	if obj.k != kindArray {
		return Ptr{}, memoryFault("aadds: not an array")
	}
	if i < 0 || i >= obj.count {
		return Ptr{}, memoryFault("aadds: not valid index")
	}
	off := p.offset + uint32(int(i)*obj.eltSize)
	return Ptr{handle: p.handle, offset: off}, nil
}

func (h *Heap) resolveObject(p Ptr, site string) (*object, *Fault) {
	if p.IsNull() {
		return nil, memoryFault(site + ": a is NULL")
	}
	if int(p.handle) >= len(h.objects) {
		return nil, memoryFault(site + ": invalid heap reference")
	}
	return &h.objects[p.handle], nil
}

func (h *Heap) backing(p Ptr) []byte {
	obj := &h.objects[p.handle]
	if obj.k == kindString {
		return obj.str
	}
	return obj.bytes
}

// LoadInt32 reads a little-endian signed 32-bit integer from p.
func (h *Heap) LoadInt32(p Ptr) (int32, *Fault) {
	_, f := h.resolveObject(p, "imload")
	if f != nil {
		return 0, f
	}
	buf := h.backing(p)
	if int(p.offset)+4 > len(buf) {
		return 0, memoryFault("imload: out of bounds")
	}
	return int32(binary.LittleEndian.Uint32(buf[p.offset:])), nil
}

// StoreInt32 writes a little-endian signed 32-bit integer to p.
func (h *Heap) StoreInt32(p Ptr, x int32) *Fault {
	_, f := h.resolveObject(p, "imstore")
	if f != nil {
		return f
	}
	buf := h.backing(p)
	if int(p.offset)+4 > len(buf) {
		return memoryFault("imstore: out of bounds")
	}
	binary.LittleEndian.PutUint32(buf[p.offset:], uint32(x))
	return nil
}

// LoadChar reads one byte at p, zero-extended then reinterpreted as a
// signed 7-bit host character, matching CMLOAD's char-value convention.
func (h *Heap) LoadChar(p Ptr) (int32, *Fault) {
	_, f := h.resolveObject(p, "cmload")
	if f != nil {
		return 0, f
	}
	buf := h.backing(p)
	if int(p.offset) >= len(buf) {
		return 0, memoryFault("cmload: out of bounds")
	}
	return int32(int8(buf[p.offset])), nil
}

// StoreChar narrows x to 7 bits and stores it at p, enforcing the
// ASCII-range constraint CMSTORE's contract requires.
func (h *Heap) StoreChar(p Ptr, x int32) *Fault {
	_, f := h.resolveObject(p, "cmstore")
	if f != nil {
		return f
	}
	buf := h.backing(p)
	if int(p.offset) >= len(buf) {
		return memoryFault("cmstore: out of bounds")
	}
	buf[p.offset] = byte(x & 0x7F)
	return nil
}

// LoadPtr reads an opaque heap reference stored at p (AMLOAD). The
// interior-pointer representation is not raw bytes, so reference cells
// are stored out-of-band from the byte buffer, keyed by (handle,
// offset) of the storage slot.
func (h *Heap) LoadPtr(p Ptr) (Ptr, *Fault) {
	obj, f := h.resolveObject(p, "amload")
	if f != nil {
		return Ptr{}, f
	}
	if obj.refs == nil {
		return Null, nil
	}
	return obj.refs[p.offset], nil
}

// StorePtr writes an opaque heap reference to p (AMSTORE).
func (h *Heap) StorePtr(p Ptr, v Ptr) *Fault {
	obj, f := h.resolveObject(p, "amstore")
	if f != nil {
		return f
	}
	if obj.refs == nil {
		obj.refs = make(map[uint32]Ptr)
	}
	obj.refs[p.offset] = v
	return nil
}
