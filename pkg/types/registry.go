// Package types provides the element-type registry that collectives,
// exchange patterns, and the distributed graph consult to learn how
// to serialize a Go value onto the wire. A type must be registered
// once, on every rank, before any collective or exchange operation is
// issued over it — mirroring a fixed-datatype message-passing layer,
// but built on Go generics instead of a closed enum of primitive
// kinds.
package types

import (
	"encoding/binary"
	"math"
	"reflect"
	"sync"

	"github.com/meshrt/meshrt/pkg/errors"
)

// Descriptor describes how to move a value of type T to and from the
// wire. Size is the fixed encoded width in bytes; Encode/Decode never
// allocate more than that width.
type Descriptor[T any] struct {
	Name   string
	Size   int
	Encode func(v T, dst []byte)
	Decode func(src []byte) T
}

// erasedDescriptor is the type-erased form stored in the registry.
type erasedDescriptor struct {
	name   string
	size   int
	encode func(v interface{}, dst []byte)
	decode func(src []byte) interface{}
}

// Registry maps reflect.Type to its Descriptor. Registration is
// idempotent and safe for concurrent use: the same type may be
// registered by every rank's init path without coordination.
type Registry struct {
	mu    sync.RWMutex
	descs map[reflect.Type]erasedDescriptor
}

// NewRegistry returns a Registry pre-populated with descriptors for
// every fixed-width primitive type the runtime ships built in.
func NewRegistry() *Registry {
	r := &Registry{descs: make(map[reflect.Type]erasedDescriptor)}
	registerBuiltins(r)
	return r
}

// Register adds (or silently confirms) a descriptor for T. Re-registering
// the same T with an identical Size is a no-op; registering the same T
// with a conflicting Size is an error.
func Register[T any](r *Registry, d Descriptor[T]) error {
	var zero T
	rt := reflect.TypeOf(zero)

	erased := erasedDescriptor{
		name: d.Name,
		size: d.Size,
		encode: func(v interface{}, dst []byte) {
			d.Encode(v.(T), dst)
		},
		decode: func(src []byte) interface{} {
			return d.Decode(src)
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.descs[rt]; ok {
		if existing.size != d.Size {
			return errors.Wrapf(errors.CodeUnregisteredType, nil,
				"type %v already registered with conflicting size (%d vs %d)", rt, existing.size, d.Size)
		}
		return nil
	}
	r.descs[rt] = erased
	return nil
}

// DescriptorFor looks up the descriptor for T, returning
// ErrUnregisteredType if none was registered.
func DescriptorFor[T any](r *Registry) (Descriptor[T], error) {
	var zero T
	rt := reflect.TypeOf(zero)

	r.mu.RLock()
	erased, ok := r.descs[rt]
	r.mu.RUnlock()
	if !ok {
		return Descriptor[T]{}, errors.Wrapf(errors.CodeUnregisteredType, nil, "type %v has no registered descriptor", rt)
	}
	return Descriptor[T]{
		Name: erased.name,
		Size: erased.size,
		Encode: func(v T, dst []byte) {
			erased.encode(v, dst)
		},
		Decode: func(src []byte) T {
			return erased.decode(src).(T)
		},
	}, nil
}

// Pack encodes a slice of T into a contiguous byte buffer using the
// registered descriptor for T.
func Pack[T any](r *Registry, vals []T) ([]byte, error) {
	d, err := DescriptorFor[T](r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, d.Size*len(vals))
	for i, v := range vals {
		d.Encode(v, buf[i*d.Size:(i+1)*d.Size])
	}
	return buf, nil
}

// Unpack decodes a contiguous byte buffer into a slice of T using the
// registered descriptor for T. buf's length must be a multiple of the
// descriptor's Size.
func Unpack[T any](r *Registry, buf []byte) ([]T, error) {
	d, err := DescriptorFor[T](r)
	if err != nil {
		return nil, err
	}
	if d.Size == 0 || len(buf)%d.Size != 0 {
		return nil, errors.Wrap(errors.CodeSizeMismatch, "buffer length not a multiple of element size", nil)
	}
	n := len(buf) / d.Size
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = d.Decode(buf[i*d.Size : (i+1)*d.Size])
	}
	return out, nil
}

// ElementSize returns the registered wire size of T, or an error if T
// is unregistered.
func ElementSize[T any](r *Registry) (int, error) {
	d, err := DescriptorFor[T](r)
	if err != nil {
		return 0, err
	}
	return d.Size, nil
}

func registerBuiltins(r *Registry) {
	_ = Register(r, Descriptor[int32]{
		Name: "int32", Size: 4,
		Encode: func(v int32, dst []byte) { binary.LittleEndian.PutUint32(dst, uint32(v)) },
		Decode: func(src []byte) int32 { return int32(binary.LittleEndian.Uint32(src)) },
	})
	_ = Register(r, Descriptor[int64]{
		Name: "int64", Size: 8,
		Encode: func(v int64, dst []byte) { binary.LittleEndian.PutUint64(dst, uint64(v)) },
		Decode: func(src []byte) int64 { return int64(binary.LittleEndian.Uint64(src)) },
	})
	_ = Register(r, Descriptor[uint32]{
		Name: "uint32", Size: 4,
		Encode: func(v uint32, dst []byte) { binary.LittleEndian.PutUint32(dst, v) },
		Decode: func(src []byte) uint32 { return binary.LittleEndian.Uint32(src) },
	})
	_ = Register(r, Descriptor[uint64]{
		Name: "uint64", Size: 8,
		Encode: func(v uint64, dst []byte) { binary.LittleEndian.PutUint64(dst, v) },
		Decode: func(src []byte) uint64 { return binary.LittleEndian.Uint64(src) },
	})
	_ = Register(r, Descriptor[float32]{
		Name: "float32", Size: 4,
		Encode: func(v float32, dst []byte) { binary.LittleEndian.PutUint32(dst, math.Float32bits(v)) },
		Decode: func(src []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(src)) },
	})
	_ = Register(r, Descriptor[float64]{
		Name: "float64", Size: 8,
		Encode: func(v float64, dst []byte) { binary.LittleEndian.PutUint64(dst, math.Float64bits(v)) },
		Decode: func(src []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(src)) },
	})
	_ = Register(r, Descriptor[byte]{
		Name: "byte", Size: 1,
		Encode: func(v byte, dst []byte) { dst[0] = v },
		Decode: func(src []byte) byte { return src[0] },
	})
	_ = Register(r, Descriptor[int]{
		Name: "int", Size: 8,
		Encode: func(v int, dst []byte) { binary.LittleEndian.PutUint64(dst, uint64(v)) },
		Decode: func(src []byte) int { return int(binary.LittleEndian.Uint64(src)) },
	})
	_ = Register(r, Descriptor[int8]{
		Name: "int8", Size: 1,
		Encode: func(v int8, dst []byte) { dst[0] = byte(v) },
		Decode: func(src []byte) int8 { return int8(src[0]) },
	})
	_ = Register(r, Descriptor[int16]{
		Name: "int16", Size: 2,
		Encode: func(v int16, dst []byte) { binary.LittleEndian.PutUint16(dst, uint16(v)) },
		Decode: func(src []byte) int16 { return int16(binary.LittleEndian.Uint16(src)) },
	})
	_ = Register(r, Descriptor[uint16]{
		Name: "uint16", Size: 2,
		Encode: func(v uint16, dst []byte) { binary.LittleEndian.PutUint16(dst, v) },
		Decode: func(src []byte) uint16 { return binary.LittleEndian.Uint16(src) },
	})
}
