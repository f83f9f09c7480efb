package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// FromInt32s builds a host int32 tensor. The element count of shape must
// equal len(vals).
func FromInt32s(shape []int64, vals []int32) (*Tensor, error) {
	if _, err := validate(Int32, shape, HostLocation); err != nil {
		return nil, err
	}
	if n, _ := elements(shape); n != int64(len(vals)) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrSizeMismatch, len(vals), shape)
	}
	buf := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
	}
	return &Tensor{dtype: Int32, shape: append([]int64(nil), shape...), loc: HostLocation, data: buf}, nil
}

// FromFloat32s builds a host floating point tensor of type dt (FP32, FP16 or
// BF16), rounding the values as needed.
func FromFloat32s(dt DataType, shape []int64, vals []float32) (*Tensor, error) {
	if _, err := validate(dt, shape, HostLocation); err != nil {
		return nil, err
	}
	if n, _ := elements(shape); n != int64(len(vals)) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrSizeMismatch, len(vals), shape)
	}
	var buf []byte
	switch dt {
	case FP32:
		buf = make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
		}
	case FP16:
		buf = make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(buf[2*i:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		buf = bfloat16.EncodeFloat32(vals)
	default:
		return nil, fmt.Errorf("%w: %s is not a float type", ErrInvalid, dt)
	}
	return &Tensor{dtype: dt, shape: append([]int64(nil), shape...), loc: HostLocation, data: buf}, nil
}

// Int32s decodes an Int32 tensor.
func (t *Tensor) Int32s() ([]int32, error) {
	if t.Closed() {
		return nil, ErrClosed
	}
	if t.dtype != Int32 {
		return nil, fmt.Errorf("%w: want int32, have %s", ErrInvalid, t.dtype)
	}
	var out []int32
	err := t.read(func(data []byte) {
		out = make([]int32, len(data)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
		}
	})
	return out, err
}

// Float32s decodes an FP32, FP16, BF16 or FP64 tensor to float32.
func (t *Tensor) Float32s() ([]float32, error) {
	var dec func(data []byte) []float32
	switch t.dtype {
	case FP32:
		dec = func(data []byte) []float32 {
			out := make([]float32, len(data)/4)
			for i := range out {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
			}
			return out
		}
	case FP16:
		dec = func(data []byte) []float32 {
			out := make([]float32, len(data)/2)
			for i := range out {
				out[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
			}
			return out
		}
	case BF16:
		dec = bfloat16.DecodeFloat32
	case FP64:
		dec = func(data []byte) []float32 {
			out := make([]float32, len(data)/8)
			for i := range out {
				out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:])))
			}
			return out
		}
	default:
		if t.Closed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("%w: %s is not a float type", ErrInvalid, t.dtype)
	}
	var out []float32
	err := t.read(func(data []byte) { out = dec(data) })
	return out, err
}
