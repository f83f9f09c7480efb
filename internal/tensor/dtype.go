package tensor

import (
	"fmt"
	"strings"
)

// DataType is the element type of a Tensor.
type DataType int

const (
	Invalid DataType = iota
	Bool
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	FP16
	FP32
	FP64
	BF16
)

var dtypeNames = [...]string{
	Invalid: "invalid",
	Bool:    "bool",
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	FP16:    "fp16",
	FP32:    "fp32",
	FP64:    "fp64",
	BF16:    "bf16",
}

// Size returns the element width in bytes, or 0 for an invalid type.
func (d DataType) Size() int {
	switch d {
	case Bool, Uint8, Int8:
		return 1
	case Uint16, Int16, FP16, BF16:
		return 2
	case Uint32, Int32, FP32:
		return 4
	case Uint64, Int64, FP64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether d names a concrete element type.
func (d DataType) Valid() bool {
	return d.Size() > 0
}

func (d DataType) String() string {
	if d < 0 || int(d) >= len(dtypeNames) {
		return fmt.Sprintf("dtype(%d)", int(d))
	}
	return dtypeNames[d]
}

// ParseDataType accepts the names returned by String plus a few common aliases.
func ParseDataType(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool":
		return Bool, nil
	case "uint8", "u8":
		return Uint8, nil
	case "uint16", "u16":
		return Uint16, nil
	case "uint32", "u32":
		return Uint32, nil
	case "uint64", "u64":
		return Uint64, nil
	case "int8", "i8":
		return Int8, nil
	case "int16", "i16":
		return Int16, nil
	case "int32", "i32":
		return Int32, nil
	case "int64", "i64":
		return Int64, nil
	case "fp16", "f16", "float16", "half":
		return FP16, nil
	case "fp32", "f32", "float32", "float":
		return FP32, nil
	case "fp64", "f64", "float64", "double":
		return FP64, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return Invalid, fmt.Errorf("unknown data type %q", s)
	}
}

// MemoryKind says where a tensor's buffer lives.
type MemoryKind int

const (
	Host MemoryKind = iota
	PinnedHost
	Device
)

func (k MemoryKind) String() string {
	switch k {
	case Host:
		return "host"
	case PinnedHost:
		return "pinned"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("memory(%d)", int(k))
	}
}

// Location is a memory kind plus a device index. Index is only meaningful
// for Device and must be zero otherwise.
type Location struct {
	Kind  MemoryKind
	Index int
}

// HostLocation is the default location for tensors built on the Go side.
var HostLocation = Location{Kind: Host}

// DeviceLocation returns the location of device idx.
func DeviceLocation(idx int) Location {
	return Location{Kind: Device, Index: idx}
}

func (l Location) String() string {
	if l.Kind == Device {
		return fmt.Sprintf("device:%d", l.Index)
	}
	return l.Kind.String()
}

// Validate rejects unknown kinds and stray indexes.
func (l Location) Validate() error {
	switch l.Kind {
	case Host, PinnedHost:
		if l.Index != 0 {
			return fmt.Errorf("%w: %s memory has no device index (got %d)", ErrInvalid, l.Kind, l.Index)
		}
	case Device:
		if l.Index < 0 {
			return fmt.Errorf("%w: negative device index %d", ErrInvalid, l.Index)
		}
	default:
		return fmt.Errorf("%w: unknown memory kind %d", ErrInvalid, int(l.Kind))
	}
	return nil
}
