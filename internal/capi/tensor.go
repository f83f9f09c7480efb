package capi

import (
	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/handle"
	"github.com/samcharles93/keel/internal/tensor"
)

func getTensor(h TensorHandle) (*tensor.Tensor, error) {
	t, err := tensors.Get(handle.Handle(h))
	if err != nil {
		return nil, invalidHandle("tensor")
	}
	return t, nil
}

func getMap(h TensorMapHandle) (*tensor.Map, error) {
	m, err := maps.Get(handle.Handle(h))
	if err != nil {
		return nil, invalidHandle("tensor map")
	}
	return m, nil
}

// tensorErr puts tensor package errors in the invalid-parameter category.
func tensorErr(err error) error {
	if err == nil || errdefs.Categorized(err) {
		return err
	}
	return errdefs.InvalidParams("%v", err)
}

// CreateTensor copies data into a new tensor. A nil data slice allocates a
// zeroed buffer. For device memory a negative deviceID means the device
// chosen by SetDevice; for host memory deviceID is ignored.
func CreateTensor(data []byte, shape []int64, dtype tensor.DataType, memory tensor.MemoryKind, deviceID int) TensorHandle {
	loc := tensor.Location{Kind: memory}
	if memory == tensor.Device {
		if deviceID < 0 {
			deviceID = int(currentDevice.Load())
		}
		loc.Index = deviceID
	}
	var (
		t   *tensor.Tensor
		err error
	)
	if data == nil {
		t, err = tensor.New(dtype, shape, loc)
	} else {
		t, err = tensor.FromBytes(dtype, shape, loc, data)
	}
	if err != nil {
		fail("create_tensor", tensorErr(err))
		return 0
	}
	return TensorHandle(tensors.Put(t))
}

func DestroyTensor(h TensorHandle) {
	if t, ok := tensors.Release(handle.Handle(h)); ok {
		t.Close()
	}
}

// GetTensorSize returns the byte size of the tensor, or -1.
func GetTensorSize(h TensorHandle) int64 {
	t, err := getTensor(h)
	if err != nil {
		fail("get_tensor_size", err)
		return -1
	}
	return t.ByteSize()
}

// GetTensorData copies the tensor's bytes into dst, which must be large
// enough to hold them.
func GetTensorData(h TensorHandle, dst []byte) int {
	t, err := getTensor(h)
	if err != nil {
		return status("get_tensor_data", err)
	}
	b, err := t.Bytes()
	if err != nil {
		return status("get_tensor_data", tensorErr(err))
	}
	if len(dst) < len(b) {
		return status("get_tensor_data", errdefs.InvalidParams("buffer of %d bytes for a %d byte tensor", len(dst), len(b)))
	}
	copy(dst, b)
	return 0
}

// CopyTensor overwrites dst's buffer with src's. Both must have the same
// byte size.
func CopyTensor(dst, src TensorHandle) int {
	d, err := getTensor(dst)
	if err != nil {
		return status("copy_tensor", err)
	}
	s, err := getTensor(src)
	if err != nil {
		return status("copy_tensor", err)
	}
	return status("copy_tensor", tensorErr(d.CopyFrom(s)))
}

func CreateTensorMap() TensorMapHandle {
	return TensorMapHandle(maps.Put(tensor.NewMap()))
}

func DestroyTensorMap(h TensorMapHandle) {
	if m, ok := maps.Release(handle.Handle(h)); ok {
		m.Close()
	}
}

// TensorMapSet stores a copy of t under key. The caller keeps t.
func TensorMapSet(m TensorMapHandle, key string, t TensorHandle) int {
	tm, err := getMap(m)
	if err != nil {
		return status("tensor_map_set", err)
	}
	tt, err := getTensor(t)
	if err != nil {
		return status("tensor_map_set", err)
	}
	return status("tensor_map_set", tensorErr(tm.Set(key, tt)))
}

// TensorMapGet returns a new tensor handle holding a copy of the entry under
// key. The caller destroys it.
func TensorMapGet(m TensorMapHandle, key string) TensorHandle {
	tm, err := getMap(m)
	if err != nil {
		fail("tensor_map_get", err)
		return 0
	}
	t, err := tm.Get(key)
	if err != nil {
		fail("tensor_map_get", tensorErr(err))
		return 0
	}
	return TensorHandle(tensors.Put(t))
}
