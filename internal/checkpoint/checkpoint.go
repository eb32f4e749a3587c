// Package checkpoint reads float tensors out of PyTorch checkpoints.
//
// Only one layout is accepted: a top-level dict holding "model_state_dict",
// itself a mapping from parameter name to a contiguous float32 tensor. Keys
// saved from a DataParallel model carry a "module." prefix, which is ignored.
package checkpoint

import (
	"errors"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

const StateDictKey = "model_state_dict"

var ErrSchema = errors.New("unsupported checkpoint layout")

type Tensor struct {
	Shape []int
	Data  []float32
}

func (t *Tensor) Len() int {
	return len(t.Data)
}

type mapping interface {
	Get(key interface{}) (interface{}, bool)
}

type StateDict struct {
	path  string
	state mapping
}

func Load(path string) (*StateDict, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	sd, err := fromObject(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sd.path = path
	return sd, nil
}

func fromObject(obj interface{}) (*StateDict, error) {
	top, ok := asMapping(obj)
	if !ok {
		return nil, fmt.Errorf("%w: top level is %T, want a dict", ErrSchema, obj)
	}
	raw, ok := top.Get(StateDictKey)
	if !ok {
		return nil, fmt.Errorf("%w: no %q entry", ErrSchema, StateDictKey)
	}
	state, ok := asMapping(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, want a dict", ErrSchema, StateDictKey, raw)
	}
	return &StateDict{state: state}, nil
}

func asMapping(obj interface{}) (mapping, bool) {
	switch m := obj.(type) {
	case *types.Dict:
		return m, true
	case *types.OrderedDict:
		return m, true
	}
	return nil, false
}

// Tensor returns the named parameter. When shape is given the stored shape
// must match it exactly.
func (s *StateDict) Tensor(name string, shape ...int) (*Tensor, error) {
	raw, ok := s.state.Get(name)
	if !ok {
		raw, ok = s.state.Get("module." + name)
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing tensor %q", ErrSchema, name)
	}

	pt, ok := raw.(*pytorch.Tensor)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %T, want a tensor", ErrSchema, name, raw)
	}
	t, err := convert(pt)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", name, err)
	}
	if len(shape) > 0 && !sameShape(t.Shape, shape) {
		return nil, fmt.Errorf("%w: %q has shape %v, want %v", ErrSchema, name, t.Shape, shape)
	}
	return t, nil
}

func convert(pt *pytorch.Tensor) (*Tensor, error) {
	storage, ok := pt.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, fmt.Errorf("%w: storage %T is not float32", ErrSchema, pt.Source)
	}

	n := 1
	for _, d := range pt.Size {
		n *= d
	}
	if !contiguous(pt.Size, pt.Stride) {
		return nil, fmt.Errorf("%w: tensor with stride %v is not contiguous", ErrSchema, pt.Stride)
	}
	end := pt.StorageOffset + n
	if pt.StorageOffset < 0 || end > len(storage.Data) {
		return nil, fmt.Errorf("%w: tensor spans [%d,%d) of a %d element storage",
			ErrSchema, pt.StorageOffset, end, len(storage.Data))
	}

	data := make([]float32, n)
	copy(data, storage.Data[pt.StorageOffset:end])
	return &Tensor{Shape: append([]int(nil), pt.Size...), Data: data}, nil
}

func contiguous(size, stride []int) bool {
	if len(stride) != len(size) {
		return false
	}
	expected := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expected {
			return false
		}
		expected *= size[i]
	}
	return true
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
