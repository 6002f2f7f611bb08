package safetensors

import (
	"fmt"

	"github.com/example/go-optest/internal/tensor"
)

// LoadGolden reads one golden tensor from path. The tensor stored under name
// is preferred; otherwise the first tensor in name order is returned. When
// shape is non-nil the tensor must match it.
func LoadGolden(path, name string, shape []int64) (*tensor.Tensor, error) {
	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if len(store.names) == 0 {
		return nil, fmt.Errorf("safetensors: %s holds no tensors", path)
	}

	pick := name
	if pick == "" || !store.Has(pick) {
		pick = store.names[0]
	}

	t, err := store.Tensor(pick)
	if err != nil {
		return nil, err
	}

	if shape != nil && !tensor.EqualShape(t.Shape(), shape) {
		// Golden files written from flattened arrays carry the right element
		// count with a different rank.
		reshaped, rerr := t.Reshape(shape)
		if rerr != nil {
			return nil, fmt.Errorf("safetensors: golden %q in %s has shape %v, expected %v", pick, path, t.Shape(), shape)
		}

		t = reshaped
	}

	return t, nil
}
