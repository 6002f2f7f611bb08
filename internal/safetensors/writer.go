package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/example/go-optest/internal/tensor"
)

// Named pairs a tensor with the name it is stored under.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// EncodeTensors serializes tensors into safetensors format, keeping each
// tensor's dtype.
func EncodeTensors(tensors []Named) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := make([]Named, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	header := make(map[string]storeHeaderEntry, len(sorted))

	var raw []byte

	for _, named := range sorted {
		name := strings.TrimSpace(named.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if _, exists := header[name]; exists {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		if named.Tensor == nil {
			return nil, fmt.Errorf("safetensors: tensor %q is nil", name)
		}

		code, err := dtypeCode(named.Tensor.DType())
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		data, err := tensor.Encode(named.Tensor)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		start := len(raw)
		raw = append(raw, data...)

		shape := named.Tensor.Shape()
		if shape == nil {
			shape = []int64{}
		}

		header[name] = storeHeaderEntry{
			DType:   code,
			Shape:   shape,
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 0, 8+len(headerJSON)+len(raw))
	lenPrefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenPrefix, uint64(len(headerJSON)))
	out = append(out, lenPrefix...)
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes tensors into a .safetensors file, creating parent
// directories.
func WriteFile(path string, tensors []Named) error {
	data, err := EncodeTensors(tensors)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("safetensors: create directory for %s: %w", path, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
