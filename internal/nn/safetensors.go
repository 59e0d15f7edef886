package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// TensorInfo is one entry of a safetensors header
type TensorInfo struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

const metadataKey = "__metadata__"

// optimizerPrefixes mark tensors holding optimizer state rather than model weights
var optimizerPrefixes = []string{"optimizer/", "optimizer_weights/"}

// rawSafetensors is a parsed file that keeps tensor bytes undecoded
type rawSafetensors struct {
	metadata map[string]string
	infos    map[string]TensorInfo
	data     []byte
}

func parseSafetensors(data []byte) (*rawSafetensors, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if uint64(len(data)-8) < headerSize {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	raw := &rawSafetensors{
		infos: make(map[string]TensorInfo, len(header)),
		data:  data[8+headerSize:],
	}
	for name, value := range header {
		if name == metadataKey {
			if err := json.Unmarshal(value, &raw.metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if info.Offsets[0] < 0 || info.Offsets[1] < info.Offsets[0] || info.Offsets[1] > len(raw.data) {
			return nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}
		raw.infos[name] = info
	}
	return raw, nil
}

func (r *rawSafetensors) bytes(name string) []byte {
	info := r.infos[name]
	return r.data[info.Offsets[0]:info.Offsets[1]]
}

// LoadWeights reads every floating point tensor of a safetensors file.
// F32, F16 and BF16 are accepted; other dtypes are an error.
func LoadWeights(path string) (Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights: %w", err)
	}
	return DecodeWeights(data)
}

// DecodeWeights parses safetensors bytes
func DecodeWeights(data []byte) (Weights, error) {
	raw, err := parseSafetensors(data)
	if err != nil {
		return nil, err
	}

	weights := make(Weights, len(raw.infos))
	for name, info := range raw.infos {
		if isOptimizerState(name) {
			continue
		}
		n := shapeSize(info.Shape)
		b := raw.bytes(name)
		values := make([]float32, n)

		switch info.DType {
		case "F32":
			if len(b) != n*4 {
				return nil, fmt.Errorf("tensor %s: %d bytes for %d F32 values", name, len(b), n)
			}
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
			}
		case "F16":
			if len(b) != n*2 {
				return nil, fmt.Errorf("tensor %s: %d bytes for %d F16 values", name, len(b), n)
			}
			for i := range values {
				values[i] = float16ToFloat32(binary.LittleEndian.Uint16(b[i*2:]))
			}
		case "BF16":
			if len(b) != n*2 {
				return nil, fmt.Errorf("tensor %s: %d bytes for %d BF16 values", name, len(b), n)
			}
			for i := range values {
				values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b[i*2:])) << 16)
			}
		default:
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}

		weights[name] = &Tensor{Shape: info.Shape, Data: values}
	}
	return weights, nil
}

// SaveWeights writes weights as an F32 safetensors file
func SaveWeights(path string, weights Weights) error {
	data, err := EncodeWeights(weights, nil)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// EncodeWeights serializes weights as F32 safetensors bytes with optional
// string metadata. Tensors are laid out in name order.
func EncodeWeights(weights Weights, metadata map[string]string) ([]byte, error) {
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make(map[string][]byte, len(names))
	infos := make(map[string]TensorInfo, len(names))
	for _, name := range names {
		t := weights[name]
		if t.Size() != shapeSize(t.Shape) {
			return nil, fmt.Errorf("tensor %s: %d values for shape %v: %w", name, t.Size(), t.Shape, ErrShapeMismatch)
		}
		b := make([]byte, 4*t.Size())
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
		}
		entries[name] = b
		infos[name] = TensorInfo{DType: "F32", Shape: t.Shape}
	}
	return assembleSafetensors(names, infos, entries, metadata)
}

// assembleSafetensors builds [header size][header JSON][tensor data]
func assembleSafetensors(names []string, infos map[string]TensorInfo, entries map[string][]byte, metadata map[string]string) ([]byte, error) {
	header := make(map[string]interface{}, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	offset := 0
	for _, name := range names {
		info := infos[name]
		info.Offsets = [2]int{offset, offset + len(entries[name])}
		header[name] = info
		offset += len(entries[name])
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+offset)
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	for _, name := range names {
		out = append(out, entries[name]...)
	}
	return out, nil
}

// StripOptimizerState rewrites a safetensors file in place without the
// tensors that hold optimizer state. Model tensors keep their dtype
// and bytes. It returns the number of tensors removed.
func StripOptimizerState(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read weights: %w", err)
	}
	raw, err := parseSafetensors(data)
	if err != nil {
		return 0, err
	}

	var kept []string
	entries := make(map[string][]byte)
	for name := range raw.infos {
		if isOptimizerState(name) {
			continue
		}
		kept = append(kept, name)
		entries[name] = raw.bytes(name)
	}
	removed := len(raw.infos) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	sort.Strings(kept)

	out, err := assembleSafetensors(kept, raw.infos, entries, raw.metadata)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, info.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("failed to write weights: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to replace weights: %w", err)
	}
	return removed, nil
}

func isOptimizerState(name string) bool {
	for _, p := range optimizerPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// float16ToFloat32 converts an IEEE 754 half precision value
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32(f16>>15) & 0x1
	exponent := uint32(f16>>10) & 0x1F
	mantissa := uint32(f16 & 0x3FF)

	var bits uint32
	switch {
	case exponent == 0 && mantissa == 0:
		bits = sign << 31
	case exponent == 0:
		// Subnormal: renormalize
		exponent = 1
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			exponent--
		}
		mantissa &= 0x3FF
		bits = sign<<31 | (exponent+127-15)<<23 | mantissa<<13
	case exponent == 0x1F:
		bits = sign<<31 | 0xFF<<23 | mantissa<<13
	default:
		bits = sign<<31 | (exponent+127-15)<<23 | mantissa<<13
	}
	return math.Float32frombits(bits)
}
