package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-surprisal/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.unmap = syscall.Munmap
	logger.Log.Debug("GGUF mapped", "path", path, "version", file.Header.Version,
		"tensors", file.Header.TensorCount, "kv", file.Header.KVCount)
	return file, nil
}

// Parse decodes a complete GGUF image held in memory. Tensor data slices
// alias data.
func Parse(data []byte) (*GGUFFile, error) {
	if len(data) < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	file := &GGUFFile{
		Data:   data,
		KV:     make(map[string]interface{}),
		byName: make(map[string]*TensorInfo),
	}

	offset := uint64(0)
	file.Header.Magic = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = binary.LittleEndian.Uint32(data[offset:])
	offset += 4
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}

	file.Header.TensorCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	file.Header.KVCount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, n, err := readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		valType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		val, n, err := readValue(data, offset, valType)
		if err != nil {
			return nil, fmt.Errorf("kv %q: %w", k, err)
		}
		offset += n

		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, n, err := readString(data, offset)
		if err != nil {
			return nil, fmt.Errorf("tensor %d name: %w", i, err)
		}
		offset += n

		if offset+4 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		dims := binary.LittleEndian.Uint32(data[offset:])
		offset += 4

		if offset+uint64(dims)*8+12 > uint64(len(data)) {
			return nil, io.ErrUnexpectedEOF
		}
		dimArr := make([]uint64, dims)
		for j := uint32(0); j < dims; j++ {
			dimArr[j] = binary.LittleEndian.Uint64(data[offset:])
			offset += 8
		}

		typ := GGMLType(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		tensorOffset := binary.LittleEndian.Uint64(data[offset:])
		offset += 8

		t := &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       typ,
			Offset:     tensorOffset,
		}
		file.Tensors = append(file.Tensors, t)
		file.byName[name] = t
	}

	alignment := uint64(file.KVUint("general.alignment", DefaultAlignment))
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if rem := offset % alignment; rem != 0 {
		offset += alignment - rem
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		start := offset + t.Offset
		end := start + t.SizeBytes()
		if start > uint64(len(data)) || end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: data [%d:%d] out of bounds (%d)", t.Name, start, end, len(data))
		}
		t.Data = data[start:end]
	}

	return file, nil
}

func readString(data []byte, offset uint64) (string, uint64, error) {
	if offset+8 > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint64(data[offset:])

	if length > uint64(len(data)) || offset+8+length > uint64(len(data)) {
		return "", 0, io.ErrUnexpectedEOF
	}

	return string(data[offset+8 : offset+8+length]), 8 + length, nil
}

var fixedSizes = map[GGUFMetadataValueType]uint64{
	GGUFMetadataValueTypeUint8:   1,
	GGUFMetadataValueTypeInt8:    1,
	GGUFMetadataValueTypeBool:    1,
	GGUFMetadataValueTypeUint16:  2,
	GGUFMetadataValueTypeInt16:   2,
	GGUFMetadataValueTypeUint32:  4,
	GGUFMetadataValueTypeInt32:   4,
	GGUFMetadataValueTypeFloat32: 4,
	GGUFMetadataValueTypeUint64:  8,
	GGUFMetadataValueTypeInt64:   8,
	GGUFMetadataValueTypeFloat64: 8,
}

func readValue(data []byte, offset uint64, typ GGUFMetadataValueType) (interface{}, uint64, error) {
	if size, ok := fixedSizes[typ]; ok && offset+size > uint64(len(data)) {
		return nil, 0, io.ErrUnexpectedEOF
	}

	switch typ {
	case GGUFMetadataValueTypeUint8:
		return data[offset], 1, nil
	case GGUFMetadataValueTypeInt8:
		return int8(data[offset]), 1, nil
	case GGUFMetadataValueTypeUint16:
		return binary.LittleEndian.Uint16(data[offset:]), 2, nil
	case GGUFMetadataValueTypeInt16:
		return int16(binary.LittleEndian.Uint16(data[offset:])), 2, nil
	case GGUFMetadataValueTypeUint32:
		return binary.LittleEndian.Uint32(data[offset:]), 4, nil
	case GGUFMetadataValueTypeInt32:
		return int32(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data[offset:])), 4, nil
	case GGUFMetadataValueTypeBool:
		return data[offset] != 0, 1, nil
	case GGUFMetadataValueTypeString:
		return readString(data, offset)
	case GGUFMetadataValueTypeArray:
		if offset+12 > uint64(len(data)) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		arrType := GGUFMetadataValueType(binary.LittleEndian.Uint32(data[offset:]))
		arrLen := binary.LittleEndian.Uint64(data[offset+4:])
		if arrLen > uint64(len(data)) {
			return nil, 0, io.ErrUnexpectedEOF
		}
		bytesRead := uint64(12)
		currentOff := offset + 12

		arr := make([]interface{}, 0, arrLen)
		for i := uint64(0); i < arrLen; i++ {
			val, n, err := readValue(data, currentOff, arrType)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, val)
			currentOff += n
			bytesRead += n
		}
		return arr, bytesRead, nil
	case GGUFMetadataValueTypeUint64:
		return binary.LittleEndian.Uint64(data[offset:]), 8, nil
	case GGUFMetadataValueTypeInt64:
		return int64(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[offset:])), 8, nil
	default:
		return nil, 0, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

// Close releases the memory mapping. Files built with Parse own nothing.
func (f *GGUFFile) Close() error {
	if f.unmap == nil || f.Data == nil {
		return nil
	}
	err := f.unmap(f.Data)
	f.Data = nil
	return err
}

// Tensor looks a tensor up by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	t, ok := f.byName[name]
	return t, ok
}

// Architecture returns general.architecture, defaulting to "llama".
func (f *GGUFFile) Architecture() string {
	return f.KVString("general.architecture", "llama")
}

func (f *GGUFFile) KVString(key, def string) string {
	if v, ok := f.KV[key].(string); ok {
		return v
	}
	return def
}

func (f *GGUFFile) KVBool(key string, def bool) bool {
	if v, ok := f.KV[key].(bool); ok {
		return v
	}
	return def
}

// KVUint returns an integer KV of any width, or def when absent.
func (f *GGUFFile) KVUint(key string, def uint64) uint64 {
	if v, ok := toUint(f.KV[key]); ok {
		return v
	}
	return def
}

// KVFloat returns a float KV of either width, or def when absent.
func (f *GGUFFile) KVFloat(key string, def float64) float64 {
	switch v := f.KV[key].(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// KVStrings returns a string array KV.
func (f *GGUFFile) KVStrings(key string) ([]string, error) {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s: not found or not an array", key)
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: not a string", key, i)
		}
		out[i] = s
	}
	return out, nil
}

// KVFloats returns a float array KV; missing keys yield nil without error.
func (f *GGUFFile) KVFloats(key string) []float32 {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]float32, len(arr))
	for i, v := range arr {
		switch x := v.(type) {
		case float32:
			out[i] = x
		case float64:
			out[i] = float32(x)
		}
	}
	return out
}

// KVInts returns an integer array KV; missing keys yield nil.
func (f *GGUFFile) KVInts(key string) []int {
	arr, ok := f.KV[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]int, len(arr))
	for i, v := range arr {
		if n, ok := toUint(v); ok {
			out[i] = int(n)
		}
	}
	return out
}

func toUint(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case int8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case int16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case int32:
		return uint64(x), true
	case uint64:
		return x, true
	case int64:
		return uint64(x), true
	case int:
		return uint64(x), true
	}
	return 0, false
}
