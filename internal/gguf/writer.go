package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Writer assembles a GGUF v3 image. It is used to produce small fixture
// models; tensors are written as F32 unless added with AddRaw.
type Writer struct {
	kv      map[string]interface{}
	tensors []pendingTensor
}

type pendingTensor struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

func NewWriter() *Writer {
	return &Writer{kv: make(map[string]interface{})}
}

// SetKV records a metadata value. Supported Go types: string, bool, uint32,
// int32, uint64, float32, []string, []float32, []int32.
func (w *Writer) SetKV(key string, value interface{}) {
	w.kv[key] = value
}

// AddF32 adds a float32 tensor. dims are listed fastest dimension first.
func (w *Writer) AddF32(name string, dims []uint64, values []float32) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	w.AddRaw(name, dims, GGMLTypeF32, buf)
}

// AddRaw adds a tensor with pre-encoded data of the given type.
func (w *Writer) AddRaw(name string, dims []uint64, typ GGMLType, data []byte) {
	w.tensors = append(w.tensors, pendingTensor{name: name, dims: dims, typ: typ, data: data})
}

// WriteTo encodes the image to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian

	_ = binary.Write(&buf, le, uint32(GGUFMagic))
	_ = binary.Write(&buf, le, uint32(GGUFVersion))
	_ = binary.Write(&buf, le, uint64(len(w.tensors)))
	_ = binary.Write(&buf, le, uint64(len(w.kv)))

	keys := make([]string, 0, len(w.kv))
	for k := range w.kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(&buf, k)
		if err := writeValue(&buf, w.kv[k]); err != nil {
			return 0, fmt.Errorf("kv %q: %w", k, err)
		}
	}

	offsets := make([]uint64, len(w.tensors))
	var dataLen uint64
	for i, t := range w.tensors {
		offsets[i] = dataLen
		dataLen += uint64(len(t.data))
		if pad := dataLen % DefaultAlignment; pad != 0 {
			dataLen += DefaultAlignment - pad
		}
	}

	for i, t := range w.tensors {
		writeString(&buf, t.name)
		_ = binary.Write(&buf, le, uint32(len(t.dims)))
		for _, d := range t.dims {
			_ = binary.Write(&buf, le, d)
		}
		_ = binary.Write(&buf, le, uint32(t.typ))
		_ = binary.Write(&buf, le, offsets[i])
	}

	if pad := buf.Len() % DefaultAlignment; pad != 0 {
		buf.Write(make([]byte, DefaultAlignment-pad))
	}

	for i, t := range w.tensors {
		buf.Write(t.data)
		end := offsets[i] + uint64(len(t.data))
		if pad := end % DefaultAlignment; pad != 0 {
			buf.Write(make([]byte, DefaultAlignment-pad))
		}
	}

	n, err := out.Write(buf.Bytes())
	return int64(n), err
}

// Bytes returns the encoded image.
func (w *Writer) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	le := binary.LittleEndian
	putType := func(t GGUFMetadataValueType) { _ = binary.Write(buf, le, uint32(t)) }

	switch x := v.(type) {
	case string:
		putType(GGUFMetadataValueTypeString)
		writeString(buf, x)
	case bool:
		putType(GGUFMetadataValueTypeBool)
		if x {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case uint32:
		putType(GGUFMetadataValueTypeUint32)
		_ = binary.Write(buf, le, x)
	case int32:
		putType(GGUFMetadataValueTypeInt32)
		_ = binary.Write(buf, le, x)
	case uint64:
		putType(GGUFMetadataValueTypeUint64)
		_ = binary.Write(buf, le, x)
	case float32:
		putType(GGUFMetadataValueTypeFloat32)
		_ = binary.Write(buf, le, x)
	case []string:
		putType(GGUFMetadataValueTypeArray)
		putType(GGUFMetadataValueTypeString)
		_ = binary.Write(buf, le, uint64(len(x)))
		for _, s := range x {
			writeString(buf, s)
		}
	case []float32:
		putType(GGUFMetadataValueTypeArray)
		putType(GGUFMetadataValueTypeFloat32)
		_ = binary.Write(buf, le, uint64(len(x)))
		for _, f := range x {
			_ = binary.Write(buf, le, f)
		}
	case []int32:
		putType(GGUFMetadataValueTypeArray)
		putType(GGUFMetadataValueTypeInt32)
		_ = binary.Write(buf, le, uint64(len(x)))
		for _, n := range x {
			_ = binary.Write(buf, le, n)
		}
	default:
		return fmt.Errorf("unsupported kv type %T", v)
	}
	return nil
}
