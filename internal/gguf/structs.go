package gguf

import "fmt"

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	DefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ5_1 GGMLType = 7
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ8_1 GGMLType = 9
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
	GGMLTypeBF16 GGMLType = 30
)

// typeTraits holds the block geometry of a ggml type: how many elements one
// block encodes and how many bytes it occupies.
type typeTraits struct {
	blockSize int
	typeSize  int
}

var traits = map[GGMLType]typeTraits{
	GGMLTypeF32:  {1, 4},
	GGMLTypeF16:  {1, 2},
	GGMLTypeBF16: {1, 2},
	GGMLTypeQ4_0: {32, 18},
	GGMLTypeQ4_1: {32, 20},
	GGMLTypeQ5_0: {32, 22},
	GGMLTypeQ5_1: {32, 24},
	GGMLTypeQ8_0: {32, 34},
	GGMLTypeQ8_1: {32, 36},
	GGMLTypeQ2_K: {256, 84},
	GGMLTypeQ3_K: {256, 110},
	GGMLTypeQ4_K: {256, 144},
	GGMLTypeQ5_K: {256, 176},
	GGMLTypeQ6_K: {256, 210},
	GGMLTypeQ8_K: {256, 292},
}

// BlockSize returns the number of elements per quantisation block, or 0 for
// an unknown type.
func (t GGMLType) BlockSize() int {
	return traits[t].blockSize
}

// RowBytes returns the encoded size of n consecutive elements of type t.
func (t GGMLType) RowBytes(n int) uint64 {
	tr, ok := traits[t]
	if !ok || tr.blockSize == 0 {
		return 0
	}
	return uint64(n/tr.blockSize) * uint64(tr.typeSize)
}

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne (number of elements) in each dimension, fastest first
	Type       GGMLType
	Offset     uint64 // Offset relative to data start
	Data       []byte // Byte slice into the mmap'd file, exactly SizeBytes long
}

// Elements returns the total number of elements in the tensor.
func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

// Rows returns the product of every dimension but the first.
func (t *TensorInfo) Rows() int {
	rows := uint64(1)
	for _, d := range t.Dimensions[1:] {
		rows *= d
	}
	return int(rows)
}

// Cols returns the length of the innermost dimension.
func (t *TensorInfo) Cols() int {
	if len(t.Dimensions) == 0 {
		return 0
	}
	return int(t.Dimensions[0])
}

func (t *TensorInfo) SizeBytes() uint64 {
	tr, ok := traits[t.Type]
	if !ok {
		return 0
	}
	return t.Elements() / uint64(tr.blockSize) * uint64(tr.typeSize)
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte // The raw mmap'd data
	DataOffset uint64 // Offset where the tensor data starts

	byName map[string]*TensorInfo
	unmap  func([]byte) error
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

type ErrUnsupportedType struct {
	Tensor string
	Type   GGMLType
}

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("tensor %s: unsupported ggml type %s", e.Tensor, e.Type)
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeBF16:
		return "BF16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ5_1:
		return "Q5_1"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ8_1:
		return "Q8_1"
	case GGMLTypeQ2_K:
		return "Q2_K"
	case GGMLTypeQ3_K:
		return "Q3_K"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ5_K:
		return "Q5_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	case GGMLTypeQ8_K:
		return "Q8_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}
