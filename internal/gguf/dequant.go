package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Dequantize decodes len(dst) elements of type typ from data into dst.
// len(dst) must be a multiple of the type's block size and data must hold at
// least typ.RowBytes(len(dst)) bytes.
func Dequantize(typ GGMLType, data []byte, dst []float32) error {
	bs := typ.BlockSize()
	if bs == 0 {
		return fmt.Errorf("dequantize: unknown type %s", typ)
	}
	if len(dst)%bs != 0 {
		return fmt.Errorf("dequantize %s: %d elements is not a multiple of %d", typ, len(dst), bs)
	}
	if need := typ.RowBytes(len(dst)); uint64(len(data)) < need {
		return fmt.Errorf("dequantize %s: have %d bytes, need %d", typ, len(data), need)
	}

	switch typ {
	case GGMLTypeF32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
	case GGMLTypeF16:
		for i := range dst {
			dst[i] = Float16ToFloat32(binary.LittleEndian.Uint16(data[i*2:]))
		}
	case GGMLTypeBF16:
		for i := range dst {
			dst[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(data[i*2:])) << 16)
		}
	case GGMLTypeQ4_0:
		dequantizeQ4_0(data, dst)
	case GGMLTypeQ8_0:
		dequantizeQ8_0(data, dst)
	case GGMLTypeQ4_K:
		dequantizeQ4K(data, dst)
	case GGMLTypeQ6_K:
		dequantizeQ6K(data, dst)
	default:
		return fmt.Errorf("dequantize: type %s not supported", typ)
	}
	return nil
}

// Supported reports whether Dequantize can decode typ.
func Supported(typ GGMLType) bool {
	switch typ {
	case GGMLTypeF32, GGMLTypeF16, GGMLTypeBF16, GGMLTypeQ4_0, GGMLTypeQ8_0, GGMLTypeQ4_K, GGMLTypeQ6_K:
		return true
	}
	return false
}

// Float32s decodes a whole tensor.
func (t *TensorInfo) Float32s() ([]float32, error) {
	if !Supported(t.Type) {
		return nil, ErrUnsupportedType{Tensor: t.Name, Type: t.Type}
	}
	out := make([]float32, t.Elements())
	if err := Dequantize(t.Type, t.Data, out); err != nil {
		return nil, fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	return out, nil
}

// Q4_0: fp16 d, 16 bytes of nibbles; low nibbles are elements 0..15,
// high nibbles 16..31, both offset by 8.
func dequantizeQ4_0(data []byte, dst []float32) {
	const bytesPerBlock = 18
	for b := 0; b < len(dst)/32; b++ {
		block := data[b*bytesPerBlock : (b+1)*bytesPerBlock]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		qs := block[2:18]
		out := dst[b*32 : (b+1)*32]
		for j := 0; j < 16; j++ {
			out[j] = float32(int(qs[j]&0x0F)-8) * d
			out[j+16] = float32(int(qs[j]>>4)-8) * d
		}
	}
}

// Q8_0: fp16 d followed by 32 signed bytes.
func dequantizeQ8_0(data []byte, dst []float32) {
	const bytesPerBlock = 34
	for b := 0; b < len(dst)/32; b++ {
		block := data[b*bytesPerBlock : (b+1)*bytesPerBlock]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		out := dst[b*32 : (b+1)*32]
		for j := 0; j < 32; j++ {
			out[j] = float32(int8(block[2+j])) * d
		}
	}
}

// Q4_K super-block (144 bytes per 256 weights):
//   - d (f16) and dmin (f16)
//   - scales: 12 bytes packing eight 6-bit scales and eight 6-bit mins
//   - qs: 128 bytes; each 32-byte chunk holds 64 weights, low nibbles first
func dequantizeQ4K(data []byte, dst []float32) {
	const bytesPerBlock = 144
	for b := 0; b < len(dst)/256; b++ {
		block := data[b*bytesPerBlock : (b+1)*bytesPerBlock]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[0:2]))
		dmin := Float16ToFloat32(binary.LittleEndian.Uint16(block[2:4]))
		scales := block[4:16]
		q := block[16:144]
		out := dst[b*256 : (b+1)*256]

		is := 0
		for j := 0; j < 256; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)

			for l := 0; l < 32; l++ {
				out[j+l] = d1*float32(q[l]&0x0F) - m1
				out[j+32+l] = d2*float32(q[l]>>4) - m2
			}
			q = q[32:]
			is += 2
		}
	}
}

func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc := (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// Q6_K super-block (210 bytes per 256 weights):
//   - ql: 128 bytes, low 4 bits
//   - qh: 64 bytes, high 2 bits
//   - scales: 16 signed bytes
//   - d (f16)
func dequantizeQ6K(data []byte, dst []float32) {
	const bytesPerBlock = 210
	for b := 0; b < len(dst)/256; b++ {
		block := data[b*bytesPerBlock : (b+1)*bytesPerBlock]
		ql := block[0:128]
		qh := block[128:192]
		sc := block[192:208]
		d := Float16ToFloat32(binary.LittleEndian.Uint16(block[208:210]))
		out := dst[b*256 : (b+1)*256]

		for n := 0; n < 256; n += 128 {
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((ql[l]&0x0F)|((qh[l]>>0)&3)<<4) - 32
				q2 := int8((ql[l+32]&0x0F)|((qh[l]>>2)&3)<<4) - 32
				q3 := int8((ql[l]>>4)|((qh[l]>>4)&3)<<4) - 32
				q4 := int8((ql[l+32]>>4)|((qh[l]>>6)&3)<<4) - 32
				out[n+l] = d * float32(int8(sc[is])) * float32(q1)
				out[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
				out[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
				out[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
			}
			ql = ql[64:]
			qh = qh[32:]
			sc = sc[8:]
		}
	}
}

// Float16ToFloat32 converts IEEE 754 half precision bits to float32.
func Float16ToFloat32(b uint16) float32 {
	sign := uint32(b&0x8000) << 16
	exp := uint32(b&0x7C00) >> 10
	frac := uint32(b & 0x03FF)

	switch {
	case exp == 0:
		if frac == 0 {
			return math.Float32frombits(sign)
		}
		v := float32(frac) * float32(math.Pow(2, -24))
		if sign != 0 {
			v = -v
		}
		return v
	case exp == 0x1F:
		if frac == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return float32(math.NaN())
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

// Float32ToFloat16 converts float32 to half precision bits, rounding to
// nearest and flushing values below the half subnormal range to zero.
func Float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int((bits>>23)&0xFF) - 127 + 15
	mant := bits & 0x7FFFFF

	switch {
	case (bits>>23)&0xFF == 0xFF:
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := uint16(mant >> shift)
		if (mant>>(shift-1))&1 != 0 {
			half++
		}
		return sign | half
	}
	half := sign | uint16(exp)<<10 | uint16(mant>>13)
	if mant&0x1000 != 0 {
		half++
	}
	return half
}
