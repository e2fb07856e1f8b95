package engine

import (
	"math"

	"github.com/23skdu/longbow-surprisal/internal/config"
)

func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return s0 + s1 + s2 + s3
}

// rmsNorm writes x / rms(x) * w into dst.
func rmsNorm(dst, x, w []float32, eps float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	scale := float32(1 / math.Sqrt(ss/float64(len(x))+float64(eps)))
	for i, v := range x {
		dst[i] = v * scale * w[i]
	}
}

// rope rotates every head of vec in place for position pos.
func rope(vec []float32, pos, headDim int, theta float32, style config.RopeStyle) {
	half := headDim / 2
	for h := 0; h+headDim <= len(vec); h += headDim {
		head := vec[h : h+headDim]
		for i := 0; i < half; i++ {
			freq := math.Pow(float64(theta), -2*float64(i)/float64(headDim))
			sin, cos := math.Sincos(float64(pos) * freq)
			var a, b int
			if style == config.RopeNeoX {
				a, b = i, i+half
			} else {
				a, b = 2*i, 2*i+1
			}
			x0, x1 := float64(head[a]), float64(head[b])
			head[a] = float32(x0*cos - x1*sin)
			head[b] = float32(x0*sin + x1*cos)
		}
	}
}

// softmax normalises x in place.
func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := x[0]
	for _, v := range x {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float64
	for i := range x {
		e := math.Exp(float64(x[i] - maxVal))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// swiglu writes silu(gate) * up into gate.
func swiglu(gate, up []float32) {
	for i, g := range gate {
		gate[i] = up[i] * g / (1 + float32(math.Exp(float64(-g))))
	}
}

func addInPlace(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}

// LogProb returns log softmax(logits)[id] computed in float64.
func LogProb(logits []float32, id int) float64 {
	maxVal := math.Inf(-1)
	for _, v := range logits {
		if float64(v) > maxVal {
			maxVal = float64(v)
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v) - maxVal)
	}
	return float64(logits[id]) - maxVal - math.Log(sum)
}
