package inference

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// Interpreter runs the model's forward pass over a preprocessed input tensor
// and returns the raw output vector, one score per class index.
type Interpreter interface {
	Run(input []float32) ([]float32, error)
}

// weightsMagic identifies the built-in linear weights format.
const weightsMagic = "CDW1"

// LinearInterpreter is the built-in runtime: a single dense layer over the
// flattened input. The weights file layout is little-endian:
//
//	magic "CDW1" | uint32 inputLen | uint32 numClasses |
//	float32 weights[numClasses][inputLen] | float32 bias[numClasses]
type LinearInterpreter struct {
	inputLen   int
	numClasses int
	weights    []float32 // numClasses * inputLen, row-major
	bias       []float32
}

// LoadLinear reads a weights file in the built-in format.
func LoadLinear(path string) (*LinearInterpreter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights file: %w", err)
	}
	if len(raw) < 12 || string(raw[:4]) != weightsMagic {
		return nil, fmt.Errorf("weights file is not in %s format", weightsMagic)
	}

	inputLen := int(binary.LittleEndian.Uint32(raw[4:8]))
	numClasses := int(binary.LittleEndian.Uint32(raw[8:12]))
	if inputLen <= 0 || numClasses <= 0 {
		return nil, fmt.Errorf("weights file declares invalid dimensions %dx%d", numClasses, inputLen)
	}

	want := 12 + 4*(numClasses*inputLen+numClasses)
	if len(raw) != want {
		return nil, fmt.Errorf("weights file truncated: %d bytes, want %d", len(raw), want)
	}

	floats := func(off, n int) []float32 {
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[off+4*i:]))
		}
		return out
	}

	return &LinearInterpreter{
		inputLen:   inputLen,
		numClasses: numClasses,
		weights:    floats(12, numClasses*inputLen),
		bias:       floats(12+4*numClasses*inputLen, numClasses),
	}, nil
}

// Run implements Interpreter.
func (l *LinearInterpreter) Run(input []float32) ([]float32, error) {
	if len(input) != l.inputLen {
		return nil, fmt.Errorf("input length %d does not match model input length %d", len(input), l.inputLen)
	}
	out := make([]float32, l.numClasses)
	for c := 0; c < l.numClasses; c++ {
		row := l.weights[c*l.inputLen : (c+1)*l.inputLen]
		sum := l.bias[c]
		for i, v := range input {
			sum += row[i] * v
		}
		out[c] = sum
	}
	return out, nil
}

// ArgMax returns the index of the highest score and its softmax confidence
// in [0,1]. An empty output yields (-1, 0).
func ArgMax(scores []float32) (int, float64) {
	if len(scores) == 0 {
		return -1, 0
	}

	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}

	// Softmax with max subtracted for numerical stability.
	var sum float64
	for _, s := range scores {
		sum += math.Exp(float64(s - scores[best]))
	}
	return best, 1.0 / sum
}
