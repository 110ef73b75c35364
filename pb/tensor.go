package pb

import (
	"strconv"
	"strings"

	"github.com/TogetherForABetterAI/calibration-service/errors"
)

// InputsFormat is the parsed `(dtype=float32, shape=tuple<int>)` the
// Listener extracts from a new-session notification's inputs_format string.
type InputsFormat struct {
	Shape []int // per-sample shape, e.g. [28,28] or [224,224,3]
}

// SampleSize is the product of the per-sample shape dimensions.
func (f InputsFormat) SampleSize() int {
	size := 1
	for _, d := range f.Shape {
		size *= d
	}
	return size
}

// Tensor is a decoded, reshaped batch of samples: N samples of shape
// f.Shape, laid out row-major.
type Tensor struct {
	N     int
	Shape []int // per-sample shape, possibly transposed CHW-first
	Data  []float32
}

// DecodeTensor interprets data as a flat little-endian float32 array,
// reshapes it to (N, *format.Shape), and — when the reshaped rank is 4 and
// the last per-sample dimension is a channel count of 1 or 3 with the first
// spatial dimension not itself 1 — transposes HWC-last to CHW-first, per
// the reshape/transpose rule the Batch Pairer applies to every inputs
// message.
func DecodeTensor(data []byte, format InputsFormat) (Tensor, error) {
	if len(data)%4 != 0 {
		return Tensor{}, errors.Newf("data length %d is not a multiple of 4 bytes (float32)", len(data))
	}
	totalElements := len(data) / 4
	sampleSize := format.SampleSize()
	if sampleSize <= 0 {
		return Tensor{}, errors.New("inputs_format sample size must be positive")
	}
	if totalElements%sampleSize != 0 {
		return Tensor{}, errors.Newf(
			"data size incompatible with expected format: expected elements per sample %d, total elements %d, remainder %d",
			sampleSize, totalElements, totalElements%sampleSize)
	}
	n := totalElements / sampleSize

	flat := make([]float32, totalElements)
	for i := 0; i < totalElements; i++ {
		flat[i] = decodeFloat32(data[i*4 : i*4+4])
	}

	shape := append([]int(nil), format.Shape...)
	t := Tensor{N: n, Shape: shape, Data: flat}

	// Rank 4 overall (N, H, W, C): transpose HWC-last to CHW-first when the
	// last per-sample dim looks like a channel count and H isn't itself 1.
	if len(shape) == 3 {
		h, w, c := shape[0], shape[1], shape[2]
		if (c == 1 || c == 3) && h != 1 {
			t = transposeHWCtoCHW(t, h, w, c)
		}
	}
	return t, nil
}

func transposeHWCtoCHW(t Tensor, h, w, c int) Tensor {
	out := make([]float32, len(t.Data))
	sampleSize := h * w * c
	for n := 0; n < t.N; n++ {
		base := n * sampleSize
		for hi := 0; hi < h; hi++ {
			for wi := 0; wi < w; wi++ {
				for ci := 0; ci < c; ci++ {
					srcIdx := base + (hi*w+wi)*c + ci
					dstIdx := base + (ci*h+hi)*w + wi
					out[dstIdx] = t.Data[srcIdx]
				}
			}
		}
	}
	return Tensor{N: t.N, Shape: []int{c, h, w}, Data: out}
}

// ParseInputsFormat parses a string like "(1,28,28)" or "(224,224,3)" into
// an InputsFormat, requiring every dimension to be positive.
func ParseInputsFormat(s string) (InputsFormat, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return InputsFormat{}, errors.New("inputs_format must not be empty")
	}
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return InputsFormat{}, errors.Newf("invalid shape format in %q", s)
	}
	inner := s[1 : len(s)-1]

	var shape []int
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return InputsFormat{}, errors.Wrapf(err, "invalid shape format in %q", s)
		}
		if d <= 0 {
			return InputsFormat{}, errors.New("all dimensions must be positive")
		}
		shape = append(shape, d)
	}
	if len(shape) == 0 {
		return InputsFormat{}, errors.New("empty shape not allowed")
	}
	return InputsFormat{Shape: shape}, nil
}
