package pb

import "testing"

func float32sToBytes(vals []float32) []byte {
	var b []byte
	for _, v := range vals {
		b = appendFloat32(b, v)
	}
	return b
}

func TestDecodeTensor_NoTranspose(t *testing.T) {
	format := InputsFormat{Shape: []int{1, 28, 28}} // C-first already; no transpose
	data := make([]float32, 2*28*28)
	for i := range data {
		data[i] = float32(i)
	}

	tensor, err := DecodeTensor(float32sToBytes(data), format)
	if err != nil {
		t.Fatalf("DecodeTensor() error = %v", err)
	}
	if tensor.N != 2 {
		t.Errorf("N = %d, want 2", tensor.N)
	}
	if len(tensor.Data) != len(data) {
		t.Errorf("len(Data) = %d, want %d", len(tensor.Data), len(data))
	}
}

func TestDecodeTensor_HWCTranspose(t *testing.T) {
	// Shape (2, 2, 3): H=2, W=2, C=3 -> transpose to (3, 2, 2).
	format := InputsFormat{Shape: []int{2, 2, 3}}
	// One sample, HWC layout: value = h*6 + w*3 + c
	data := make([]float32, 2*2*3)
	for h := 0; h < 2; h++ {
		for w := 0; w < 2; w++ {
			for c := 0; c < 3; c++ {
				data[h*6+w*3+c] = float32(h*6 + w*3 + c)
			}
		}
	}

	tensor, err := DecodeTensor(float32sToBytes(data), format)
	if err != nil {
		t.Fatalf("DecodeTensor() error = %v", err)
	}
	if tensor.N != 1 {
		t.Fatalf("N = %d, want 1", tensor.N)
	}
	wantShape := []int{3, 2, 2}
	for i, d := range wantShape {
		if tensor.Shape[i] != d {
			t.Fatalf("Shape = %v, want %v", tensor.Shape, wantShape)
		}
	}
	// CHW layout: index = c*4 + h*2 + w
	for h := 0; h < 2; h++ {
		for w := 0; w < 2; w++ {
			for c := 0; c < 3; c++ {
				want := float32(h*6 + w*3 + c)
				got := tensor.Data[c*4+h*2+w]
				if got != want {
					t.Errorf("Data[c=%d,h=%d,w=%d] = %v, want %v", c, h, w, got, want)
				}
			}
		}
	}
}

func TestDecodeTensor_RemainderRejected(t *testing.T) {
	format := InputsFormat{Shape: []int{1, 28, 28}}
	data := make([]float32, 28*28+1) // not a multiple of sample size

	if _, err := DecodeTensor(float32sToBytes(data), format); err == nil {
		t.Error("DecodeTensor() expected error for non-multiple data size")
	}
}

func TestParseInputsFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "(1,28,28)", want: []int{1, 28, 28}},
		{in: "(224, 224, 3)", want: []int{224, 224, 3}},
		{in: "", wantErr: true},
		{in: "1,28,28", wantErr: true},
		{in: "(0,28,28)", wantErr: true},
		{in: "(-1,28,28)", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseInputsFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseInputsFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if len(got.Shape) != len(tt.want) {
			t.Errorf("ParseInputsFormat(%q).Shape = %v, want %v", tt.in, got.Shape, tt.want)
			continue
		}
		for i := range tt.want {
			if got.Shape[i] != tt.want[i] {
				t.Errorf("ParseInputsFormat(%q).Shape = %v, want %v", tt.in, got.Shape, tt.want)
			}
		}
	}
}
