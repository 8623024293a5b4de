package embedding

import (
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1.0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1.0},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"zero left", []float64{0, 0, 0}, []float64{1, 2, 3}, 0},
		{"zero right", []float64{1, 2, 3}, []float64{0, 0, 0}, 0},
		{"length mismatch", []float64{1, 2}, []float64{1, 2, 3}, 0},
		{"both empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Cosine() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCosine_Symmetric(t *testing.T) {
	a := []float64{0.3, -1.2, 4.5, 0.01}
	b := []float64{2.2, 0.9, -0.4, 1.7}
	if got, rev := Cosine(a, b), Cosine(b, a); math.Abs(got-rev) > 1e-12 {
		t.Errorf("Cosine not symmetric: %v vs %v", got, rev)
	}
}

func TestCosine_ScaleInvariant(t *testing.T) {
	a := []float64{1, 2, 3}
	scaled := []float64{10, 20, 30}
	if got := Cosine(a, scaled); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Cosine(a, 10a) = %v, want 1.0", got)
	}
}
