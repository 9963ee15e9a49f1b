package validation

import (
	"errors"
	"strings"
	"testing"
)

type sampleRequest struct {
	Count       int       `validate:"gte=0"`
	Probability float64   `validate:"gte=0,lte=1"`
	Routing     string    `validate:"required,oneof=flow paths"`
	Weights     []float64 `validate:"required,min=1,dive,gte=0"`
}

func TestStruct(t *testing.T) {
	valid := sampleRequest{Count: 10, Probability: 0.1, Routing: "flow", Weights: []float64{1}}

	tests := []struct {
		name    string
		mutate  func(r *sampleRequest)
		wantSub string
	}{
		{"valid", func(r *sampleRequest) {}, ""},
		{"negative count", func(r *sampleRequest) { r.Count = -1 }, "Count: must be at least 0"},
		{"probability above one", func(r *sampleRequest) { r.Probability = 2 }, "Probability: must not exceed 1"},
		{"missing routing", func(r *sampleRequest) { r.Routing = "" }, "Routing: field is required"},
		{"unknown routing", func(r *sampleRequest) { r.Routing = "ecmp" }, "must be one of"},
		{"empty weights", func(r *sampleRequest) { r.Weights = nil }, "Weights: field is required"},
		{"negative weight", func(r *sampleRequest) { r.Weights = []float64{1, -1} }, "Weights[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			req.Weights = append([]float64(nil), valid.Weights...)
			tt.mutate(&req)

			err := Struct(&req)
			if tt.wantSub == "" {
				if err != nil {
					t.Fatalf("Struct() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Struct() = %v, want error containing %q", err, tt.wantSub)
			}
		})
	}
}

func TestStructNil(t *testing.T) {
	if err := Struct(nil); !errors.Is(err, ErrNilStruct) {
		t.Errorf("Struct(nil) = %v, want ErrNilStruct", err)
	}
	var req *sampleRequest
	if err := Struct(req); !errors.Is(err, ErrNilStruct) {
		t.Errorf("Struct(typed nil) = %v, want ErrNilStruct", err)
	}
}
