package blackscholes

import (
	"math"
	"testing"
	"time"
)

func TestCalculate_KnownValues(t *testing.T) {
	// Hull, Options Futures and Other Derivatives, example 15.6:
	// S=42, K=40, r=10%, sigma=20%, T=0.5 -> call 4.76, put 0.81.
	in := Input{Spot: 42, Strike: 40, Years: 0.5, Rate: 0.1, Vol: 0.2}

	call, err := Calculate(false, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(call.Price.Float64()-4.76) > 0.01 {
		t.Errorf("expected call ~4.76, got %s", call.Price)
	}

	put, err := Calculate(true, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(put.Price.Float64()-0.81) > 0.01 {
		t.Errorf("expected put ~0.81, got %s", put.Price)
	}
}

func TestCalculate_PutCallParity(t *testing.T) {
	in := Input{Spot: 1800, Strike: 2000, Years: 30.0 / 365, Rate: 0.03, Vol: 0.7}
	call, _ := Calculate(false, in)
	put, _ := Calculate(true, in)

	lhs := call.Price.Float64() - put.Price.Float64()
	rhs := in.Spot - in.Strike*math.Exp(-in.Rate*in.Years)
	if math.Abs(lhs-rhs) > 1e-6 {
		t.Errorf("put-call parity violated: C-P=%f, S-Ke^-rT=%f", lhs, rhs)
	}

	if math.Abs(call.Delta.Float64()-put.Delta.Float64()-1) > 1e-9 {
		t.Errorf("call delta - put delta should be 1, got %s and %s", call.Delta, put.Delta)
	}
	if !call.Gamma.Equal(put.Gamma) || !call.Vega.Equal(put.Vega) {
		t.Errorf("gamma and vega should match between call and put")
	}
}

func TestCalculate_InvalidInputs(t *testing.T) {
	tests := []Input{
		{Spot: 0, Strike: 100, Years: 1, Vol: 0.5},
		{Spot: 100, Strike: 0, Years: 1, Vol: 0.5},
		{Spot: 100, Strike: 100, Years: 0, Vol: 0.5},
		{Spot: 100, Strike: 100, Years: 1, Vol: 0},
		{Spot: 100, Strike: 100, Years: 1, Vol: math.NaN()},
	}
	for _, in := range tests {
		if _, err := Calculate(false, in); err != ErrInvalidInput {
			t.Errorf("expected ErrInvalidInput for %+v, got %v", in, err)
		}
	}
}

func TestYearsUntil(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	exp := now.Add(365 * 24 * time.Hour).Unix()
	if got := YearsUntil(exp, now); math.Abs(got-1) > 1e-12 {
		t.Errorf("expected 1 year, got %f", got)
	}
}
