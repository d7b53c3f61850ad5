package eth

import (
	"errors"
	"math/big"
	"testing"
)

func bi(v int64) *big.Int { return big.NewInt(v) }

func TestCalc1559Fees(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                    string
		base, suggested, minTip int64
		wantTip, wantFee        int64
	}{
		{"min tip wins", 100, 2, 5, 5, 205},
		{"suggested tip wins", 100, 9, 5, 9, 209},
		{"zero base fee", 0, 1, 0, 1, 1},
	}
	for _, tc := range cases {
		tip, fee, err := Calc1559Fees(bi(tc.base), bi(tc.suggested), bi(tc.minTip))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if tip.Cmp(bi(tc.wantTip)) != 0 || fee.Cmp(bi(tc.wantFee)) != 0 {
			t.Fatalf("%s: got tip=%s fee=%s want tip=%d fee=%d", tc.name, tip, fee, tc.wantTip, tc.wantFee)
		}
	}

	if _, _, err := Calc1559Fees(nil, bi(1), bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("expected ErrInvalidFeeArgs, got %v", err)
	}
	if _, _, err := Calc1559Fees(bi(-1), bi(1), bi(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("expected ErrInvalidFeeArgs, got %v", err)
	}
}

func TestApplyGasMultiplier(t *testing.T) {
	t.Parallel()

	if got := applyGasMultiplier(100_000, 1.2); got != 120_000 {
		t.Fatalf("got %d want 120000", got)
	}
	if got := applyGasMultiplier(100_000, 0.5); got != 100_000 {
		t.Fatalf("multiplier below 1 must keep the estimate, got %d", got)
	}
}
