package disburse

import (
	"context"
	"errors"
	"math/big"
	"testing"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

func makeWei(arg string) *big.Int {
	res, _ := big.NewInt(1).SetString(arg, 10)
	return res
}

func TestFromWei(t *testing.T) {
	tests := []struct {
		src      *big.Int
		expected float64
	}{
		{
			src:      makeWei("120000000000000000000"),
			expected: 120.0,
		}, {
			src:      makeWei("7250000000000000000"),
			expected: 7.25,
		}, {
			src:      makeWei("0"),
			expected: 0.0,
		},
	}
	for _, test := range tests {
		if res := FromWei(test.src); res != test.expected {
			t.Errorf("FromWei(%v): want %v, got %v", test.src, test.expected, res)
		}
	}
}

func TestToWei(t *testing.T) {
	tests := []struct {
		src      float64
		expected *big.Int
	}{
		{
			src:      10000.0,
			expected: big.NewInt(0).Mul(big.NewInt(10000), big.NewInt(1e18)),
		}, {
			src:      12.345,
			expected: big.NewInt(0).Mul(big.NewInt(12345), big.NewInt(1e15)),
		}, {
			src:      0.0,
			expected: big.NewInt(0),
		},
	}
	for _, test := range tests {
		if res := ToWei(test.src); res.Cmp(test.expected) != 0 {
			t.Errorf("ToWei(%v): want %v, got %v", test.src, test.expected, res)
		}
	}
}

type fakeLedger struct {
	pending   map[string]int64
	disbursed map[string]int64
}

func (f *fakeLedger) PendingDisbursements(ctx context.Context) (map[string]int64, error) {
	return f.pending, nil
}

func (f *fakeLedger) MarkDisbursed(ctx context.Context, userID string, coins int64) error {
	if f.disbursed == nil {
		f.disbursed = make(map[string]int64)
	}
	f.disbursed[userID] += coins
	return nil
}

type fakeDisburser struct {
	batches []map[ethcommon.Address]*big.Int
	err     error
}

func (f *fakeDisburser) DisburseBatch(coins map[ethcommon.Address]*big.Int) ([]ethcommon.Address, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, coins)
	succeeded := []ethcommon.Address{}
	for addr := range coins {
		succeeded = append(succeeded, addr)
	}
	return succeeded, nil
}

func TestRunOnceDisbursesAndMarks(t *testing.T) {
	wallet := "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	ledger := &fakeLedger{pending: map[string]int64{
		wallet:        50,
		"not-a-wallet": 20,
	}}
	fake := &fakeDisburser{}
	runner := NewRunner(ledger, fake, 0)

	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() unexpected error: %v", err)
	}

	if len(fake.batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(fake.batches))
	}
	batch := fake.batches[0]
	if len(batch) != 1 {
		t.Errorf("non-wallet accounts must be skipped, batch has %d entries", len(batch))
	}
	addr := ethcommon.HexToAddress(wallet)
	if want := ToWei(50); batch[addr] == nil || batch[addr].Cmp(want) != 0 {
		t.Errorf("batch amount for %v = %v, want %v", addr, batch[addr], want)
	}
	if got := ledger.disbursed[addr.Hex()]; got != 50 {
		t.Errorf("disbursed coins for %v = %d, want 50", addr, got)
	}
	if _, marked := ledger.disbursed["not-a-wallet"]; marked {
		t.Error("skipped account must not be marked disbursed")
	}
}

func TestRunOnceNothingPending(t *testing.T) {
	ledger := &fakeLedger{pending: map[string]int64{}}
	fake := &fakeDisburser{}
	runner := NewRunner(ledger, fake, 0)

	if err := runner.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() unexpected error: %v", err)
	}
	if len(fake.batches) != 0 {
		t.Errorf("empty pending set must not trigger a batch")
	}
}

func TestRunOnceDisburseFailureLeavesPending(t *testing.T) {
	wallet := "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	ledger := &fakeLedger{pending: map[string]int64{wallet: 50}}
	fake := &fakeDisburser{err: errors.New("chain unavailable")}
	runner := NewRunner(ledger, fake, 0)

	if err := runner.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() expected error")
	}
	if len(ledger.disbursed) != 0 {
		t.Error("failed batch must not mark anything disbursed")
	}
}
