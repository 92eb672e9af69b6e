package disburse

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/apex/log"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Ledger is the slice of account storage the disbursement job reads and
// settles against.
type Ledger interface {
	// PendingDisbursements returns, per account, coins earned but not yet
	// pushed on-chain.
	PendingDisbursements(ctx context.Context) (map[string]int64, error)
	// MarkDisbursed records coins as pushed on-chain for the account.
	MarkDisbursed(ctx context.Context, userID string, coins int64) error
}

// BatchDisburser is implemented by Disburser. Split out so the runner can be
// tested without a chain connection.
type BatchDisburser interface {
	DisburseBatch(coins map[ethcommon.Address]*big.Int) ([]ethcommon.Address, error)
}

// Runner periodically pushes pending balances on-chain.
type Runner struct {
	ledger    Ledger
	disburser BatchDisburser
	interval  time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRunner(ledger Ledger, disburser BatchDisburser, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Runner{
		ledger:    ledger,
		disburser: disburser,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// RunOnce disburses everything currently pending. Accounts whose user id is
// not a hex address are skipped; they stay pending until the user links a
// wallet.
func (r *Runner) RunOnce(ctx context.Context) error {
	pending, err := r.ledger.PendingDisbursements(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	batch := make(map[ethcommon.Address]*big.Int)
	amounts := make(map[ethcommon.Address]int64)
	for userID, coins := range pending {
		if !ethcommon.IsHexAddress(userID) {
			log.WithField("user_id", userID).Debug("Skipping non-wallet account")
			continue
		}
		addr := ethcommon.HexToAddress(userID)
		batch[addr] = ToWei(float64(coins))
		amounts[addr] = coins
	}
	if len(batch) == 0 {
		return nil
	}

	log.Infof("Disbursing EcoCoins to %d accounts", len(batch))
	succeeded, err := r.disburser.DisburseBatch(batch)
	if err != nil {
		return err
	}

	for _, addr := range succeeded {
		if err := r.ledger.MarkDisbursed(ctx, addr.Hex(), amounts[addr]); err != nil {
			// The coins will be re-sent next run; the contract-side ledger is
			// the source of truth for double-spend protection.
			log.Errorf("Failed to mark %v disbursed: %v", addr, err)
		}
	}
	return nil
}

// Start launches the periodic disbursement loop.
func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.RunOnce(context.Background()); err != nil {
					log.Errorf("Disbursement run failed: %v", err)
				}
			case <-r.stopChan:
				return
			}
		}
	}()
}

// Stop terminates the loop and waits for it to exit.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.wg.Wait()
}
