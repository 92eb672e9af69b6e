// Package contract binds the EcoCoin disbursement contract: a batch
// spendCoins entry point plus the CoinsSpent event reporting the per-receiver
// outcome.
package contract

import (
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EcoDisbursementABI is the input ABI used to generate the binding.
const EcoDisbursementABI = `[
  {"inputs":[],"name":"getCoinBalance","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"address[]","name":"receivers","type":"address[]"},{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"name":"spendCoins","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"anonymous":false,"inputs":[{"components":[{"internalType":"address","name":"receiver","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"},{"internalType":"bool","name":"result","type":"bool"}],"indexed":false,"internalType":"struct EcoDisbursement.SpendResult[]","name":"results","type":"tuple[]"}],"name":"CoinsSpent","type":"event"}
]`

// EcoDisbursement wraps a deployed disbursement contract instance.
type EcoDisbursement struct {
	contract *bind.BoundContract
}

// NewEcoDisbursement creates an instance bound to the deployed contract.
func NewEcoDisbursement(address common.Address, backend bind.ContractBackend) (*EcoDisbursement, error) {
	parsed, err := abi.JSON(strings.NewReader(EcoDisbursementABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract ABI: %w", err)
	}
	return &EcoDisbursement{
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// GetCoinBalance returns the contract's spendable EcoCoin balance in wei.
func (e *EcoDisbursement) GetCoinBalance(opts *bind.CallOpts) (*big.Int, error) {
	var out []interface{}
	if err := e.contract.Call(opts, &out, "getCoinBalance"); err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// SpendCoins disburses amounts[i] to receivers[i] in one transaction.
func (e *EcoDisbursement) SpendCoins(opts *bind.TransactOpts, receivers []common.Address, amounts []*big.Int) (*types.Transaction, error) {
	return e.contract.Transact(opts, "spendCoins", receivers, amounts)
}

// EcoDisbursementSpendResult is one receiver's outcome inside a CoinsSpent
// event.
type EcoDisbursementSpendResult struct {
	Receiver common.Address
	Amount   *big.Int
	Result   bool
}

// EcoDisbursementCoinsSpent is the CoinsSpent event payload.
type EcoDisbursementCoinsSpent struct {
	Results []EcoDisbursementSpendResult
	Raw     types.Log
}

// EcoDisbursementFilterer reads CoinsSpent events from the chain log.
type EcoDisbursementFilterer struct {
	contract *bind.BoundContract
}

// NewEcoDisbursementFilterer creates a log filterer bound to the deployed
// contract.
func NewEcoDisbursementFilterer(address common.Address, backend bind.ContractFilterer) (*EcoDisbursementFilterer, error) {
	parsed, err := abi.JSON(strings.NewReader(EcoDisbursementABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract ABI: %w", err)
	}
	return &EcoDisbursementFilterer{
		contract: bind.NewBoundContract(address, parsed, nil, nil, backend),
	}, nil
}

// FilterCoinsSpent retrieves CoinsSpent events within the filter range.
func (f *EcoDisbursementFilterer) FilterCoinsSpent(opts *bind.FilterOpts) (*EcoDisbursementCoinsSpentIterator, error) {
	logs, sub, err := f.contract.FilterLogs(opts, "CoinsSpent")
	if err != nil {
		return nil, err
	}
	return &EcoDisbursementCoinsSpentIterator{contract: f.contract, logs: logs, sub: sub}, nil
}

// EcoDisbursementCoinsSpentIterator iterates over the raw logs and unpacked
// data of CoinsSpent events.
type EcoDisbursementCoinsSpentIterator struct {
	Event *EcoDisbursementCoinsSpent

	contract *bind.BoundContract
	logs     chan types.Log
	sub      ethereum.Subscription
	done     bool
	fail     error
}

// Next advances the iterator to the next event, returning false when the
// range is exhausted or an error occurred.
func (it *EcoDisbursementCoinsSpentIterator) Next() bool {
	if it.fail != nil {
		return false
	}
	if it.done {
		select {
		case logEntry := <-it.logs:
			return it.unpack(logEntry)
		default:
			return false
		}
	}
	select {
	case logEntry := <-it.logs:
		return it.unpack(logEntry)
	case err := <-it.sub.Err():
		it.done = true
		it.fail = err
		return it.Next()
	}
}

func (it *EcoDisbursementCoinsSpentIterator) unpack(logEntry types.Log) bool {
	event := new(EcoDisbursementCoinsSpent)
	if err := it.contract.UnpackLog(event, "CoinsSpent", logEntry); err != nil {
		it.fail = err
		return false
	}
	event.Raw = logEntry
	it.Event = event
	return true
}

// Error returns any retrieval or parsing error encountered during iteration.
func (it *EcoDisbursementCoinsSpentIterator) Error() error {
	return it.fail
}

// Close terminates the iteration process, releasing the log subscription.
func (it *EcoDisbursementCoinsSpentIterator) Close() error {
	it.sub.Unsubscribe()
	return nil
}
