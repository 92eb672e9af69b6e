// Package disburse pushes earned EcoCoins on-chain. Balances accumulate on
// the internal ledger; a scheduled job batches the amounts not yet disbursed
// and spends them through the disbursement contract.
package disburse

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/apex/log"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"ecosentinel/disburse/contract"
	"ecosentinel/metrics"
)

const gasLimit = uint64(0) // 0 lets the client estimate

// reserveCoins is the buffer the contract must hold beyond the batch total.
const reserveCoins = 10.0

// FromWei converts a wei amount to whole EcoCoins.
func FromWei(src *big.Int) float64 {
	res, _ := decimal.NewFromBigInt(src, -18).Float64()
	return res
}

// ToWei converts whole EcoCoins to wei.
func ToWei(src float64) *big.Int {
	srcDec := decimal.NewFromFloat(src)
	return big.NewInt(0).Mul(srcDec.Coefficient(),
		big.NewInt(0).Exp(big.NewInt(10), big.NewInt(int64(int32(18)+srcDec.Exponent())), nil))
}

// Disburser sends EcoCoin batches through the disbursement contract.
type Disburser struct {
	client          *ethclient.Client
	chainID         *big.Int
	privateKey      *ecdsa.PrivateKey
	fromAddress     ethcommon.Address
	contractAddress ethcommon.Address
	contract        *contract.EcoDisbursement
	header          *types.Header
}

// NewDisburser dials the network and binds the contract.
func NewDisburser(ethNetworkURL, privateKey, contractAddress string) (*Disburser, error) {
	d := &Disburser{}

	client, err := ethclient.Dial(ethNetworkURL)
	if err != nil {
		return nil, fmt.Errorf("error creating ethclient with the network url %s: %w", ethNetworkURL, err)
	}
	d.client = client

	chainID, err := client.NetworkID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("error getting network ID: %w", err)
	}
	d.chainID = chainID

	if len(privateKey) == 0 {
		return nil, fmt.Errorf("the eth private key param isn't specified")
	}
	d.privateKey, err = crypto.HexToECDSA(privateKey)
	if err != nil {
		return nil, fmt.Errorf("error converting private key: %w", err)
	}

	publicKey, ok := d.privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error creating ECDSA public key")
	}
	d.fromAddress = crypto.PubkeyToAddress(*publicKey)

	d.contractAddress = ethcommon.HexToAddress(contractAddress)
	d.contract, err = contract.NewEcoDisbursement(d.contractAddress, client)
	if err != nil {
		return nil, fmt.Errorf("error creating the contract interface: %w", err)
	}

	h, err := client.HeaderByNumber(context.Background(), nil)
	if err != nil {
		return nil, fmt.Errorf("error getting header block: %w", err)
	}
	d.header = h

	log.Infof("Disburser initialized, chain ID: %v, contract address: %v, contract owner: %v",
		d.chainID, d.contractAddress, d.fromAddress)
	return d, nil
}

// DisburseBatch spends the given amounts in one contract call and returns the
// addresses the contract confirmed.
func (d *Disburser) DisburseBatch(coins map[ethcommon.Address]*big.Int) ([]ethcommon.Address, error) {
	nonce, err := d.client.PendingNonceAt(context.Background(), d.fromAddress)
	if err != nil {
		return nil, err
	}
	gasPrice, err := d.client.SuggestGasPrice(context.Background())
	if err != nil {
		return nil, err
	}

	auth, err := bind.NewKeyedTransactorWithChainID(d.privateKey, d.chainID)
	if err != nil {
		return nil, err
	}
	auth.Nonce = big.NewInt(int64(nonce))
	auth.Value = big.NewInt(0)
	auth.GasLimit = gasLimit
	auth.GasPrice = gasPrice

	addresses := []ethcommon.Address{}
	amounts := []*big.Int{}
	totalAmount := big.NewInt(0)
	for addr, amount := range coins {
		addresses = append(addresses, addr)
		amounts = append(amounts, amount)
		totalAmount.Add(totalAmount, amount)
	}

	// The contract needs the batch total plus a small reserve.
	requiredAmount := big.NewInt(0).Add(totalAmount, ToWei(reserveCoins))
	balance, err := d.contract.GetCoinBalance(&bind.CallOpts{})
	if err != nil {
		return nil, fmt.Errorf("error getting contract balance: %w", err)
	}
	if requiredAmount.Cmp(balance) == 1 {
		return nil, fmt.Errorf("not enough funds on the contract: %v, required at least %v", balance, requiredAmount)
	}

	tx, err := d.contract.SpendCoins(auth, addresses, amounts)
	if err != nil {
		return nil, fmt.Errorf("call contract spend coins: %w", err)
	}
	log.Infof("Disbursement transaction %s", tx.Hash().String())

	filterer, err := contract.NewEcoDisbursementFilterer(d.contractAddress, d.client)
	if err != nil {
		return nil, fmt.Errorf("create events filterer: %w", err)
	}
	filterOpts := bind.FilterOpts{
		Start:   d.header.Number.Uint64(),
		Context: context.Background(),
	}

	succeeded := []ethcommon.Address{}
	// Iterate until the transaction's event shows up in the log.
	incomplete := true
	for incomplete {
		f, err := filterer.FilterCoinsSpent(&filterOpts)
		if err != nil {
			return nil, fmt.Errorf("filter events: %w", err)
		}
		for f.Next() {
			if f.Event.Raw.TxHash != tx.Hash() {
				continue
			}
			incomplete = false
			for _, r := range f.Event.Results {
				if r.Result {
					succeeded = append(succeeded, r.Receiver)
					metrics.CoinsDisbursedTotal.Add(FromWei(r.Amount))
				} else {
					log.Errorf("Failed disbursing %f coins to %v", FromWei(r.Amount), r.Receiver)
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return succeeded, nil
}
