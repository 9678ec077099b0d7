package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// ErrInsufficientFunds mirrors chanfunding.ErrInsufficientFunds: returned
// when the candidate UTXOs passed to CoinSelect (confirmed or not) cannot
// cover the requested spend plus its fee.
type ErrInsufficientFunds struct {
	amountNeeded   btcutil.Amount
	amountSelected btcutil.Amount
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: need %v, have %v available",
		e.amountNeeded, e.amountSelected)
}

// witnessSizeFn estimates the witness size, in bytes, a UTXO will
// contribute once spent, so CoinSelect can size the transaction before a
// concrete descriptor satisfaction has been produced.
type witnessSizeFn func(Utxo) int

func selectInputs(amt btcutil.Amount, coins []Utxo) (btcutil.Amount, []Utxo, error) {
	selected := btcutil.Amount(0)
	for i, c := range coins {
		selected += c.Value
		if selected >= amt {
			return selected, coins[:i+1], nil
		}
	}
	return 0, nil, &ErrInsufficientFunds{amt, selected}
}

// CoinSelect selects UTXOs to cover amt at feeRate, generalized from
// chanfunding.CoinSelect's greedy fee-reestimation loop: a P2SH/P2PKH
// channel output becomes an arbitrary descriptor-shaped output, and
// per-input witness sizing is supplied by witnessSize rather than being
// hard-coded to P2PKH.
func CoinSelect(feeRate FeeRate, amt btcutil.Amount, coins []Utxo,
	outputKind AddressType, witnessSize witnessSizeFn) ([]Utxo, btcutil.Amount, error) {

	if feeRate < relayMinFeeRate {
		return nil, 0, fmt.Errorf("fee rate %d below relay minimum", feeRate)
	}

	amtNeeded := amt
	for {
		total, selected, err := selectInputs(amtNeeded, coins)
		if err != nil {
			return nil, 0, err
		}

		var est TxSizeEstimator
		for _, u := range selected {
			est.AddCustomInput(witnessSize(u))
		}
		addOutput(&est, outputKind)
		// Assume a native segwit change output; vaults never produce
		// legacy change.
		est.AddP2WKHOutput()

		overshoot := total - amt
		requiredFee := feeRate.FeeForSize(est.VSize())
		if overshoot < requiredFee {
			amtNeeded = amt + requiredFee
			continue
		}

		changeAmt := overshoot - requiredFee
		return selected, changeAmt, nil
	}
}

func addOutput(est *TxSizeEstimator, kind AddressType) {
	switch kind {
	case Taproot:
		est.AddP2TROutput()
	case WitnessScriptHash:
		est.AddP2WSHOutput()
	default:
		est.AddP2WKHOutput()
	}
}
