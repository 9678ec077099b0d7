package lnwallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/smartvaults/smartvaults-core/miniscript"
)

// derSigSize is the approximate maximum size of a DER-encoded ECDSA
// signature plus its sighash-type byte, used only for coin-selection
// sizing before any signature exists.
const derSigSize = 73

// multisigWitnessSizeEstimate approximates the signed witness size for one
// input of an M-of-N multisig policy (or a thresh() of bare keys, the same
// script under a different spelling): a dummy push, M signatures, and the
// witness script itself.
func multisigWitnessSizeEstimate(policy *miniscript.Policy) int {
	k, keys, ok := flatMultisig(policy.Root)
	if !ok {
		return 0
	}
	witnessScriptSize := 3 + len(keys)*34 // rough OP_CHECKMULTISIG script size
	return 1 + k*derSigSize + witnessScriptSize
}

// WitnessSizeEstimate exposes multisigWitnessSizeEstimate for this wallet's
// own policy, used by the proposal engine's throwaway vsize estimates and
// full-balance drain sizing, both of which need a per-input witness size
// without duplicating the policy inspection BuildSpend already does.
func (w *Wallet) WitnessSizeEstimate() int {
	return multisigWitnessSizeEstimate(w.policy)
}

// BuildSpend selects UTXOs, builds an unsigned PSBT paying outputs at
// feeRate, and returns it together with the change amount it allocated
// (0 if no change output was added), generalized from the teacher's
// CreateSimpleTx/SendOutputs pair: callers here get back an unsigned PSBT
// for the proposal engine to route through approvals rather than a
// wallet-signed wire.MsgTx, since every vault spend needs M signers
// before it can be broadcast.
func (w *Wallet) BuildSpend(outputs []*wire.TxOut, feeRate FeeRate,
	frozen map[wire.OutPoint]struct{}) (*psbt.Packet, btcutil.Amount, error) {

	var total btcutil.Amount
	for _, o := range outputs {
		total += btcutil.Amount(o.Value)
	}

	available := w.spendableUTXOs(frozen)
	if len(available) == 0 {
		return nil, 0, fmt.Errorf("lnwallet: no spendable utxos (all frozen or empty wallet)")
	}

	selected, changeAmt, err := CoinSelect(feeRate, total, available, WitnessScriptHash, func(Utxo) int {
		return multisigWitnessSizeEstimate(w.policy)
	})
	if err != nil {
		return nil, 0, err
	}

	unsignedTx := wire.NewMsgTx(2)
	for _, u := range selected {
		unsignedTx.AddTxIn(&wire.TxIn{PreviousOutPoint: u.OutPoint})
	}
	for _, o := range outputs {
		unsignedTx.AddTxOut(o)
	}

	changeAddr, err := w.deriveAddress(0)
	if err != nil {
		return nil, 0, err
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, 0, err
	}
	if changeAmt > 0 {
		unsignedTx.AddTxOut(&wire.TxOut{Value: int64(changeAmt), PkScript: changeScript})
	}

	pkt, err := psbt.NewFromUnsignedTx(unsignedTx)
	if err != nil {
		return nil, 0, fmt.Errorf("building psbt: %w", err)
	}

	witnessScript, err := OutputScript(w.policy, w.descriptor)
	if err != nil {
		return nil, 0, err
	}
	for i, u := range selected {
		pkt.Inputs[i].WitnessUtxo = &wire.TxOut{
			Value:    int64(u.Value),
			PkScript: u.PkScript,
		}
		pkt.Inputs[i].WitnessScript = witnessScript
	}

	return pkt, changeAmt, nil
}

// spendableUTXOs returns the wallet's UTXOs excluding any outpoint frozen
// by an in-flight proposal, per spec.md §4.6's freeze-soundness invariant
// (P3): two pending proposals must never select the same input.
func (w *Wallet) spendableUTXOs(frozen map[wire.OutPoint]struct{}) []Utxo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Utxo, 0, len(w.utxos))
	for op, u := range w.utxos {
		if _, isFrozen := frozen[op]; isFrozen {
			continue
		}
		out = append(out, u)
	}
	return out
}
