// Package reserve implements proof-of-reserve proposal creation and
// verification: a non-broadcastable PSBT that spends every UTXO a vault
// controls into an unspendable sentinel output, bound to a caller-chosen
// message via an unspendable challenge input, per spec.md §4.5.
//
// Grounded on the teacher's chanfunding.ErrInsufficientFunds /
// lnwallet.ErrNotMine family: one exported error type per failure mode,
// carrying just enough structured detail (the offending input index) for
// a caller to report precisely which rule failed.
package reserve

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// challengePrefix is the domain-separation string prefixed to the user
// message before hashing, per spec.md §4.5.
const challengePrefix = "Proof-of-Reserves: "

// sentinelHash160 is hash160(0x00), the provably unspendable P2PKH
// destination every proof's sole output pays to.
var sentinelHash160 = btcutil.Hash160([]byte{0x00})

// ProofErrorKind enumerates the specific verification failure modes named
// in spec.md §4.5.
type ProofErrorKind int

const (
	WrongNumberOfInputs ProofErrorKind = iota
	WrongNumberOfOutputs
	NonSpendableInput
	NotSignedInput
	UnsupportedSighashType
	SignatureValidation
	OutpointNotFound
	InvalidOutput
	InAndOutValueNotEqual
	ChallengeInputMismatch
	MissingConfirmationInfo
)

func (k ProofErrorKind) String() string {
	switch k {
	case WrongNumberOfInputs:
		return "WrongNumberOfInputs"
	case WrongNumberOfOutputs:
		return "WrongNumberOfOutputs"
	case NonSpendableInput:
		return "NonSpendableInput"
	case NotSignedInput:
		return "NotSignedInput"
	case UnsupportedSighashType:
		return "UnsupportedSighashType"
	case SignatureValidation:
		return "SignatureValidation"
	case OutpointNotFound:
		return "OutpointNotFound"
	case InvalidOutput:
		return "InvalidOutput"
	case InAndOutValueNotEqual:
		return "InAndOutValueNotEqual"
	case ChallengeInputMismatch:
		return "ChallengeInputMismatch"
	case MissingConfirmationInfo:
		return "MissingConfirmationInfo"
	default:
		return "Unknown"
	}
}

// ProofError carries the failing rule, the offending input index (-1 when
// the rule is not input-scoped), and an optional detail string.
type ProofError struct {
	Kind   ProofErrorKind
	Index  int
	Detail string
}

func (e *ProofError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("reserve: %s (input %d)%s", e.Kind, e.Index, detailSuffix(e.Detail))
	}
	return fmt.Sprintf("reserve: %s%s", e.Kind, detailSuffix(e.Detail))
}

func detailSuffix(detail string) string {
	if detail == "" {
		return ""
	}
	return ": " + detail
}

func newProofErr(kind ProofErrorKind, index int, detail string) *ProofError {
	return &ProofError{Kind: kind, Index: index, Detail: detail}
}

// UTXOSource resolves the current chain state for a specific outpoint, so
// VerifyProof can be exercised independent of a live wallet, per spec.md
// §4.5's "expose it as a pure function of (psbt, message, outpoint set,
// network)" guidance.
type UTXOSource interface {
	Lookup(op wire.OutPoint) (txOut *wire.TxOut, confirmedHeight int32, ok bool)
}

// CreateProof builds the unsigned challenge PSBT for message spending
// every UTXO in utxos. The caller is responsible for having each
// non-challenge input signed (e.g. via proposal.Approve) before the proof
// is distributed; CreateProof itself never signs.
func CreateProof(message string, utxos []UnspentOutput, changeScript []byte) (*psbt.Packet, error) {
	if message == "" {
		return nil, newProofErr(ChallengeInputMismatch, -1, "empty message")
	}

	tx := wire.NewMsgTx(2)

	challengeScript, err := challengeOpReturnScript(message)
	if err != nil {
		return nil, err
	}
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: challengeOutpoint()})

	var total btcutil.Amount
	for _, u := range utxos {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: u.OutPoint})
		total += u.Value
	}

	sentinel, err := sentinelScript()
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(&wire.TxOut{Value: int64(total), PkScript: sentinel})

	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("reserve: building psbt: %w", err)
	}

	pkt.Inputs[0].WitnessUtxo = &wire.TxOut{Value: 0, PkScript: challengeScript}
	for i, u := range utxos {
		pkt.Inputs[i+1].WitnessUtxo = &wire.TxOut{Value: int64(u.Value), PkScript: u.PkScript}
		pkt.Inputs[i+1].WitnessScript = u.WitnessScript
	}

	_ = changeScript // a proof never has change; all funds go to the sentinel.

	return pkt, nil
}

// UnspentOutput is the subset of lnwallet.Utxo the reserve package needs,
// kept independent of the lnwallet import to preserve the "pure function"
// property spec.md asks for.
type UnspentOutput struct {
	OutPoint      wire.OutPoint
	Value         btcutil.Amount
	PkScript      []byte
	WitnessScript []byte
}

// challengeOutpoint is a fixed, clearly-unspendable outpoint (all zero
// hash, max index) used to anchor the challenge input, so a challenge
// input never collides with a real UTXO.
func challengeOutpoint() wire.OutPoint {
	return wire.OutPoint{Index: 0xffffffff}
}

func challengeOpReturnScript(message string) ([]byte, error) {
	payload := sha256d([]byte(challengePrefix + message))
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_RETURN)
	b.AddData(payload[:])
	return b.Script()
}

func sentinelScript() ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(sentinelHash160)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIG)
	return b.Script()
}

func sha256d(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// VerifyProof checks pkt against message and source per spec.md §4.5's
// rule list, in order, returning the proven reserve amount on success.
// maxConfirmedHeight, when non-zero, additionally requires every
// non-challenge input be confirmed at or before that height.
func VerifyProof(pkt *psbt.Packet, message string, source UTXOSource, maxConfirmedHeight int32) (btcutil.Amount, error) {
	tx := pkt.UnsignedTx

	if len(tx.TxIn) < 2 {
		return 0, newProofErr(WrongNumberOfInputs, -1, fmt.Sprintf("have %d, need >= 2", len(tx.TxIn)))
	}
	if len(tx.TxOut) != 1 {
		return 0, newProofErr(WrongNumberOfOutputs, -1, fmt.Sprintf("have %d, need 1", len(tx.TxOut)))
	}

	wantChallenge, err := challengeOpReturnScript(message)
	if err != nil {
		return 0, err
	}
	challengeIn := pkt.Inputs[0]
	if challengeIn.WitnessUtxo == nil || !bytes.Equal(challengeIn.WitnessUtxo.PkScript, wantChallenge) {
		return 0, newProofErr(ChallengeInputMismatch, 0, "challenge script does not match message")
	}

	var sum btcutil.Amount
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))
	prevOuts[tx.TxIn[0].PreviousOutPoint] = challengeIn.WitnessUtxo

	for i := 1; i < len(tx.TxIn); i++ {
		in := pkt.Inputs[i]
		op := tx.TxIn[i].PreviousOutPoint

		txOut, confirmedHeight, ok := source.Lookup(op)
		if !ok {
			return 0, newProofErr(OutpointNotFound, i, op.String())
		}
		if maxConfirmedHeight > 0 {
			if confirmedHeight <= 0 || confirmedHeight > maxConfirmedHeight {
				return 0, newProofErr(MissingConfirmationInfo, i, "")
			}
		}

		if len(in.FinalScriptWitness) == 0 && len(in.FinalScriptSig) == 0 {
			return 0, newProofErr(NotSignedInput, i, "")
		}

		if err := checkSighashAll(in); err != nil {
			return 0, newProofErr(UnsupportedSighashType, i, err.Error())
		}

		prevOuts[op] = txOut
		sum += btcutil.Amount(txOut.Value)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i := 1; i < len(tx.TxIn); i++ {
		op := tx.TxIn[i].PreviousOutPoint
		prevOut := prevOuts[op]
		vm, err := txscript.NewEngine(prevOut.PkScript, tx, i,
			txscript.StandardVerifyFlags, nil, sigHashes, prevOut.Value, fetcher)
		if err != nil {
			return 0, newProofErr(SignatureValidation, i, err.Error())
		}
		if err := vm.Execute(); err != nil {
			return 0, newProofErr(SignatureValidation, i, err.Error())
		}
	}

	wantSentinel, err := sentinelScript()
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(tx.TxOut[0].PkScript, wantSentinel) {
		return 0, newProofErr(InvalidOutput, -1, "")
	}

	if btcutil.Amount(tx.TxOut[0].Value) != sum {
		return 0, newProofErr(InAndOutValueNotEqual, -1,
			fmt.Sprintf("output %d != sum(inputs) %d", tx.TxOut[0].Value, sum))
	}

	return sum, nil
}

func checkSighashAll(in psbt.PInput) error {
	for _, ps := range in.PartialSigs {
		if len(ps.Signature) == 0 {
			continue
		}
		if ps.Signature[len(ps.Signature)-1] != byte(txscript.SigHashAll) {
			return fmt.Errorf("sighash type %#x is not SIGHASH_ALL", ps.Signature[len(ps.Signature)-1])
		}
	}
	if in.SighashType != 0 && in.SighashType != txscript.SigHashAll {
		return fmt.Errorf("declared sighash type %#x is not SIGHASH_ALL", in.SighashType)
	}
	return nil
}
