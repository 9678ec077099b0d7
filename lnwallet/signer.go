package lnwallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SignInput produces a raw signature for input idx of pkt using priv,
// adapted from the teacher's SignOutputRaw: there, the wallet derives the
// private key itself from its own keychain; here, a "seed" SignerType
// signer (the only SignerType this module signs locally for, per
// spec.md §4.9 — AirGap and Hardware signers return their partial
// signatures out of band) supplies the key directly.
func SignInput(pkt *psbt.Packet, idx int, priv *btcec.PrivateKey) ([]byte, error) {
	if idx < 0 || idx >= len(pkt.Inputs) {
		return nil, fmt.Errorf("lnwallet: input index %d out of range", idx)
	}
	in := pkt.Inputs[idx]
	if in.WitnessUtxo == nil {
		return nil, fmt.Errorf("lnwallet: input %d missing witness utxo", idx)
	}

	prevOuts := txscript.NewCannedPrevOutputFetcher(in.WitnessUtxo.PkScript, in.WitnessUtxo.Value)
	sigHashes := txscript.NewTxSigHashes(pkt.UnsignedTx, prevOuts)

	script := in.WitnessScript
	if len(script) == 0 {
		script = in.WitnessUtxo.PkScript
	}

	hashType := txscript.SigHashAll
	hash, err := txscript.CalcWitnessSigHash(script, sigHashes, hashType, pkt.UnsignedTx, idx, in.WitnessUtxo.Value)
	if err != nil {
		return nil, fmt.Errorf("computing sighash: %w", err)
	}

	sig := ecdsa.Sign(priv, hash)
	return append(sig.Serialize(), byte(hashType)), nil
}

// AddPartialSig records a produced signature against pkt's input idx for
// the given public key, the PSBT-native equivalent of the teacher's
// ComputeInputScript assembling a finished sigScript/witness.
func AddPartialSig(pkt *psbt.Packet, idx int, pub *btcec.PublicKey, sig []byte) error {
	if idx < 0 || idx >= len(pkt.Inputs) {
		return fmt.Errorf("lnwallet: input index %d out of range", idx)
	}
	pkt.Inputs[idx].PartialSigs = append(pkt.Inputs[idx].PartialSigs, &psbt.PartialSig{
		PubKey:    pub.SerializeCompressed(),
		Signature: sig,
	})
	return nil
}

// FinalizeMultisig assembles the witness stack for a standard
// OP_CHECKMULTISIG input from its collected partial signatures, in
// witness-script key order, and writes it to pkt.Inputs[idx].FinalScriptWitness.
func FinalizeMultisig(pkt *psbt.Packet, idx int, orderedKeys []*btcec.PublicKey) error {
	if idx < 0 || idx >= len(pkt.Inputs) {
		return fmt.Errorf("lnwallet: input index %d out of range", idx)
	}
	in := &pkt.Inputs[idx]

	byPub := make(map[string][]byte, len(in.PartialSigs))
	for _, ps := range in.PartialSigs {
		byPub[string(ps.PubKey)] = ps.Signature
	}

	stack := [][]byte{nil} // OP_CHECKMULTISIG off-by-one dummy
	for _, pub := range orderedKeys {
		sig, ok := byPub[string(pub.SerializeCompressed())]
		if !ok {
			continue
		}
		stack = append(stack, sig)
	}
	stack = append(stack, in.WitnessScript)

	serialized, err := SerializeWitness(stack)
	if err != nil {
		return err
	}
	in.FinalScriptWitness = serialized
	return nil
}

// SerializeWitness encodes a witness stack per BIP-144: an item-count
// varint followed by each push as a varint-prefixed byte string.
func SerializeWitness(stack [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(stack))); err != nil {
		return nil, err
	}
	for _, item := range stack {
		if err := wire.WriteVarBytes(&buf, 0, item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
