package reserve

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

type fakeSource struct {
	outs map[wire.OutPoint]struct {
		txOut  *wire.TxOut
		height int32
	}
}

func (f *fakeSource) Lookup(op wire.OutPoint) (*wire.TxOut, int32, bool) {
	e, ok := f.outs[op]
	if !ok {
		return nil, 0, false
	}
	return e.txOut, e.height, true
}

func TestCreateProofRejectsEmptyMessage(t *testing.T) {
	_, err := CreateProof("", nil, nil)
	if err == nil {
		t.Fatalf("expected error for empty message")
	}
	perr, ok := err.(*ProofError)
	if !ok || perr.Kind != ChallengeInputMismatch {
		t.Fatalf("expected ChallengeInputMismatch, got %v", err)
	}
}

func TestCreateProofSumsOutputValue(t *testing.T) {
	op1 := wire.OutPoint{Index: 1}
	op2 := wire.OutPoint{Index: 2}
	utxos := []UnspentOutput{
		{OutPoint: op1, Value: 30000, PkScript: []byte{0x01}},
		{OutPoint: op2, Value: 20000, PkScript: []byte{0x02}},
	}

	pkt, err := CreateProof("This belongs to me.", utxos, nil)
	if err != nil {
		t.Fatalf("create proof: %v", err)
	}
	if len(pkt.UnsignedTx.TxIn) != 3 {
		t.Fatalf("expected 1 challenge + 2 utxo inputs, got %d", len(pkt.UnsignedTx.TxIn))
	}
	if got := btcutil.Amount(pkt.UnsignedTx.TxOut[0].Value); got != 50000 {
		t.Fatalf("expected sentinel output 50000, got %v", got)
	}
}

func TestVerifyProofRejectsWrongMessage(t *testing.T) {
	op1 := wire.OutPoint{Index: 1}
	pkt, err := CreateProof("This belongs to me.", []UnspentOutput{
		{OutPoint: op1, Value: 50000, PkScript: []byte{0x01}},
	}, nil)
	if err != nil {
		t.Fatalf("create proof: %v", err)
	}

	src := &fakeSource{outs: map[wire.OutPoint]struct {
		txOut  *wire.TxOut
		height int32
	}{
		op1: {txOut: &wire.TxOut{Value: 50000, PkScript: []byte{0x01}}, height: 100},
	}}

	_, err = VerifyProof(pkt, "Wrong message", src, 0)
	if err == nil {
		t.Fatalf("expected ChallengeInputMismatch for wrong message")
	}
	perr, ok := err.(*ProofError)
	if !ok || perr.Kind != ChallengeInputMismatch {
		t.Fatalf("expected ChallengeInputMismatch, got %v", err)
	}
}

func TestVerifyProofRejectsTruncatedInputs(t *testing.T) {
	op1 := wire.OutPoint{Index: 1}
	pkt, err := CreateProof("msg", []UnspentOutput{
		{OutPoint: op1, Value: 10000, PkScript: []byte{0x01}},
	}, nil)
	if err != nil {
		t.Fatalf("create proof: %v", err)
	}

	pkt.UnsignedTx.TxIn = pkt.UnsignedTx.TxIn[:1]
	pkt.Inputs = pkt.Inputs[:1]

	src := &fakeSource{}
	_, err = VerifyProof(pkt, "msg", src, 0)
	perr, ok := err.(*ProofError)
	if !ok || perr.Kind != WrongNumberOfInputs {
		t.Fatalf("expected WrongNumberOfInputs, got %v", err)
	}
}
