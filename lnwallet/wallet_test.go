package lnwallet

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

type fakeChainSource struct {
	update *ScanUpdate
	err    error
}

func (f *fakeChainSource) BlockHeight() (uint32, error) { return f.update.TipHeight, nil }
func (f *fakeChainSource) EstimateFeeRates(p []Priority) (map[Priority]FeeRate, error) {
	return map[Priority]FeeRate{PriorityMedium: 5}, nil
}
func (f *fakeChainSource) Scan(descriptors []string, stopGap, batchSize int, checkpoints []chainhash.Hash) (*ScanUpdate, error) {
	return f.update, f.err
}
func (f *fakeChainSource) Broadcast(tx *wire.MsgTx) error { return nil }

func testKeyHex(b byte) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 66)
	buf[0], buf[1] = '0', '2'
	for i := 2; i < 66; i += 2 {
		buf[i] = hexDigits[(b>>4)&0xf]
		buf[i+1] = hexDigits[b&0xf]
	}
	return string(buf)
}

func TestFullSyncGuardsConcurrentCalls(t *testing.T) {
	desc := "wsh(multi(2," + testKeyHex(1) + "," + testKeyHex(2) + "))"
	chain := &fakeChainSource{update: &ScanUpdate{TipHeight: 100}}

	w, err := NewWallet(desc, &chaincfg.RegressionNetParams, chain)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}

	if err := w.FullSync(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if w.State() != StateLoaded {
		t.Fatalf("expected StateLoaded after sync, got %v", w.State())
	}

	// Simulate a sync already in flight: a second call must be rejected.
	w.syncing = 1
	if err := w.FullSync(context.Background()); err != ErrAlreadySyncing {
		t.Fatalf("expected ErrAlreadySyncing while a sync is in flight, got %v", err)
	}
}

func TestBuildSpendRejectsEmptyWallet(t *testing.T) {
	desc := "wsh(multi(2," + testKeyHex(1) + "," + testKeyHex(2) + "))"
	chain := &fakeChainSource{update: &ScanUpdate{}}
	w, err := NewWallet(desc, &chaincfg.RegressionNetParams, chain)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}

	outputs := []*wire.TxOut{{Value: 1000, PkScript: []byte{0x00}}}
	_, _, err = w.BuildSpend(outputs, FeeRate(5), nil)
	if err == nil {
		t.Fatalf("expected error building spend with no utxos")
	}
}

func TestBuildSpendSelectsFromAvailableUTXOs(t *testing.T) {
	desc := "wsh(multi(2," + testKeyHex(1) + "," + testKeyHex(2) + "))"
	chain := &fakeChainSource{}
	w, err := NewWallet(desc, &chaincfg.RegressionNetParams, chain)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}

	script, err := OutputScript(w.policy, desc)
	if err != nil {
		t.Fatalf("output script: %v", err)
	}

	op := wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 0}
	w.utxos[op] = Utxo{
		Value:         btcutil.Amount(100000),
		PkScript:      script,
		Confirmations: 6,
		OutPoint:      op,
	}

	outputs := []*wire.TxOut{{Value: 50000, PkScript: script}}
	pkt, _, err := w.BuildSpend(outputs, FeeRate(5), nil)
	if err != nil {
		t.Fatalf("build spend: %v", err)
	}
	if len(pkt.UnsignedTx.TxIn) != 1 {
		t.Fatalf("expected 1 input, got %d", len(pkt.UnsignedTx.TxIn))
	}
}

func TestBuildSpendExcludesFrozenUTXOs(t *testing.T) {
	desc := "wsh(multi(2," + testKeyHex(1) + "," + testKeyHex(2) + "))"
	chain := &fakeChainSource{}
	w, err := NewWallet(desc, &chaincfg.RegressionNetParams, chain)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	script, _ := OutputScript(w.policy, desc)

	op := wire.OutPoint{Hash: chainhash.Hash{0x02}, Index: 0}
	w.utxos[op] = Utxo{Value: 100000, PkScript: script, Confirmations: 1, OutPoint: op}

	frozen := map[wire.OutPoint]struct{}{op: {}}
	outputs := []*wire.TxOut{{Value: 50000, PkScript: script}}
	_, _, err = w.BuildSpend(outputs, FeeRate(5), frozen)
	if err == nil {
		t.Fatalf("expected error: the only utxo is frozen")
	}
}
