package walletmgr

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/smartvaults/smartvaults-core/lnwallet"
	"github.com/smartvaults/smartvaults-core/model"
)

type fakeChain struct {
	height uint32
}

func (f *fakeChain) BlockHeight() (uint32, error) { return f.height, nil }
func (f *fakeChain) EstimateFeeRates(p []lnwallet.Priority) (map[lnwallet.Priority]lnwallet.FeeRate, error) {
	return map[lnwallet.Priority]lnwallet.FeeRate{lnwallet.PriorityMedium: 3}, nil
}
func (f *fakeChain) Scan(descriptors []string, stopGap, batchSize int, checkpoints []chainhash.Hash) (*lnwallet.ScanUpdate, error) {
	return &lnwallet.ScanUpdate{TipHeight: f.height}, nil
}
func (f *fakeChain) Broadcast(tx *wire.MsgTx) error { return nil }

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

func TestLoadPolicyIsIdempotent(t *testing.T) {
	m := New(&chaincfg.RegressionNetParams, nil)
	vault := model.Vault{Descriptor: "wsh(multi(2," + testKeyHex(1) + "," + testKeyHex(2) + "))"}
	vault.ID[0] = 1

	chain := &fakeChain{height: 100}
	w1, err := m.LoadPolicy(vault, chain)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	w2, err := m.LoadPolicy(vault, chain)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if w1 != w2 {
		t.Fatalf("expected LoadPolicy to return the same wallet instance")
	}
}

func TestSyncBlockHeightCachesWithinInterval(t *testing.T) {
	m := New(&chaincfg.RegressionNetParams, nil)
	chain := &fakeChain{height: 200}

	h1, err := m.SyncBlockHeight(chain)
	if err != nil || h1 != 200 {
		t.Fatalf("unexpected first sync: %d %v", h1, err)
	}

	chain.height = 999
	h2, err := m.SyncBlockHeight(chain)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if h2 != 200 {
		t.Fatalf("expected cached height 200 within interval, got %d", h2)
	}
}

func TestSyncAllReportsProgressPerWallet(t *testing.T) {
	m := New(&chaincfg.RegressionNetParams, nil)

	vault := model.Vault{Descriptor: "wsh(multi(2," + testKeyHex(1) + "," + testKeyHex(2) + "))"}
	vault.ID[0] = 7
	chain := &fakeChain{height: 50}
	if _, err := m.LoadPolicy(vault, chain); err != nil {
		t.Fatalf("load: %v", err)
	}

	progress := make(chan SyncProgress, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.SyncAll(ctx, progress)

	count := 0
	for range progress {
		count++
	}
	if count != 1 {
		t.Fatalf("expected 1 progress report, got %d", count)
	}
}
