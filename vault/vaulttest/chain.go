package vaulttest

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/smartvaults/smartvaults-core/lnwallet"
)

// MemoryChain is a minimal lnwallet.ChainSource, grounded on the
// fakeChainSource used throughout lnwallet/wallet_test.go and
// walletmgr/manager_test.go, generalized so one instance can back every
// vault wallet a Harness loads.
type MemoryChain struct {
	mu sync.Mutex

	height   uint32
	feeRates map[lnwallet.Priority]lnwallet.FeeRate

	utxosByDescriptor map[string][]lnwallet.Utxo
	broadcast         []*wire.MsgTx
}

// NewMemoryChain returns a MemoryChain at block height 100 with fee
// estimates of 10, 5 and 1 sat/vbyte for high, medium and low priority,
// and no funded UTXOs.
func NewMemoryChain() *MemoryChain {
	return &MemoryChain{
		height: 100,
		feeRates: map[lnwallet.Priority]lnwallet.FeeRate{
			lnwallet.PriorityHigh:   10,
			lnwallet.PriorityMedium: 5,
			lnwallet.PriorityLow:    1,
		},
		utxosByDescriptor: make(map[string][]lnwallet.Utxo),
	}
}

// AddUTXO funds descriptor with utxo, visible to the next Scan/FullSync
// call against it.
func (c *MemoryChain) AddUTXO(descriptor string, utxo lnwallet.Utxo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utxosByDescriptor[descriptor] = append(c.utxosByDescriptor[descriptor], utxo)
}

// SetHeight overrides the chain's reported tip height.
func (c *MemoryChain) SetHeight(height uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = height
}

// BlockHeight returns the chain's current tip height.
func (c *MemoryChain) BlockHeight() (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

// EstimateFeeRates returns this chain's fixed fee rates for the requested
// priorities.
func (c *MemoryChain) EstimateFeeRates(priorities []lnwallet.Priority) (map[lnwallet.Priority]lnwallet.FeeRate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[lnwallet.Priority]lnwallet.FeeRate, len(priorities))
	for _, p := range priorities {
		out[p] = c.feeRates[p]
	}
	return out, nil
}

// Scan returns every UTXO funded against the given descriptors.
func (c *MemoryChain) Scan(descriptors []string, stopGap, batchSize int, checkpoints []chainhash.Hash) (*lnwallet.ScanUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var utxos []lnwallet.Utxo
	for _, d := range descriptors {
		utxos = append(utxos, c.utxosByDescriptor[d]...)
	}
	return &lnwallet.ScanUpdate{UTXOs: utxos, TipHeight: c.height}, nil
}

// Broadcast records tx, simulating immediate mempool acceptance; it is
// never checked for input validity since it only has to look right to
// the code under test, not to a real network.
func (c *MemoryChain) Broadcast(tx *wire.MsgTx) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast = append(c.broadcast, tx)
	return nil
}

// Broadcasted returns every transaction handed to Broadcast, in order.
func (c *MemoryChain) Broadcasted() []*wire.MsgTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*wire.MsgTx, len(c.broadcast))
	copy(out, c.broadcast)
	return out
}

var _ lnwallet.ChainSource = (*MemoryChain)(nil)
