package lnwallet

// TxSizeEstimator accumulates the virtual size of a transaction as inputs
// and outputs are added to it, grounded on the teacher's
// input.TxSizeEstimator (used throughout chanfunding.CoinSelect): one
// running witness/base-size counter rather than building a throwaway
// wire.MsgTx just to measure it.
type TxSizeEstimator struct {
	inputCount       int
	outputCount      int
	inputSizeTotal   int
	outputSizeTotal  int
	witnessSizeTotal int
	hasWitness       bool
}

const (
	baseTxOverhead = 10 // version(4) + locktime(4) + in/out varint(~2)

	p2wpkhInputSize  = 41 // outpoint(36) + scriptSig len(1) + sequence(4)
	p2wpkhWitnessSize = 107

	p2wshInputSize = 41

	p2trInputSize        = 41
	p2trKeySpendWitness  = 65

	p2wpkhOutputSize = 31
	p2wshOutputSize  = 43
	p2trOutputSize   = 43
	p2pkhOutputSize  = 34

	witnessHeaderSize = 2 // segwit marker+flag, amortized across the tx
)

// AddP2WKHInput accounts for a P2WPKH input with a single signature
// witness.
func (e *TxSizeEstimator) AddP2WKHInput() {
	e.inputCount++
	e.inputSizeTotal += p2wpkhInputSize
	e.witnessSizeTotal += p2wpkhWitnessSize
	e.hasWitness = true
}

// AddP2TRInput accounts for a P2TR key-path-spend input.
func (e *TxSizeEstimator) AddP2TRInput() {
	e.inputCount++
	e.inputSizeTotal += p2trInputSize
	e.witnessSizeTotal += p2trKeySpendWitness
	e.hasWitness = true
}

// AddCustomInput accounts for an input whose witness is a multisig or
// miniscript satisfaction of a known byte size, as produced by
// miniscript.Satisfy.
func (e *TxSizeEstimator) AddCustomInput(witnessSize int) {
	e.inputCount++
	e.inputSizeTotal += p2wshInputSize
	e.witnessSizeTotal += witnessSize
	e.hasWitness = true
}

// AddP2WKHOutput accounts for a P2WPKH output.
func (e *TxSizeEstimator) AddP2WKHOutput() {
	e.outputCount++
	e.outputSizeTotal += p2wpkhOutputSize
}

// AddP2WSHOutput accounts for a P2WSH output.
func (e *TxSizeEstimator) AddP2WSHOutput() {
	e.outputCount++
	e.outputSizeTotal += p2wshOutputSize
}

// AddP2TROutput accounts for a P2TR output.
func (e *TxSizeEstimator) AddP2TROutput() {
	e.outputCount++
	e.outputSizeTotal += p2trOutputSize
}

// AddP2PKHOutput accounts for a legacy P2PKH output. CoinSelect always
// sizes change as P2WPKH, so nothing in this module calls it.
func (e *TxSizeEstimator) AddP2PKHOutput() {
	e.outputCount++
	e.outputSizeTotal += p2pkhOutputSize
}

// VSize returns the estimated virtual size, in vbytes, of the transaction
// accumulated so far.
func (e *TxSizeEstimator) VSize() int64 {
	baseSize := baseTxOverhead + e.inputSizeTotal + e.outputSizeTotal
	if !e.hasWitness {
		return int64(baseSize)
	}
	witnessSize := witnessHeaderSize + e.witnessSizeTotal
	// vsize = (3*base + total) / 4, per BIP-141.
	totalSize := baseSize + witnessSize
	weight := 3*baseSize + totalSize
	return int64((weight + 3) / 4)
}
