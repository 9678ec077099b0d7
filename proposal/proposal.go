// Package proposal implements the spend/approve/finalize lifecycle of
// spec.md §4.7 (component C7): the layer that turns a wallet-level unsigned
// PSBT into a relay-distributed, multi-party-approved, eventually
// broadcast transaction.
//
// Grounded on fundingmanager_test.go's pending -> broadcast -> confirmed
// state-machine shape (the teacher polls for a channel to cross each of
// those stages; here the same three stages are Pending -> approvals
// collected -> Completed) and on contractcourt/commit_sweep_resolver_test.go
// for the finalize/broadcast/observe-confirmation idiom a single Finalize
// call condenses into one synchronous operation.
package proposal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/keystore"
	"github.com/smartvaults/smartvaults-core/lnwallet"
	"github.com/smartvaults/smartvaults-core/miniscript"
	"github.com/smartvaults/smartvaults-core/model"
	"github.com/smartvaults/smartvaults-core/storage"
	"github.com/smartvaults/smartvaults-core/walletmgr"
)

// relayMinFeeRate mirrors lnwallet's own floor; duplicated here (rather
// than exported from lnwallet) so Spend and EstimateTxVSize can reject an
// invalid rate before ever touching a wallet, per spec.md §4.7 step 3's
// "propagate InvalidFeeRate" requirement.
const relayMinFeeRate = lnwallet.FeeRate(1)

// Engine is the C7 proposal engine: stateless apart from the pointers it
// holds to the C3 store, the C6 wallet registry, the local identity
// keystore, and a publish capability over the relay bus.
type Engine struct {
	store     *storage.Store
	wallets   *walletmgr.Manager
	keys      keystore.Keystore
	pub       event.Publisher
	chain     lnwallet.ChainSource
	netParams *chaincfg.Params
}

// New returns an Engine wired against the given collaborators.
func New(store *storage.Store, wallets *walletmgr.Manager, keys keystore.Keystore, pub event.Publisher, chain lnwallet.ChainSource, netParams *chaincfg.Params) *Engine {
	return &Engine{
		store:     store,
		wallets:   wallets,
		keys:      keys,
		pub:       pub,
		chain:     chain,
		netParams: netParams,
	}
}

// Spend builds, publishes and locally indexes a new Spending proposal
// against vaultID, per spec.md §4.7's five-step sequence.
func (e *Engine) Spend(ctx context.Context, vaultID model.VaultID, destination event.Destination,
	description string, feeRate lnwallet.FeeRate, utxoAllowlist []wire.OutPoint,
	policyPath miniscript.PolicyPath, skipFrozenUTXOs bool) (model.Proposal, error) {

	vault, err := e.store.Vault(vaultID)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("%w: %v", ErrVaultNotFound, err)
	}

	if feeRate < relayMinFeeRate {
		return model.Proposal{}, ErrInvalidFeeRate
	}

	wallet, err := e.walletFor(vault)
	if err != nil {
		return model.Proposal{}, err
	}

	frozen := e.computeFrozen(wallet, vaultID, utxoAllowlist, skipFrozenUTXOs)

	destScript, err := addressToScript(destination.Address, e.netParams)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: decoding destination address: %w", err)
	}

	outputs, err := e.resolveOutputs(wallet, frozen, destination, destScript, feeRate)
	if err != nil {
		return model.Proposal{}, err
	}

	pkt, _, err := wallet.BuildSpend(outputs, feeRate, frozen)
	if err != nil {
		return model.Proposal{}, err
	}

	return e.publishProposal(ctx, vault, event.ProposalTypeSpending, destination, description, pkt, "", nil, policyPath)
}

// SelfTransfer derives a fresh receive address from toVault and spends
// amount into it from fromVault, per spec.md §4.7.
func (e *Engine) SelfTransfer(ctx context.Context, fromVault, toVault model.VaultID, amount int64,
	feeRate lnwallet.FeeRate, utxoAllowlist []wire.OutPoint, policyPath miniscript.PolicyPath,
	skipFrozenUTXOs bool) (model.Proposal, error) {

	toModel, err := e.store.Vault(toVault)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("%w: %v", ErrVaultNotFound, err)
	}
	toWallet, err := e.walletFor(toModel)
	if err != nil {
		return model.Proposal{}, err
	}
	addr, err := toWallet.GetAddress(lnwallet.AddressRequest{Kind: lnwallet.AddressNew})
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: deriving self-transfer address: %w", err)
	}

	description := fmt.Sprintf("Self transfer from vault %x to vault %x", fromVault, toVault)
	destination := event.Destination{Address: addr.Address.String(), Amount: amount}

	return e.Spend(ctx, fromVault, destination, description, feeRate, utxoAllowlist, policyPath, skipFrozenUTXOs)
}

// Approve derives the local identity's partial signature on proposalID's
// PSBT, wraps it as an Approval event, publishes and indexes it.
//
// password is accepted for interface fidelity with spec.md's
// approve(proposal_id, password) contract; unlocking a password-protected
// on-disk keystore container is keystore.Keystore's concern (and out of
// scope per SPEC_FULL.md's C9 Non-goal), so this engine only ever reads
// whatever identity keystore.Keystore currently holds unlocked.
func (e *Engine) Approve(ctx context.Context, proposalID model.ProposalID, password string, expiresAt int64) (model.Approval, error) {
	_ = password

	proposal, err := e.store.Proposal(proposalID)
	if err != nil {
		return model.Approval{}, fmt.Errorf("%w: %v", ErrProposalNotFound, err)
	}
	vault, err := e.store.Vault(proposal.VaultID)
	if err != nil {
		return model.Approval{}, fmt.Errorf("%w: %v", ErrVaultNotFound, err)
	}
	if expiresAt != 0 && time.Now().Unix() > expiresAt {
		return model.Approval{}, ErrApprovalExpired
	}

	policy, err := miniscript.Compile(vault.Descriptor)
	if err != nil {
		return model.Approval{}, fmt.Errorf("proposal: compiling vault descriptor: %w", err)
	}

	priv := e.keys.IdentityPrivKey()
	if priv == nil {
		return model.Approval{}, fmt.Errorf("proposal: no unlocked identity key")
	}
	pub := priv.PubKey()

	myKeyName, ok := keyNameFor(policy, pub)
	if !ok {
		return model.Approval{}, fmt.Errorf("proposal: identity key is not a cosigner of this vault's policy")
	}

	pkt, err := clonePSBT(proposal.PSBT)
	if err != nil {
		return model.Approval{}, fmt.Errorf("proposal: %w", err)
	}
	for i := range pkt.UnsignedTx.TxIn {
		sig, err := lnwallet.SignInput(pkt, i, priv)
		if err != nil {
			return model.Approval{}, fmt.Errorf("proposal: signing input %d as %s: %w", i, myKeyName, err)
		}
		if err := lnwallet.AddPartialSig(pkt, i, pub, sig); err != nil {
			return model.Approval{}, fmt.Errorf("proposal: %w", err)
		}
	}

	return e.finishApproval(ctx, proposal, vault, pkt, expiresAt)
}

// ApproveWithSignedPSBT is the air-gap path: it accepts an already-signed
// PSBT (produced out of band, e.g. by a hardware signer) and wraps it as
// an Approval without the engine ever touching a private key.
func (e *Engine) ApproveWithSignedPSBT(ctx context.Context, proposalID model.ProposalID, signedPSBT *psbt.Packet, expiresAt int64) (model.Approval, error) {
	proposal, err := e.store.Proposal(proposalID)
	if err != nil {
		return model.Approval{}, fmt.Errorf("%w: %v", ErrProposalNotFound, err)
	}
	vault, err := e.store.Vault(proposal.VaultID)
	if err != nil {
		return model.Approval{}, fmt.Errorf("%w: %v", ErrVaultNotFound, err)
	}
	if expiresAt != 0 && time.Now().Unix() > expiresAt {
		return model.Approval{}, ErrApprovalExpired
	}
	if err := checkCompatiblePSBT(proposal.PSBT, signedPSBT); err != nil {
		return model.Approval{}, fmt.Errorf("proposal: incompatible signed psbt: %w", err)
	}

	return e.finishApproval(ctx, proposal, vault, signedPSBT, expiresAt)
}

func (e *Engine) finishApproval(ctx context.Context, proposal model.Proposal, vault model.Vault, pkt *psbt.Packet, expiresAt int64) (model.Approval, error) {
	partialBytes, err := serializePSBT(pkt)
	if err != nil {
		return model.Approval{}, fmt.Errorf("proposal: %w", err)
	}

	payload := event.ApprovalPayload{
		VaultID:     proposal.VaultID,
		ProposalID:  proposal.ID,
		PartialPSBT: partialBytes,
		ExpiresAt:   expiresAt,
	}

	_, sharedPub := smcrypto.SharedKeyToKeyPair(vault.SharedKey)
	tags := event.Tags{event.SharedKeyPubTag(sharedPub), event.ProposalRefTag(proposal.ID)}
	if expiresAt != 0 {
		tags = append(tags, event.ExpirationTag(expiresAt))
	}

	now := time.Now().Unix()
	ev, err := event.BuildSymmetric(event.KindApproval, &payload, vault.SharedKey, tags, now)
	if err != nil {
		return model.Approval{}, fmt.Errorf("proposal: building approval event: %w", err)
	}
	if _, err := e.pub.Publish(ctx, ev); err != nil {
		return model.Approval{}, fmt.Errorf("proposal: publishing approval: %w", err)
	}

	author := ev.PubKey
	if priv := e.keys.IdentityPrivKey(); priv != nil {
		author = pubKeyBytes(priv.PubKey())
	}
	approval := model.Approval{
		ApprovalID:  ev.ID,
		VaultID:     proposal.VaultID,
		ProposalID:  proposal.ID,
		AuthorPub:   author,
		PartialPSBT: pkt,
		Timestamp:   now,
		ExpiresAt:   expiresAt,
	}
	e.store.InsertApprovalIfAbsent(ev.ID, model.InternalApproval{
		AuthorPub: author,
		Approval:  approval,
		Timestamp: now,
	})

	return approval, nil
}

// RevokeApproval emits an EventDeletion tombstone for approvalID, but
// only if the local identity authored it, and removes it from the local
// projection immediately rather than waiting on the round trip through a
// relay subscription.
func (e *Engine) RevokeApproval(ctx context.Context, approvalID event.EventID) error {
	ia, err := e.store.Approval(approvalID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApprovalNotFound, err)
	}

	priv := e.keys.IdentityPrivKey()
	if priv == nil {
		return fmt.Errorf("proposal: no unlocked identity key")
	}
	myPub := pubKeyBytes(priv.PubKey())
	if ia.AuthorPub != myPub {
		return ErrNotAuthor
	}

	ev, err := event.BuildDeletion(priv, approvalID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("proposal: building deletion event: %w", err)
	}
	if _, err := e.pub.Publish(ctx, ev); err != nil {
		return fmt.Errorf("proposal: publishing deletion: %w", err)
	}

	e.store.DeleteApproval(approvalID)
	return nil
}

// Finalize combines every non-expired approval for proposalID into a
// fully-signed transaction, broadcasts it (for broadcastable proposal
// types), records it against the vault wallet, and publishes the
// Completed proposal state, per spec.md §4.7's finalize contract.
func (e *Engine) Finalize(ctx context.Context, proposalID model.ProposalID) (model.Proposal, error) {
	proposal, err := e.store.Proposal(proposalID)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("%w: %v", ErrProposalNotFound, err)
	}
	if !proposal.IsPending() {
		return model.Proposal{}, ErrNotPending
	}
	vault, err := e.store.Vault(proposal.VaultID)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("%w: %v", ErrVaultNotFound, err)
	}

	approvals, err := e.store.ApprovalsByProposalID(proposalID)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("%w: %v", ErrProposalNotFound, err)
	}
	now := time.Now().Unix()
	var live []model.Approval
	for _, a := range approvals {
		if !a.IsExpired(now) {
			live = append(live, a)
		}
	}
	if len(live) == 0 {
		return model.Proposal{}, ErrInsufficientApprovals
	}

	policy, err := miniscript.Compile(vault.Descriptor)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("%w: compiling descriptor: %v", ErrFinalizeFailed, err)
	}

	combined, err := clonePSBT(proposal.PSBT)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
	}
	for _, a := range live {
		if a.PartialPSBT == nil {
			continue
		}
		mergePartialSigs(combined, a.PartialPSBT)
	}

	for i := range combined.Inputs {
		if err := satisfyInput(policy, &combined.Inputs[i], proposal.PolicyPath); err != nil {
			if errors.Is(err, miniscript.ErrCannotSatisfy) {
				return model.Proposal{}, fmt.Errorf("%w: input %d: %v", ErrInsufficientApprovals, i, err)
			}
			return model.Proposal{}, fmt.Errorf("%w: input %d: %v", ErrFinalizeFailed, i, err)
		}
	}

	tx, err := psbt.Extract(combined)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("%w: extracting transaction: %v", ErrFinalizeFailed, err)
	}

	broadcastable := proposal.Type == event.ProposalTypeSpending || proposal.Type == event.ProposalTypeKeyAgentPay
	if broadcastable {
		if err := e.chain.Broadcast(tx); err != nil {
			// Per spec.md §4.7: state transitions are not persisted
			// if broadcast fails; the proposal remains Pending.
			return model.Proposal{}, fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
		}
		if wallet, ok := e.wallets.Wallet(proposal.VaultID); ok {
			var total btcutil.Amount
			for _, out := range tx.TxOut {
				total += btcutil.Amount(out.Value)
			}
			wallet.InsertTx(lnwallet.TransactionDetail{
				Hash:      tx.TxHash(),
				Value:     total,
				Timestamp: now,
			}, lnwallet.Unconfirmed(now))
		}
	}

	var txBuf bytes.Buffer
	if err := tx.Serialize(&txBuf); err != nil {
		return model.Proposal{}, fmt.Errorf("%w: serializing extracted tx: %v", ErrFinalizeFailed, err)
	}

	completed := proposal
	completed.Status = event.ProposalStatusCompleted
	completed.PSBT = combined
	completed.ExtractedTx = tx

	if err := e.store.UpdateProposal(completed); err != nil {
		return model.Proposal{}, fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
	}
	e.store.ReleaseUTXOs(proposal.VaultID, proposal.InputOutpoints())

	if _, err := e.publishProposal(ctx, vault, proposal.Type, proposal.Destination, proposal.Description, combined,
		event.ProposalStatusCompleted, txBuf.Bytes(), proposal.PolicyPath); err != nil {
		// The local projection is already updated and the transaction
		// already broadcast; a publish failure here only means peers
		// learn of completion late, not that finalize itself failed.
		log.Warnf("finalize %x: publishing completed state failed: %v", proposalID, err)
	}

	return completed, nil
}

// EstimateTxVSize builds a throwaway PSBT at the relay-floor fee rate and
// returns its virtual size, without publishing or indexing anything.
func (e *Engine) EstimateTxVSize(vaultID model.VaultID, destination event.Destination,
	utxoAllowlist []wire.OutPoint, policyPath miniscript.PolicyPath, skipFrozenUTXOs bool) (int64, error) {

	vault, err := e.store.Vault(vaultID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrVaultNotFound, err)
	}
	wallet, err := e.walletFor(vault)
	if err != nil {
		return 0, err
	}
	frozen := e.computeFrozen(wallet, vaultID, utxoAllowlist, skipFrozenUTXOs)

	destScript, err := addressToScript(destination.Address, e.netParams)
	if err != nil {
		return 0, fmt.Errorf("proposal: decoding destination address: %w", err)
	}

	outputs, err := e.resolveOutputs(wallet, frozen, destination, destScript, relayMinFeeRate)
	if err != nil {
		return 0, err
	}

	pkt, changeAmt, err := wallet.BuildSpend(outputs, relayMinFeeRate, frozen)
	if err != nil {
		return 0, err
	}

	est := &lnwallet.TxSizeEstimator{}
	for range pkt.UnsignedTx.TxIn {
		est.AddCustomInput(wallet.WitnessSizeEstimate())
	}
	for range outputs {
		est.AddP2WSHOutput()
	}
	if changeAmt > 0 {
		est.AddP2WSHOutput()
	}

	return est.VSize(), nil
}

// walletFor returns the loaded wallet for vault, loading it via walletmgr
// on first use.
func (e *Engine) walletFor(vault model.Vault) (*lnwallet.Wallet, error) {
	if w, ok := e.wallets.Wallet(vault.ID); ok {
		return w, nil
	}
	return e.wallets.LoadPolicy(vault, e.chain)
}

// computeFrozen implements spec.md §4.7 step 2's
// `frozen_utxos(vault_id) ∩ list_utxos(vault_id)`, plus the
// utxo_allowlist restriction from spec.md §4.5's spend contract: any UTXO
// outside an explicit allowlist is treated as frozen for this call only.
func (e *Engine) computeFrozen(wallet *lnwallet.Wallet, vaultID model.VaultID, allowlist []wire.OutPoint, skipFrozenUTXOs bool) map[wire.OutPoint]struct{} {
	frozen := make(map[wire.OutPoint]struct{})

	if !skipFrozenUTXOs {
		known := make(map[wire.OutPoint]struct{})
		for _, u := range wallet.ListUTXOs() {
			known[u.OutPoint] = struct{}{}
		}
		for op := range e.store.GetFrozenUTXOs(vaultID) {
			if _, ok := known[op]; ok {
				frozen[op] = struct{}{}
			}
		}
	}

	if len(allowlist) > 0 {
		allowed := make(map[wire.OutPoint]struct{}, len(allowlist))
		for _, op := range allowlist {
			allowed[op] = struct{}{}
		}
		for _, u := range wallet.ListUTXOs() {
			if _, ok := allowed[u.OutPoint]; !ok {
				frozen[u.OutPoint] = struct{}{}
			}
		}
	}

	return frozen
}

// resolveOutputs turns a Destination into concrete wire.TxOuts, handling
// the Drain case by estimating the fee of a full-balance sweep up front
// (lnwallet.BuildSpend has no native subtract-fee-from-amount mode, so the
// drain amount is computed here and handed to BuildSpend as a fixed
// amount like any other spend).
func (e *Engine) resolveOutputs(wallet *lnwallet.Wallet, frozen map[wire.OutPoint]struct{},
	destination event.Destination, destScript []byte, feeRate lnwallet.FeeRate) ([]*wire.TxOut, error) {

	if !destination.Drain {
		return []*wire.TxOut{{Value: destination.Amount, PkScript: destScript}}, nil
	}

	var spendable []lnwallet.Utxo
	for _, u := range wallet.ListUTXOs() {
		if _, isFrozen := frozen[u.OutPoint]; !isFrozen {
			spendable = append(spendable, u)
		}
	}
	if len(spendable) == 0 {
		return nil, fmt.Errorf("proposal: no spendable utxos to drain")
	}

	var total btcutil.Amount
	est := &lnwallet.TxSizeEstimator{}
	for _, u := range spendable {
		total += u.Value
		est.AddCustomInput(wallet.WitnessSizeEstimate())
	}
	est.AddP2WSHOutput()

	fee := feeRate.FeeForSize(est.VSize())
	amount := total - fee
	if amount <= 0 {
		return nil, fmt.Errorf("proposal: drain amount %d does not cover estimated fee %d", total, fee)
	}

	return []*wire.TxOut{{Value: int64(amount), PkScript: destScript}}, nil
}

// publishProposal encodes payload for the given proposal fields, signs
// and publishes the resulting event, indexes it locally whatever its
// status, and freezes its inputs when it is Pending. status/extractedTx
// are only non-zero when publishing a Completed update from Finalize.
func (e *Engine) publishProposal(ctx context.Context, vault model.Vault, typ event.ProposalType,
	destination event.Destination, description string, pkt *psbt.Packet,
	status event.ProposalStatus, extractedTx []byte, policyPath miniscript.PolicyPath) (model.Proposal, error) {

	if status == "" {
		status = event.ProposalStatusPending
	}

	psbtBytes, err := serializePSBT(pkt)
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: %w", err)
	}

	payload := event.ProposalPayload{
		VaultID:     vault.ID,
		Type:        typ,
		Status:      status,
		Descriptor:  vault.Descriptor,
		Destination: destination,
		Description: description,
		PSBT:        psbtBytes,
		ExtractedTx: extractedTx,
	}

	plaintext, err := payload.Encode()
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: encoding payload: %w", err)
	}
	proposalID := model.ProposalID(event.ContentHash(plaintext))

	ev, err := event.BuildSymmetric(event.KindProposal, &payload, vault.SharedKey, nil, time.Now().Unix())
	if err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: building event: %w", err)
	}
	if _, err := e.pub.Publish(ctx, ev); err != nil {
		return model.Proposal{}, fmt.Errorf("proposal: publishing: %w", err)
	}

	p := model.Proposal{
		ID:          proposalID,
		VaultID:     vault.ID,
		Type:        typ,
		Status:      status,
		Descriptor:  vault.Descriptor,
		Destination: destination,
		Description: description,
		PSBT:        pkt,
		PolicyPath:  policyPath,
	}
	if status == event.ProposalStatusCompleted {
		tx := decodeTxOrNil(extractedTx)
		p.ExtractedTx = tx
	}

	if e.store.InsertProposalIfAbsent(p) {
		if status == event.ProposalStatusPending {
			e.store.FreezeUTXOs(vault.ID, p.InputOutpoints())
		}
		e.store.RegisterProposalOrigin(ev.ID, p.ID)
	}

	return p, nil
}

func decodeTxOrNil(b []byte) *wire.MsgTx {
	if len(b) == 0 {
		return nil
	}
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil
	}
	return tx
}

func addressToScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(decoded)
}

func serializePSBT(pkt *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := pkt.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serializing psbt: %w", err)
	}
	return buf.Bytes(), nil
}

func clonePSBT(pkt *psbt.Packet) (*psbt.Packet, error) {
	b, err := serializePSBT(pkt)
	if err != nil {
		return nil, err
	}
	return psbt.NewFromRawBytes(bytes.NewReader(b), false)
}

// mergePartialSigs copies every partial signature in src into dst,
// input-by-input, skipping any pubkey dst already has one for. This is
// the "combine" step of PSBT combination spec.md §4.7's finalize
// describes, done by hand since the signatures arrive one approval event
// at a time rather than as a single externally-combined packet.
func mergePartialSigs(dst, src *psbt.Packet) {
	for i := range dst.Inputs {
		if i >= len(src.Inputs) {
			continue
		}
		have := make(map[string]struct{}, len(dst.Inputs[i].PartialSigs))
		for _, ps := range dst.Inputs[i].PartialSigs {
			have[string(ps.PubKey)] = struct{}{}
		}
		for _, ps := range src.Inputs[i].PartialSigs {
			if _, ok := have[string(ps.PubKey)]; ok {
				continue
			}
			dst.Inputs[i].PartialSigs = append(dst.Inputs[i].PartialSigs, ps)
			have[string(ps.PubKey)] = struct{}{}
		}
	}
}

// satisfyInput assembles in's final witness from its collected partial
// signatures by walking policy with miniscript.Satisfy, honoring
// policyPath for policies with more than one valid spending branch
// (thresh/or), per spec.md §4.5 step 3. This replaces a prior
// multisig-only code path: Satisfy's own KindMulti case already produces
// the same OP_CHECKMULTISIG-style stack (dummy element plus signatures in
// descriptor order) that hand-rolled finalize code built, so one call
// here now covers every policy kind miniscript.Compile can produce.
func satisfyInput(policy *miniscript.Policy, in *psbt.Input, policyPath miniscript.PolicyPath) error {
	bySig := make(map[string][]byte, len(in.PartialSigs))
	for _, ps := range in.PartialSigs {
		bySig[string(ps.PubKey)] = ps.Signature
	}

	sigs := make([]miniscript.Signature, 0, len(policy.KeyIndex))
	for name, key := range policy.KeyIndex {
		sig, ok := bySig[string(key.SerializeCompressed())]
		if !ok {
			continue
		}
		sigs = append(sigs, miniscript.Signature{KeyName: name, Raw: sig})
	}

	witness, err := miniscript.Satisfy(policy, sigs, policyPath)
	if err != nil {
		return err
	}

	stack := append(witness.Stack, in.WitnessScript)
	serialized, err := lnwallet.SerializeWitness(stack)
	if err != nil {
		return err
	}
	in.FinalScriptWitness = serialized
	return nil
}

// checkCompatiblePSBT verifies that an externally-signed PSBT spends
// exactly the same inputs as the proposal's own unsigned PSBT, the
// minimum compatibility bar for ApproveWithSignedPSBT per spec.md §4.7.
func checkCompatiblePSBT(unsigned, signed *psbt.Packet) error {
	if len(unsigned.UnsignedTx.TxIn) != len(signed.UnsignedTx.TxIn) {
		return fmt.Errorf("input count mismatch: proposal has %d, signed psbt has %d",
			len(unsigned.UnsignedTx.TxIn), len(signed.UnsignedTx.TxIn))
	}
	for i, in := range unsigned.UnsignedTx.TxIn {
		if in.PreviousOutPoint != signed.UnsignedTx.TxIn[i].PreviousOutPoint {
			return fmt.Errorf("input %d outpoint mismatch", i)
		}
	}
	return nil
}

// keyNameFor finds the descriptor key name corresponding to pub, so
// Approve can report a useful error and (in principle) a caller can
// restrict policyPath choices to keys it actually holds.
func keyNameFor(policy *miniscript.Policy, pub *btcec.PublicKey) (string, bool) {
	target := pub.SerializeCompressed()
	for name, key := range policy.KeyIndex {
		if bytes.Equal(key.SerializeCompressed(), target) {
			return name, true
		}
	}
	return "", false
}

func pubKeyBytes(pub *btcec.PublicKey) event.PubKey {
	var out event.PubKey
	copy(out[:], pub.SerializeCompressed())
	return out
}
