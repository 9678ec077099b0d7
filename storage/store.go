// Package storage holds the in-memory projection of every relay event the
// core has ingested: vaults, proposals, approvals, signers, labels, frozen
// UTXOs and shared signers, per spec.md §4.3.
//
// Grounded on watchtower/wtdb's index-table shape (client_db_test.go
// exercises the same map-of-structs-behind-a-lock pattern with
// last-write-wins semantics for session updates) generalized to the eight
// indexes spec.md names, each behind its own sync.RWMutex rather than one
// coarse lock, so a reader of vaults never blocks on a writer of proposals.
package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/model"
)

// ErrNotFound is returned by every single-key lookup for an unknown id.
var ErrNotFound = errors.New("storage: not found")

// Store is the full in-memory projection. Every exported method is
// goroutine-safe and idempotent per spec.md §4.3 and P2 (idempotent
// ingest).
type Store struct {
	vaultsMu sync.RWMutex
	vaults   map[model.VaultID]model.InternalVault

	sharedKeyMu          sync.RWMutex
	vaultSharedPubToKey  map[event.PubKey][32]byte

	proposalsMu sync.RWMutex
	proposals   map[model.ProposalID]model.Proposal

	approvalsMu sync.RWMutex
	approvals   map[event.EventID]model.InternalApproval

	signersMu sync.RWMutex
	signers   map[model.SignerID]model.Signer

	sharedSignersMu sync.RWMutex
	sharedSigners   map[string]model.SharedSigner

	labelsMu sync.RWMutex
	labels   map[model.LabelID]model.InternalLabel

	frozenMu sync.RWMutex
	frozen   map[model.VaultID]map[wire.OutPoint]struct{}

	keyAgentsMu sync.RWMutex
	keyAgents   map[string]struct{}

	// originMu guards the reverse index from a relay event id to the
	// content-addressed entity id it created, used only to resolve
	// EventDeletion tombstones (which reference the originating event
	// id, not the content-derived vault_id/proposal_id).
	originMu      sync.RWMutex
	vaultOrigin   map[event.EventID]model.VaultID
	proposalOrigin map[event.EventID]model.ProposalID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		vaults:              make(map[model.VaultID]model.InternalVault),
		vaultSharedPubToKey: make(map[event.PubKey][32]byte),
		proposals:           make(map[model.ProposalID]model.Proposal),
		approvals:           make(map[event.EventID]model.InternalApproval),
		signers:             make(map[model.SignerID]model.Signer),
		sharedSigners:       make(map[string]model.SharedSigner),
		labels:              make(map[model.LabelID]model.InternalLabel),
		frozen:              make(map[model.VaultID]map[wire.OutPoint]struct{}),
		keyAgents:           make(map[string]struct{}),
		vaultOrigin:         make(map[event.EventID]model.VaultID),
		proposalOrigin:      make(map[event.EventID]model.ProposalID),
	}
}

// RegisterVaultOrigin records that eventID was the relay event which
// created vaultID, so a later EventDeletion tombstoning eventID can find
// and remove it.
func (s *Store) RegisterVaultOrigin(eventID event.EventID, vaultID model.VaultID) {
	s.originMu.Lock()
	defer s.originMu.Unlock()
	s.vaultOrigin[eventID] = vaultID
}

// RegisterProposalOrigin is RegisterVaultOrigin's proposal counterpart.
func (s *Store) RegisterProposalOrigin(eventID event.EventID, proposalID model.ProposalID) {
	s.originMu.Lock()
	defer s.originMu.Unlock()
	s.proposalOrigin[eventID] = proposalID
}

// DeleteVaultByOriginEvent removes the vault created by eventID, if any.
func (s *Store) DeleteVaultByOriginEvent(eventID event.EventID) {
	s.originMu.Lock()
	vaultID, ok := s.vaultOrigin[eventID]
	delete(s.vaultOrigin, eventID)
	s.originMu.Unlock()

	if ok {
		s.DeleteVault(vaultID)
	}
}

// DeleteProposalByOriginEvent removes the proposal created by eventID, if
// any, also releasing its frozen outpoints (P4).
func (s *Store) DeleteProposalByOriginEvent(eventID event.EventID) {
	s.originMu.Lock()
	proposalID, ok := s.proposalOrigin[eventID]
	delete(s.proposalOrigin, eventID)
	s.originMu.Unlock()

	if !ok {
		return
	}
	p, err := s.Proposal(proposalID)
	if err == nil {
		s.ReleaseUTXOs(p.VaultID, p.InputOutpoints())
	}
	s.DeleteProposal(proposalID)
}

// --- Vaults ---------------------------------------------------------------

// InsertVaultIfAbsent inserts v and registers its shared-key reverse index
// entry, unless a vault with the same id is already known (first-seen
// wins, per spec.md §7's storage-invariant policy). Returns true if the
// vault was newly inserted.
func (s *Store) InsertVaultIfAbsent(v model.Vault) bool {
	s.vaultsMu.Lock()
	defer s.vaultsMu.Unlock()

	if _, ok := s.vaults[v.ID]; ok {
		return false
	}
	s.vaults[v.ID] = model.InternalVault{Vault: v, Metadata: v.Metadata}

	_, pub := sharedKeyPair(v.SharedKey)
	s.sharedKeyMu.Lock()
	s.vaultSharedPubToKey[pubKeyOf(pub)] = v.SharedKey
	s.sharedKeyMu.Unlock()

	return true
}

// Vault returns the vault for id, or ErrNotFound.
func (s *Store) Vault(id model.VaultID) (model.Vault, error) {
	s.vaultsMu.RLock()
	defer s.vaultsMu.RUnlock()

	iv, ok := s.vaults[id]
	if !ok {
		return model.Vault{}, ErrNotFound
	}
	return iv.Vault, nil
}

// Vaults returns every known vault. Order is unspecified.
func (s *Store) Vaults() []model.Vault {
	s.vaultsMu.RLock()
	defer s.vaultsMu.RUnlock()

	out := make([]model.Vault, 0, len(s.vaults))
	for _, iv := range s.vaults {
		out = append(out, iv.Vault)
	}
	return out
}

// DeleteVault removes a vault (and its shared-key index entry) from the
// projection. Deletions are advisory per spec.md §9: callers should only
// invoke this once the underlying relay storage has confirmed the
// tombstone.
func (s *Store) DeleteVault(id model.VaultID) {
	s.vaultsMu.Lock()
	iv, ok := s.vaults[id]
	delete(s.vaults, id)
	s.vaultsMu.Unlock()

	if !ok {
		return
	}

	_, pub := sharedKeyPair(iv.Vault.SharedKey)
	s.sharedKeyMu.Lock()
	delete(s.vaultSharedPubToKey, pubKeyOf(pub))
	s.sharedKeyMu.Unlock()
}

// SharedKeyForAuthor resolves the reverse index from a vault-scoped
// event's authoring pubkey back to the vault's shared symmetric key. This
// is the "critical hot path" spec.md §9 calls out, built eagerly by
// InsertVaultIfAbsent at ingest time.
func (s *Store) SharedKeyForAuthor(pub event.PubKey) ([32]byte, bool) {
	s.sharedKeyMu.RLock()
	defer s.sharedKeyMu.RUnlock()

	key, ok := s.vaultSharedPubToKey[pub]
	return key, ok
}

// UpdateVaultMetadata overwrites a vault's metadata if the vault is known.
// Returns false (ignored) if the vault id is unknown, matching the
// handler's "if vault_id ∈ vaults: overwrite" rule.
func (s *Store) UpdateVaultMetadata(id model.VaultID, md event.VaultMetadata) bool {
	s.vaultsMu.Lock()
	defer s.vaultsMu.Unlock()

	iv, ok := s.vaults[id]
	if !ok {
		return false
	}
	iv.Metadata = md
	iv.Vault.Metadata = md
	s.vaults[id] = iv
	return true
}

// --- Proposals --------------------------------------------------------------

// InsertProposalIfAbsent inserts p unless its id is already present.
// Returns true if newly inserted. Freezing the proposal's inputs is the
// caller's responsibility (eventhandler does this under the same
// invariant spec.md §4.4 describes) so that freeze and insert observe a
// consistent order relative to concurrent readers.
func (s *Store) InsertProposalIfAbsent(p model.Proposal) bool {
	s.proposalsMu.Lock()
	defer s.proposalsMu.Unlock()

	if _, ok := s.proposals[p.ID]; ok {
		return false
	}
	s.proposals[p.ID] = p
	return true
}

// Proposal returns the proposal for id, or ErrNotFound.
func (s *Store) Proposal(id model.ProposalID) (model.Proposal, error) {
	s.proposalsMu.RLock()
	defer s.proposalsMu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return model.Proposal{}, ErrNotFound
	}
	return p, nil
}

// UpdateProposal overwrites a known proposal's state wholesale, used to
// transition Pending -> Completed on finalize.
func (s *Store) UpdateProposal(p model.Proposal) error {
	s.proposalsMu.Lock()
	defer s.proposalsMu.Unlock()

	if _, ok := s.proposals[p.ID]; !ok {
		return ErrNotFound
	}
	s.proposals[p.ID] = p
	return nil
}

// DeleteProposal removes a proposal from the projection.
func (s *Store) DeleteProposal(id model.ProposalID) {
	s.proposalsMu.Lock()
	delete(s.proposals, id)
	s.proposalsMu.Unlock()
}

// ProposalsByVault returns every proposal belonging to vault, in no
// particular order.
func (s *Store) ProposalsByVault(vaultID model.VaultID) []model.Proposal {
	s.proposalsMu.RLock()
	defer s.proposalsMu.RUnlock()

	var out []model.Proposal
	for _, p := range s.proposals {
		if p.VaultID == vaultID {
			out = append(out, p)
		}
	}
	return out
}

// TxDescriptions reads only Completed proposals for a vault, per spec.md
// §4.3's query contract.
func (s *Store) TxDescriptions(vaultID model.VaultID) []model.Proposal {
	all := s.ProposalsByVault(vaultID)
	out := all[:0]
	for _, p := range all {
		if p.Status == event.ProposalStatusCompleted {
			out = append(out, p)
		}
	}
	return out
}

// --- Approvals ---------------------------------------------------------------

// InsertApprovalIfAbsent inserts a under key eventID unless already
// present. Returns true if newly inserted.
func (s *Store) InsertApprovalIfAbsent(eventID event.EventID, ia model.InternalApproval) bool {
	s.approvalsMu.Lock()
	defer s.approvalsMu.Unlock()

	if _, ok := s.approvals[eventID]; ok {
		return false
	}
	s.approvals[eventID] = ia
	return true
}

// DeleteApproval removes an approval from the projection, used by
// RevokeApproval's deletion-event handling.
func (s *Store) DeleteApproval(eventID event.EventID) {
	s.approvalsMu.Lock()
	delete(s.approvals, eventID)
	s.approvalsMu.Unlock()
}

// Approval returns the single approval stored under eventID, or
// ErrNotFound. Used by RevokeApproval to check authorship before emitting
// a deletion.
func (s *Store) Approval(eventID event.EventID) (model.InternalApproval, error) {
	s.approvalsMu.RLock()
	defer s.approvalsMu.RUnlock()

	ia, ok := s.approvals[eventID]
	if !ok {
		return model.InternalApproval{}, ErrNotFound
	}
	return ia, nil
}

// ApprovalsByProposalID returns every approval referencing the proposal,
// stably ordered by (timestamp, approval_id) per spec.md §4.3. It returns
// ErrNotFound when the proposal itself is not indexed.
func (s *Store) ApprovalsByProposalID(id model.ProposalID) ([]model.Approval, error) {
	if _, err := s.Proposal(id); err != nil {
		return nil, err
	}

	s.approvalsMu.RLock()
	var out []model.Approval
	for _, ia := range s.approvals {
		if ia.Approval.ProposalID == id {
			out = append(out, ia.Approval)
		}
	}
	s.approvalsMu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return lessEventID(out[i].ApprovalID, out[j].ApprovalID)
	})
	return out, nil
}

func lessEventID(a, b event.EventID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// --- Signers ---------------------------------------------------------------

// InsertSignerIfAbsent inserts s unless its id is already known.
func (s *Store) InsertSignerIfAbsent(signer model.Signer) bool {
	s.signersMu.Lock()
	defer s.signersMu.Unlock()

	if _, ok := s.signers[signer.ID]; ok {
		return false
	}
	s.signers[signer.ID] = signer
	return true
}

// Signers returns every known signer.
func (s *Store) Signers() []model.Signer {
	s.signersMu.RLock()
	defer s.signersMu.RUnlock()

	out := make([]model.Signer, 0, len(s.signers))
	for _, sg := range s.signers {
		out = append(out, sg)
	}
	return out
}

// --- Shared signers ----------------------------------------------------------

// UpsertSharedSigner overwrites the entry for id if ss is newer
// (last-write-wins by timestamp), per spec.md §3. Returns true if applied.
func (s *Store) UpsertSharedSigner(id string, ss model.SharedSigner) bool {
	s.sharedSignersMu.Lock()
	defer s.sharedSignersMu.Unlock()

	existing, ok := s.sharedSigners[id]
	if ok && existing.Timestamp >= ss.Timestamp {
		return false
	}
	s.sharedSigners[id] = ss
	return true
}

// SharedSigner returns the entry for id, or ErrNotFound.
func (s *Store) SharedSigner(id string) (model.SharedSigner, error) {
	s.sharedSignersMu.RLock()
	defer s.sharedSignersMu.RUnlock()

	ss, ok := s.sharedSigners[id]
	if !ok {
		return model.SharedSigner{}, ErrNotFound
	}
	return ss, nil
}

// --- Labels ------------------------------------------------------------------

// InsertLabelIfAbsent inserts l unless already present.
func (s *Store) InsertLabelIfAbsent(l model.InternalLabel) bool {
	s.labelsMu.Lock()
	defer s.labelsMu.Unlock()

	if _, ok := s.labels[l.Label.ID]; ok {
		return false
	}
	s.labels[l.Label.ID] = l
	return true
}

// --- Frozen UTXOs ------------------------------------------------------------

// FreezeUTXOs adds outpoints to vault's frozen set. Idempotent.
func (s *Store) FreezeUTXOs(vaultID model.VaultID, outpoints []wire.OutPoint) {
	if len(outpoints) == 0 {
		return
	}
	s.frozenMu.Lock()
	defer s.frozenMu.Unlock()

	set, ok := s.frozen[vaultID]
	if !ok {
		set = make(map[wire.OutPoint]struct{}, len(outpoints))
		s.frozen[vaultID] = set
	}
	for _, op := range outpoints {
		set[op] = struct{}{}
	}
}

// ReleaseUTXOs removes outpoints from vault's frozen set, e.g. on finalize
// or proposal deletion (P4).
func (s *Store) ReleaseUTXOs(vaultID model.VaultID, outpoints []wire.OutPoint) {
	s.frozenMu.Lock()
	defer s.frozenMu.Unlock()

	set, ok := s.frozen[vaultID]
	if !ok {
		return
	}
	for _, op := range outpoints {
		delete(set, op)
	}
}

// GetFrozenUTXOs returns the live freeze set for vault. Per spec.md §4.3
// this is not persisted across restarts; see RebuildFreezeSet.
func (s *Store) GetFrozenUTXOs(vaultID model.VaultID) map[wire.OutPoint]struct{} {
	s.frozenMu.RLock()
	defer s.frozenMu.RUnlock()

	set := s.frozen[vaultID]
	out := make(map[wire.OutPoint]struct{}, len(set))
	for op := range set {
		out[op] = struct{}{}
	}
	return out
}

// RebuildFreezeSet recomputes every vault's frozen-UTXO set from scratch by
// scanning all Pending proposals, per spec.md §9 ("keep it cached... rebuild
// on startup"). Call this once after a bulk load (startup, or after a
// negentropy backfill) rather than on every spend.
func (s *Store) RebuildFreezeSet() {
	s.proposalsMu.RLock()
	byVault := make(map[model.VaultID][]wire.OutPoint)
	for _, p := range s.proposals {
		if !p.IsPending() {
			continue
		}
		byVault[p.VaultID] = append(byVault[p.VaultID], p.InputOutpoints()...)
	}
	s.proposalsMu.RUnlock()

	s.frozenMu.Lock()
	defer s.frozenMu.Unlock()
	s.frozen = make(map[model.VaultID]map[wire.OutPoint]struct{}, len(byVault))
	for vaultID, ops := range byVault {
		set := make(map[wire.OutPoint]struct{}, len(ops))
		for _, op := range ops {
			set[op] = struct{}{}
		}
		s.frozen[vaultID] = set
	}
}

// --- Verified key agents ------------------------------------------------------

// ReplaceVerifiedKeyAgents replaces the whole verified-key-agent snapshot.
// Supplements spec.md: resolves which SharedSigner descriptors are
// eligible for KeyAgentPayment proposals (see original_source's
// manager.rs "key agent" registry).
func (s *Store) ReplaceVerifiedKeyAgents(fingerprints []string) {
	s.keyAgentsMu.Lock()
	defer s.keyAgentsMu.Unlock()

	s.keyAgents = make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		s.keyAgents[fp] = struct{}{}
	}
}

// IsVerifiedKeyAgent reports whether fingerprint is in the current
// verified-key-agent snapshot.
func (s *Store) IsVerifiedKeyAgent(fingerprint string) bool {
	s.keyAgentsMu.RLock()
	defer s.keyAgentsMu.RUnlock()

	_, ok := s.keyAgents[fingerprint]
	return ok
}

func sharedKeyPair(sk [32]byte) (*btcec.PrivateKey, *btcec.PublicKey) {
	return smcrypto.SharedKeyToKeyPair(sk)
}

func pubKeyOf(pub *btcec.PublicKey) event.PubKey {
	var out event.PubKey
	copy(out[:], pub.SerializeCompressed())
	return out
}
