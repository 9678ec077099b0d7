// Package model holds the in-memory domain types that storage.Store
// indexes and the rest of the core operates on: Vault, Proposal, Approval,
// Signer, SharedSigner and Label from spec.md §3.
package model

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/miniscript"
)

// VaultID content-addresses a Vault: hash(descriptor || shared_key).
type VaultID [32]byte

// ProposalID content-addresses a Proposal.
type ProposalID [32]byte

// SignerID content-addresses a Signer: hash(descriptor || fingerprint).
type SignerID [32]byte

// LabelID is HMAC(shared_key, data) per spec.md §3.
type LabelID [32]byte

// Vault is a named shared wallet, the unit every Proposal, Approval and
// Signer event is scoped to.
type Vault struct {
	ID         VaultID
	SharedKey  [32]byte
	Descriptor string
	Network    event.Network
	Metadata   event.VaultMetadata
}

// InternalVault is the storage-layer wrapper named in spec.md §4.3.
type InternalVault struct {
	Vault    Vault
	Metadata event.VaultMetadata
}

// Proposal is the tagged union of the three proposal kinds plus lifecycle
// status, per spec.md §3.
type Proposal struct {
	ID      ProposalID
	VaultID VaultID
	Type    event.ProposalType
	Status  event.ProposalStatus

	Descriptor  string
	Destination event.Destination
	Description string
	PSBT        *psbt.Packet

	// PolicyPath selects, for policies with more than one valid spending
	// branch (thresh/or), which branch Finalize should satisfy. Chosen at
	// Spend time and carried locally on the proposal; nil for policies
	// with a single branch (a plain multisig), where miniscript.Satisfy
	// picks the only available one.
	PolicyPath miniscript.PolicyPath

	SignerDescriptor string
	Period           *event.Period

	Message string

	ExtractedTx *wire.MsgTx
	Proof       *psbt.Packet
}

// InputOutpoints returns every outpoint the proposal's PSBT spends. Used by
// the freeze/release logic and by the double-spend-prevention checks.
func (p *Proposal) InputOutpoints() []wire.OutPoint {
	if p.PSBT == nil || p.PSBT.UnsignedTx == nil {
		return nil
	}
	outs := make([]wire.OutPoint, 0, len(p.PSBT.UnsignedTx.TxIn))
	for _, in := range p.PSBT.UnsignedTx.TxIn {
		outs = append(outs, in.PreviousOutPoint)
	}
	return outs
}

// IsPending reports whether the proposal is still awaiting approvals.
func (p *Proposal) IsPending() bool {
	return p.Status == event.ProposalStatusPending
}

// Approval is a single participant's partial signature set on a proposal.
type Approval struct {
	ApprovalID  event.EventID
	VaultID     VaultID
	ProposalID  ProposalID
	AuthorPub   event.PubKey
	PartialPSBT *psbt.Packet
	Timestamp   int64
	ExpiresAt   int64
}

// InternalApproval is the storage-layer wrapper named in spec.md §4.3.
type InternalApproval struct {
	AuthorPub event.PubKey
	Approval  Approval
	Timestamp int64
}

// IsExpired reports whether the approval's expiration has passed.
func (a *Approval) IsExpired(now int64) bool {
	return a.ExpiresAt != 0 && now > a.ExpiresAt
}

// Signer is a key/device descriptor owned by the local participant,
// indexed by its content-derived SignerID.
type Signer struct {
	ID          SignerID
	Name        string
	Description string
	Fingerprint string
	Descriptors map[string]string
	Type        event.SignerType
}

// SharedSigner is an announcement of a signer offered to another
// participant, indexed by nostr public identifier with last-write-wins.
type SharedSigner struct {
	NostrPublicID string
	Descriptor    string
	Fingerprint   string
	IsKeyAgent    bool
	Timestamp     int64
}

// Label annotates a vault address or outpoint with free text.
type Label struct {
	ID      LabelID
	VaultID VaultID
	Text    string
	Address string
	Outpoint *wire.OutPoint
}

// InternalLabel is the storage-layer wrapper named in spec.md §4.3.
type InternalLabel struct {
	VaultID VaultID
	Label   Label
}
