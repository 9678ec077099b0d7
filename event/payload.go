package event

import (
	"encoding/json"
)

// Network identifies which Bitcoin network a Vault's descriptor is valid
// for, per spec.md §3.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkSignet  Network = "signet"
	NetworkRegtest Network = "regtest"
)

// VaultMetadata is the mutable title/description attached to a Vault.
type VaultMetadata struct {
	VaultID     [32]byte `json:"vault_id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
}

func (m *VaultMetadata) Encode() ([]byte, error) { return json.Marshal(m) }
func (m *VaultMetadata) Decode(b []byte) error   { return json.Unmarshal(b, m) }

// VaultPayload is the plaintext body of a KindVault event.
type VaultPayload struct {
	SharedKey  [32]byte      `json:"shared_key"`
	Descriptor string        `json:"descriptor"`
	Network    Network       `json:"network"`
	Metadata   VaultMetadata `json:"metadata"`
}

// Encode serializes the payload's canonical plaintext form.
func (p *VaultPayload) Encode() ([]byte, error) { return json.Marshal(p) }

// Decode parses a canonical plaintext form produced by Encode.
func (p *VaultPayload) Decode(b []byte) error { return json.Unmarshal(b, p) }

// Destination describes a proposal's spend target: either an explicit
// amount to a fixed address, or a drain-to-address sweep of all funds.
type Destination struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount,omitempty"`
	Drain   bool   `json:"drain,omitempty"`
}

// ProposalType tags which variant of the Proposal union a payload carries.
type ProposalType string

const (
	ProposalTypeSpending       ProposalType = "Spending"
	ProposalTypeKeyAgentPay    ProposalType = "KeyAgentPayment"
	ProposalTypeProofOfReserve ProposalType = "ProofOfReserve"
)

// ProposalStatus is the lifecycle state of a Proposal.
type ProposalStatus string

const (
	ProposalStatusPending   ProposalStatus = "Pending"
	ProposalStatusCompleted ProposalStatus = "Completed"
)

// ProposalPayload is the plaintext body of a KindProposal event: a tagged
// union over the three proposal kinds described in spec.md §3, plus the
// status and completion artifact.
type ProposalPayload struct {
	VaultID [32]byte     `json:"vault_id"`
	Type    ProposalType `json:"type"`
	Status  ProposalStatus `json:"status"`

	// Common to Spending and KeyAgentPayment.
	Descriptor  string      `json:"descriptor"`
	Destination Destination `json:"destination,omitempty"`
	Description string      `json:"description,omitempty"`
	PSBT        []byte      `json:"psbt"`

	// KeyAgentPayment only.
	SignerDescriptor string `json:"signer_descriptor,omitempty"`
	Period           *Period `json:"period,omitempty"`

	// ProofOfReserve only.
	Message string `json:"message,omitempty"`

	// Completed status artifacts.
	ExtractedTx []byte `json:"extracted_tx,omitempty"`
	Proof       []byte `json:"proof,omitempty"`
}

// Period bounds a recurring KeyAgentPayment.
type Period struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (p *ProposalPayload) Encode() ([]byte, error) { return json.Marshal(p) }
func (p *ProposalPayload) Decode(b []byte) error   { return json.Unmarshal(b, p) }

// ApprovalPayload is the plaintext body of a KindApproval event.
type ApprovalPayload struct {
	VaultID     [32]byte `json:"vault_id"`
	ProposalID  [32]byte `json:"proposal_id"`
	PartialPSBT []byte   `json:"partial_psbt"`
	ExpiresAt   int64    `json:"expires_at"`
}

func (p *ApprovalPayload) Encode() ([]byte, error) { return json.Marshal(p) }
func (p *ApprovalPayload) Decode(b []byte) error   { return json.Unmarshal(b, p) }

// SignerType enumerates the kinds of key material a Signer describes.
type SignerType string

const (
	SignerTypeSeed     SignerType = "Seed"
	SignerTypeAirGap   SignerType = "AirGap"
	SignerTypeHardware SignerType = "Hardware"
)

// SignerPayload is the plaintext body of a KindSigner event.
type SignerPayload struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Fingerprint string     `json:"fingerprint"`
	Descriptors map[string]string `json:"descriptors"` // purpose -> descriptor
	Type        SignerType `json:"type"`
}

func (p *SignerPayload) Encode() ([]byte, error) { return json.Marshal(p) }
func (p *SignerPayload) Decode(b []byte) error   { return json.Unmarshal(b, p) }

// SharedSignerPayload is the plaintext body of a KindSharedSigner event: an
// announcement of a signer descriptor offered to another participant.
type SharedSignerPayload struct {
	Descriptor string `json:"descriptor"`
	Fingerprint string `json:"fingerprint"`
	IsKeyAgent bool   `json:"is_key_agent,omitempty"`
}

func (p *SharedSignerPayload) Encode() ([]byte, error) { return json.Marshal(p) }
func (p *SharedSignerPayload) Decode(b []byte) error   { return json.Unmarshal(b, p) }
