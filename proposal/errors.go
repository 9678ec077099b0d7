package proposal

import "errors"

// Sentinel errors for the proposal engine's named failure modes, per
// spec.md §4.7. Modeled on lnwallet.ErrInsufficientFunds's one-type-per-
// failure-mode style: each is distinguishable with errors.Is rather than
// string matching.
var (
	ErrVaultNotFound        = errors.New("proposal: vault not found")
	ErrProposalNotFound     = errors.New("proposal: proposal not found")
	ErrApprovalNotFound     = errors.New("proposal: approval not found")
	ErrInvalidFeeRate       = errors.New("proposal: fee rate below relay minimum")
	ErrApprovalExpired      = errors.New("proposal: approval's expires_at has already passed")
	ErrInsufficientApprovals = errors.New("proposal: not enough valid approvals to finalize")
	ErrFinalizeFailed       = errors.New("proposal: combining approvals into a finalized psbt failed")
	ErrBroadcastFailed      = errors.New("proposal: broadcasting the finalized transaction failed")
	ErrNotAuthor            = errors.New("proposal: only the approval's author may revoke it")
	ErrNotPending           = errors.New("proposal: proposal is not in Pending status")
)
