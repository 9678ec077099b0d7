// Package eventhandler implements the single pure dispatch function that
// turns one inbound relay event into zero or more storage mutations plus
// one semantic notification, per spec.md §4.4.
//
// Grounded on routing/ann_validation.go: the closest teacher analogue to
// "validate and index one inbound network message, then return or
// silently ignore it" is its gossip announcement validator, which the same
// kind-driven switch shape is lifted from.
package eventhandler

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btclog"
	"github.com/smartvaults/smartvaults-core/build"
	smcrypto "github.com/smartvaults/smartvaults-core/crypto"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/model"
	"github.com/smartvaults/smartvaults-core/storage"
)

// log is a package-level placeholder logger, replaced by UseLogger once
// SetupLoggers wires up the real root logger. Matches the pattern in the
// teacher's log.go (addLndPkgLogger / SetupLoggers).
var log = build.NewSubLogger("CDEC", nil)

// UseLogger replaces this package's logger with the passed one.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// NotificationKind tags the semantic meaning of a Handle result.
type NotificationKind int

const (
	NotificationVaultIngested NotificationKind = iota
	NotificationVaultMetadataUpdated
	NotificationProposalIngested
	NotificationApprovalIngested
	NotificationSignerIngested
	NotificationSharedSignerIngested
	NotificationVerifiedKeyAgents
	NotificationEventsDeleted
)

// Notification is returned by Handle whenever an event caused an observable
// state change, for the sync loop to broadcast on the user-facing channel.
type Notification struct {
	Kind       NotificationKind
	VaultID    model.VaultID
	ProposalID model.ProposalID
}

// IdentityKeystore is the minimal capability Handle needs from C9: the
// ability to decrypt content addressed to the local identity.
type IdentityKeystore interface {
	IdentityPrivKey() *btcec.PrivateKey
}

// Handle processes a single stored event against store, returning a
// Notification if it caused a visible change, or (nil, nil) if the event
// was ignored (wrong recipient, stale metadata, missing parent, or a
// failed decrypt). Handle never returns an error for a single bad event;
// per spec.md's failure semantics table, decrypt failures are logged and
// swallowed, not propagated.
func Handle(store *storage.Store, ks IdentityKeystore, ev *event.Event) (*Notification, error) {
	switch ev.Kind {
	case event.KindVault:
		return handleVault(store, ks, ev)
	case event.KindVaultMetadata:
		return handleVaultMetadata(store, ev)
	case event.KindProposal:
		return handleProposal(store, ev)
	case event.KindApproval:
		return handleApproval(store, ev)
	case event.KindSigner:
		return handleSigner(store, ks, ev)
	case event.KindSharedSigner:
		return handleSharedSigner(store, ks, ev)
	case event.KindEventDeletion:
		return handleEventDeletion(store, ev)
	default:
		// ContactList, Metadata, RelayList and anything else carry no
		// core projection state; the sync loop may still act on them
		// (e.g. updating the relay list) but Handle has nothing to do.
		return nil, nil
	}
}

func handleVault(store *storage.Store, ks IdentityKeystore, ev *event.Event) (*Notification, error) {
	senderPub, err := parsePubKey(ev.PubKey)
	if err != nil {
		log.Warnf("vault event %x: bad author pubkey: %v", ev.ID, err)
		return nil, nil
	}

	plaintext, err := smcrypto.DecryptAsymmetric(ks.IdentityPrivKey(), senderPub, []byte(ev.Content))
	if err != nil {
		log.Warnf("vault event %x: decrypt failed: %v", ev.ID, err)
		return nil, nil
	}

	var payload event.VaultPayload
	if err := payload.Decode(plaintext); err != nil {
		log.Warnf("vault event %x: malformed payload: %v", ev.ID, err)
		return nil, nil
	}

	v := model.Vault{
		SharedKey:  payload.SharedKey,
		Descriptor: payload.Descriptor,
		Network:    payload.Network,
		Metadata:   payload.Metadata,
	}
	v.ID = vaultID(v.Descriptor, v.SharedKey)

	if !store.InsertVaultIfAbsent(v) {
		// Either a genuine replay (P2: no-op) or, per spec.md §7, a
		// same-id-different-content anomaly. Storage treats the
		// first-seen content as authoritative either way; only the
		// anomaly case is worth a warning.
		existing, _ := store.Vault(v.ID)
		if existing.Descriptor != v.Descriptor || existing.SharedKey != v.SharedKey {
			log.Warnf("vault %x: ignoring re-broadcast with different content", v.ID)
		}
		return nil, nil
	}
	store.RegisterVaultOrigin(ev.ID, v.ID)

	return &Notification{Kind: NotificationVaultIngested, VaultID: v.ID}, nil
}

func handleVaultMetadata(store *storage.Store, ev *event.Event) (*Notification, error) {
	sk, ok := store.SharedKeyForAuthor(ev.PubKey)
	if !ok {
		return nil, nil
	}

	plaintext, err := smcrypto.DecryptSymmetric(sk, []byte(ev.Content))
	if err != nil {
		log.Warnf("vault metadata event %x: decrypt failed: %v", ev.ID, err)
		return nil, nil
	}

	var md event.VaultMetadata
	if err := (&md).Decode(plaintext); err != nil {
		log.Warnf("vault metadata event %x: malformed payload: %v", ev.ID, err)
		return nil, nil
	}

	vid := model.VaultID(md.VaultID)

	if !store.UpdateVaultMetadata(vid, md) {
		return nil, nil
	}
	return &Notification{Kind: NotificationVaultMetadataUpdated, VaultID: vid}, nil
}

func handleProposal(store *storage.Store, ev *event.Event) (*Notification, error) {
	sk, ok := lookupSharedKeyForContent(store, ev)
	if !ok {
		return nil, nil
	}

	plaintext, err := smcrypto.DecryptSymmetric(sk, []byte(ev.Content))
	if err != nil {
		log.Warnf("proposal event %x: decrypt failed: %v", ev.ID, err)
		return nil, nil
	}

	var payload event.ProposalPayload
	if err := payload.Decode(plaintext); err != nil {
		log.Warnf("proposal event %x: malformed payload: %v", ev.ID, err)
		return nil, nil
	}

	p := decodeProposal(payload)
	p.ID = proposalID(plaintext)

	if store.InsertProposalIfAbsent(p) {
		if p.PSBT != nil {
			store.FreezeUTXOs(p.VaultID, p.InputOutpoints())
		}
		store.RegisterProposalOrigin(ev.ID, p.ID)
		return &Notification{Kind: NotificationProposalIngested, VaultID: p.VaultID, ProposalID: p.ID}, nil
	}
	return nil, nil
}

func handleApproval(store *storage.Store, ev *event.Event) (*Notification, error) {
	sharedPubHex, ok := ev.Tags.Find("p")
	if !ok {
		return nil, nil
	}
	sk, ok := lookupSharedKeyByHexPub(store, sharedPubHex)
	if !ok {
		return nil, nil
	}

	plaintext, err := smcrypto.DecryptSymmetric(sk, []byte(ev.Content))
	if err != nil {
		log.Warnf("approval event %x: decrypt failed: %v", ev.ID, err)
		return nil, nil
	}

	var payload event.ApprovalPayload
	if err := payload.Decode(plaintext); err != nil {
		log.Warnf("approval event %x: malformed payload: %v", ev.ID, err)
		return nil, nil
	}

	var partial *psbt.Packet
	if len(payload.PartialPSBT) > 0 {
		partial, _ = psbt.NewFromRawBytes(bytesReader(payload.PartialPSBT), false)
	}

	ia := model.InternalApproval{
		AuthorPub: ev.PubKey,
		Timestamp: ev.CreatedAt,
		Approval: model.Approval{
			ApprovalID:  ev.ID,
			VaultID:     payload.VaultID,
			ProposalID:  payload.ProposalID,
			AuthorPub:   ev.PubKey,
			PartialPSBT: partial,
			Timestamp:   ev.CreatedAt,
			ExpiresAt:   payload.ExpiresAt,
		},
	}

	if store.InsertApprovalIfAbsent(ev.ID, ia) {
		return &Notification{
			Kind:       NotificationApprovalIngested,
			VaultID:    payload.VaultID,
			ProposalID: payload.ProposalID,
		}, nil
	}
	return nil, nil
}

func handleSigner(store *storage.Store, ks IdentityKeystore, ev *event.Event) (*Notification, error) {
	plaintext, err := smcrypto.DecryptAsymmetric(ks.IdentityPrivKey(), ks.IdentityPrivKey().PubKey(), []byte(ev.Content))
	if err != nil {
		log.Warnf("signer event %x: decrypt failed: %v", ev.ID, err)
		return nil, nil
	}

	var payload event.SignerPayload
	if err := payload.Decode(plaintext); err != nil {
		log.Warnf("signer event %x: malformed payload: %v", ev.ID, err)
		return nil, nil
	}

	s := model.Signer{
		Name:        payload.Name,
		Description: payload.Description,
		Fingerprint: payload.Fingerprint,
		Descriptors: payload.Descriptors,
		Type:        payload.Type,
	}
	s.ID = signerID(s.Descriptors, s.Fingerprint)

	if store.InsertSignerIfAbsent(s) {
		return &Notification{Kind: NotificationSignerIngested}, nil
	}
	return nil, nil
}

func handleSharedSigner(store *storage.Store, ks IdentityKeystore, ev *event.Event) (*Notification, error) {
	id, ok := ev.Tags.Find("d")
	if !ok {
		return nil, nil
	}

	senderPub, err := parsePubKey(ev.PubKey)
	if err != nil {
		log.Warnf("shared signer event %x: bad author pubkey: %v", ev.ID, err)
		return nil, nil
	}

	plaintext, err := smcrypto.DecryptAsymmetric(ks.IdentityPrivKey(), senderPub, []byte(ev.Content))
	if err != nil {
		log.Warnf("shared signer event %x: decrypt failed: %v", ev.ID, err)
		return nil, nil
	}

	var payload event.SharedSignerPayload
	if err := payload.Decode(plaintext); err != nil {
		log.Warnf("shared signer event %x: malformed payload: %v", ev.ID, err)
		return nil, nil
	}

	ss := model.SharedSigner{
		NostrPublicID: id,
		Descriptor:    payload.Descriptor,
		Fingerprint:   payload.Fingerprint,
		IsKeyAgent:    payload.IsKeyAgent,
		Timestamp:     ev.CreatedAt,
	}

	if store.UpsertSharedSigner(id, ss) {
		return &Notification{Kind: NotificationSharedSignerIngested}, nil
	}
	return nil, nil
}

func handleEventDeletion(store *storage.Store, ev *event.Event) (*Notification, error) {
	for _, targetHex := range ev.Tags.FindAll("e") {
		targetID, ok := decodeEventID(targetHex)
		if !ok {
			continue
		}
		// Best-effort: a tombstone for an id that is a proposal, an
		// approval, or (via the originating Vault event's id) a
		// vault are all removed the same way, matching spec.md
		// §4.4's "for each tombstoned id: best-effort remove from
		// every index".
		store.DeleteApproval(targetID)
		store.DeleteProposalByOriginEvent(targetID)
		store.DeleteVaultByOriginEvent(targetID)
	}
	return &Notification{Kind: NotificationEventsDeleted}, nil
}
