package eventhandler

import (
	"bytes"
	"encoding/hex"
	"io"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/smartvaults/smartvaults-core/event"
	"github.com/smartvaults/smartvaults-core/model"
	"github.com/smartvaults/smartvaults-core/storage"
)

func decodeTx(b []byte) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	if err := tx.Deserialize(bytesReader(b)); err != nil {
		return nil
	}
	return tx
}

func parsePubKey(pub event.PubKey) (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(pub[:])
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}

func decodeEventID(hexStr string) (event.EventID, bool) {
	var id event.EventID
	b, err := hex.DecodeString(hexStr)
	if err != nil || len(b) != len(id) {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// contentHash delegates to event.ContentHash so every content-addressed
// identifier in this module is derived the same way.
func contentHash(b []byte) [32]byte {
	return event.ContentHash(b)
}

func vaultID(descriptor string, sharedKey [32]byte) model.VaultID {
	buf := append([]byte(descriptor), sharedKey[:]...)
	return model.VaultID(contentHash(buf))
}

func proposalID(canonicalPlaintext []byte) model.ProposalID {
	return model.ProposalID(contentHash(canonicalPlaintext))
}

func signerID(descriptors map[string]string, fingerprint string) model.SignerID {
	keys := make([]string, 0, len(descriptors))
	for k := range descriptors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(descriptors[k])
		buf.WriteByte(';')
	}
	buf.WriteString(fingerprint)

	return model.SignerID(contentHash(buf.Bytes()))
}

func decodeProposal(payload event.ProposalPayload) model.Proposal {
	p := model.Proposal{
		VaultID:          payload.VaultID,
		Type:             payload.Type,
		Status:           payload.Status,
		Descriptor:       payload.Descriptor,
		Destination:      payload.Destination,
		Description:      payload.Description,
		SignerDescriptor: payload.SignerDescriptor,
		Period:           payload.Period,
		Message:          payload.Message,
	}

	if len(payload.PSBT) > 0 {
		if pkt, err := psbt.NewFromRawBytes(bytesReader(payload.PSBT), false); err == nil {
			p.PSBT = pkt
		}
	}
	if len(payload.ExtractedTx) > 0 {
		p.ExtractedTx = decodeTx(payload.ExtractedTx)
	}
	if len(payload.Proof) > 0 {
		if pkt, err := psbt.NewFromRawBytes(bytesReader(payload.Proof), false); err == nil {
			p.Proof = pkt
		}
	}

	return p
}

// lookupSharedKeyForContent resolves the shared symmetric key for an event
// that is itself authored by a vault's shared-key pubkey (Proposal events).
func lookupSharedKeyForContent(store *storage.Store, ev *event.Event) ([32]byte, bool) {
	return store.SharedKeyForAuthor(ev.PubKey)
}

// lookupSharedKeyByHexPub resolves the shared symmetric key for an event
// that references a vault's shared-key pubkey via a tag rather than being
// authored by it directly (Approval events, tagged with "p").
func lookupSharedKeyByHexPub(store *storage.Store, hexPub string) ([32]byte, bool) {
	b, err := hex.DecodeString(hexPub)
	if err != nil || len(b) != len(event.PubKey{}) {
		return [32]byte{}, false
	}
	var pub event.PubKey
	copy(pub[:], b)
	return store.SharedKeyForAuthor(pub)
}
