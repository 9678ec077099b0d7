package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// ContentHash double-SHA256s b, the content-addressing scheme every
// entity identifier in this module uses (vault_id, proposal_id,
// signer_id), matching ComputeID's own hashing idiom.
func ContentHash(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func hexDecodeFixed(s string, n int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("event: expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

func parseUnix(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
