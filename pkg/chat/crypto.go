package chat

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"

	apperrors "github.com/nova-corefabric/corefabric/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// GenerateDeviceKeyPair creates a new X25519 key pair for device
// registration; only the public half is ever sent to StoreDevicePublicKey.
func GenerateDeviceKeyPair() (*ecdh.PrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, apperrors.Wrap(err, "generate device key pair")
	}
	return key, nil
}

// DeriveSharedSecret computes X25519(ourPrivate, theirPublic). Symmetric by
// construction: the same call with the peer's private key and our public
// key yields the same secret.
func DeriveSharedSecret(ourPrivate *ecdh.PrivateKey, theirPublicRaw []byte) ([]byte, error) {
	theirPublic, err := ecdh.X25519().NewPublicKey(theirPublicRaw)
	if err != nil {
		return nil, apperrors.InvalidArgument("invalid peer public key", err)
	}
	secret, err := ourPrivate.ECDH(theirPublic)
	if err != nil {
		return nil, apperrors.Wrap(err, "compute ECDH shared secret")
	}
	return secret, nil
}

// DeriveMessageKey derives a message's symmetric key as
// HKDF-SHA256(shared, salt=nil, info=conversation_id||sequence_le_bytes),
// so every sequence number in a conversation yields a distinct key from
// the same shared secret.
func DeriveMessageKey(shared []byte, conversationID string, sequence int64) ([]byte, error) {
	info := make([]byte, 0, len(conversationID)+8)
	info = append(info, []byte(conversationID)...)
	seqBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBytes, uint64(sequence))
	info = append(info, seqBytes...)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, apperrors.Wrap(err, "derive message key")
	}
	return key, nil
}

// HashSharedSecret returns the digest persisted in a KeyExchange audit
// record; the shared secret itself never persists in the core.
func HashSharedSecret(shared []byte) []byte {
	sum := sha256.Sum256(shared)
	return sum[:]
}
