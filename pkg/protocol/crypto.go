package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip44"
)

// ConversationKey derives the pairwise symmetric key for (mySecret,
// theirPub). The derivation commutes: ConversationKey(a, pub(b)) equals
// ConversationKey(b, pub(a)), so either side can decrypt what the other
// encrypted.
func ConversationKey(mySecret, theirPub string) ([]byte, error) {
	key, err := nip44.GenerateConversationKey(theirPub, mySecret)
	if err != nil {
		return nil, fmt.Errorf("derive conversation key: %w", err)
	}
	return key[:], nil
}

// Encrypt applies NIP-44 v2 authenticated encryption under a conversation
// key and returns the opaque ciphertext string carried as event content.
func Encrypt(plaintext string, conversationKey []byte) (string, error) {
	ciphertext, err := nip44.Encrypt(plaintext, [32]byte(conversationKey))
	if err != nil {
		return "", fmt.Errorf("nip44 encrypt: %w", err)
	}
	return ciphertext, nil
}

// Decrypt reverses Encrypt. Any authentication, padding or version failure
// is reported as ErrDecrypt.
func Decrypt(ciphertext string, conversationKey []byte) (string, error) {
	plaintext, err := nip44.Decrypt(ciphertext, [32]byte(conversationKey))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// VerifyPreimage checks that SHA-256 of the hex preimage equals the hex
// payment hash. Both values are hex on the wire; the hash is computed over
// the decoded bytes.
func VerifyPreimage(preimageHex, paymentHashHex string) error {
	preimage, err := hex.DecodeString(preimageHex)
	if err != nil {
		return fmt.Errorf("%w: preimage not hex", ErrPreimageMismatch)
	}
	want, err := hex.DecodeString(paymentHashHex)
	if err != nil {
		return fmt.Errorf("%w: payment hash not hex", ErrPreimageMismatch)
	}
	sum := sha256.Sum256(preimage)
	if !hmac.Equal(sum[:], want) {
		return ErrPreimageMismatch
	}
	return nil
}
