package protocol

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Keypair is a secp256k1 keypair in the hex encoding used on the wire.
type Keypair struct {
	SecretKey string
	PublicKey string
}

// GenerateKeypair mints a fresh keypair. Used for the one-off identities
// that sign outer bid and answer events.
func GenerateKeypair() (Keypair, error) {
	sk := nostr.GeneratePrivateKey()
	return KeypairFromSecret(sk)
}

// KeypairFromSecret derives the public key for a hex secret key.
func KeypairFromSecret(sk string) (Keypair, error) {
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Keypair{}, fmt.Errorf("derive public key: %w", err)
	}
	return Keypair{SecretKey: sk, PublicKey: pub}, nil
}

// BuildSigned assembles an event and signs it with sk. The event id and
// pubkey are computed from the content and key; callers never set them.
func BuildSigned(kind int, createdAt nostr.Timestamp, tags nostr.Tags, content string, sk string) (*nostr.Event, error) {
	ev := &nostr.Event{
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(sk); err != nil {
		return nil, fmt.Errorf("sign kind %d event: %w", kind, err)
	}
	return ev, nil
}

// VerifyEvent checks that the event id matches the canonical serialization
// and that the Schnorr signature is valid for the event's pubkey.
func VerifyEvent(ev *nostr.Event) error {
	if ev.GetID() != ev.ID {
		return ErrInvalidID
	}
	ok, err := ev.CheckSignature()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// FirstTagValue returns the value of the first tag named exactly name, or
// "" when no such tag exists.
func FirstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns the values of every tag named name, in order.
func TagValues(tags nostr.Tags, name string) []string {
	var values []string
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name {
			values = append(values, tag[1])
		}
	}
	return values
}
