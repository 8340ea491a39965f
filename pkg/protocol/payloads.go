package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// QuestionPayload is the JSON structure inside a question ciphertext. The
// tags must include a `preimage` tag proving payment of the invoice offered
// in the preceding bid or answer.
type QuestionPayload struct {
	Content string     `json:"content"`
	Tags    nostr.Tags `json:"tags"`
}

// AnswerPayload is the JSON structure inside an answer ciphertext. When the
// expert offers a paid follow-up, an `invoice` tag is appended.
type AnswerPayload struct {
	Content string     `json:"content"`
	Tags    nostr.Tags `json:"tags"`
}

// Preimage returns the payload's payment preimage tag value, or "" when
// the tag is missing.
func (q *QuestionPayload) Preimage() string {
	return FirstTagValue(q.Tags, TagPreimage)
}

// DecodeQuestionPayload parses a decrypted question plaintext.
func DecodeQuestionPayload(plaintext string) (*QuestionPayload, error) {
	var payload QuestionPayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, fmt.Errorf("decode question payload: %w", err)
	}
	return &payload, nil
}

// EncodeAnswerPayload serializes an answer payload for encryption.
func EncodeAnswerPayload(payload *AnswerPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode answer payload: %w", err)
	}
	return string(data), nil
}

// EncodeSignedEvent serializes a signed event to the JSON carried inside a
// bid ciphertext.
func EncodeSignedEvent(ev *nostr.Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}
	return string(data), nil
}

// DecodeSignedEvent parses an event from decrypted bid ciphertext JSON.
func DecodeSignedEvent(plaintext string) (*nostr.Event, error) {
	var ev nostr.Event
	if err := json.Unmarshal([]byte(plaintext), &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}
