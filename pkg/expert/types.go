// Package expert implements the expert side of the paid Q&A protocol: it
// listens for asks, publishes bids with invoices, verifies payment on
// incoming questions and publishes encrypted answers, optionally chaining
// paid follow-up turns.
package expert

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Ask is the handler-visible projection of an inbound ask event.
type Ask struct {
	ID        string
	Pubkey    string
	Content   string
	CreatedAt int64
	Tags      nostr.Tags
}

// Bid is the expert's offer on an ask, returned by the AskHandler. Tags
// are appended to the bid payload as custom tags.
type Bid struct {
	Content string
	BidSats uint64
	Tags    nostr.Tags
}

// Question is the handler-visible projection of a decrypted, payment
// verified question.
type Question struct {
	ID      string
	Content string
	Tags    nostr.Tags
}

// Answer is the expert's reply, returned by the QuestionHandler. A
// positive FollowupSats offers one more paid turn in the conversation.
type Answer struct {
	Content      string
	Tags         nostr.Tags
	FollowupSats uint64
}

// Exchange is one completed (question, answer) turn. The accumulated
// exchanges of a conversation are replayed into the QuestionHandler on
// every turn after the first.
type Exchange struct {
	Question Question
	Answer   Answer
}

// AskHandler decides whether to bid on an ask. Returning (nil, nil) means
// no bid. The handler may block arbitrarily long.
type AskHandler func(ctx context.Context, ask *Ask) (*Bid, error)

// QuestionHandler produces the answer for a paid question. history holds
// the earlier turns of this conversation, oldest first, and is empty on
// the first turn.
type QuestionHandler func(ctx context.Context, ask *Ask, bid *Bid, question *Question, history []Exchange) (*Answer, error)
