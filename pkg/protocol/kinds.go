// Package protocol implements the event codec for the paid Q&A protocol:
// event kinds, payload shapes, signing, NIP-44 payload encryption, and the
// payment preimage check. The package is pure; it performs no I/O.
package protocol

// Event kinds of the paid Q&A protocol. These are wire constants shared
// with other participants on the relay network and must not change.
const (
	// KindAsk is a public request for bids, tagged with topics (`t`) and
	// optionally addressed to a specific expert (`p`).
	KindAsk = 20174

	// KindBid is the outer bid envelope, signed by a one-off keypair and
	// carrying the encrypted bid payload. Tagged `e` with the ask id.
	KindBid = 20175

	// KindBidPayload is the inner offer, signed by the expert's long-term
	// key. Carries the offer text, an `invoice` tag and `relay` tags
	// nominating the question-phase relays.
	KindBidPayload = 20176

	// KindQuestion carries an encrypted question payload. Tagged `e` with
	// the conversation's current context id.
	KindQuestion = 20177

	// KindAnswer carries an encrypted answer payload. Tagged `e` with the
	// question event id.
	KindAnswer = 20178
)

// Tag names used by the protocol.
const (
	TagEvent    = "e"
	TagPubkey   = "p"
	TagTopic    = "t"
	TagInvoice  = "invoice"
	TagRelay    = "relay"
	TagPreimage = "preimage"
)
