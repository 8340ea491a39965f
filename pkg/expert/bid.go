package expert

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nainya/expertagent/pkg/protocol"
)

// handleAsk runs the bid pipeline for one ask event: consult the decision
// handler, mint an invoice, publish the encrypted bid and arm the
// conversation. Every failure drops the ask; nothing is retried.
func (a *Agent) handleAsk(ev *nostr.Event) {
	ask := &Ask{
		ID:        ev.ID,
		Pubkey:    ev.PubKey,
		Content:   ev.Content,
		CreatedAt: int64(ev.CreatedAt),
		Tags:      ev.Tags,
	}
	log := a.log.With().Str("ask_id", ask.ID).Logger()

	start := time.Now()
	bid, err := a.cfg.OnAsk(context.WithoutCancel(a.ctx), ask)
	a.metrics.RecordHandler("on_ask", time.Since(start))
	if err != nil {
		// Handler errors are downgraded to no-bid, but stay visible.
		log.Warn().Err(err).Msg("ask handler failed, not bidding")
		a.metrics.RecordAskDiscarded("handler_error")
		return
	}
	if bid == nil {
		a.metrics.RecordAskDiscarded("no_bid")
		return
	}

	ephemeral, err := protocol.GenerateKeypair()
	if err != nil {
		log.Error().Err(err).Msg("ephemeral keypair generation failed")
		a.metrics.RecordAskDiscarded("keygen_failed")
		return
	}

	invoice, err := a.makeInvoice(a.ctx, int64(bid.BidSats)*1000, fmt.Sprintf("Bid for ask %s", ask.ID))
	if err != nil {
		log.Error().Err(err).Msg("bid invoice mint failed")
		a.metrics.RecordAskDiscarded("wallet_failed")
		return
	}

	// Inner payload: signed by the long-term key so the asker can bind
	// the offer to this expert's identity.
	tags := nostr.Tags{{protocol.TagInvoice, invoice.Invoice}}
	for _, relay := range a.cfg.QuestionRelays {
		tags = append(tags, nostr.Tag{protocol.TagRelay, relay})
	}
	tags = append(tags, bid.Tags...)

	payload, err := protocol.BuildSigned(protocol.KindBidPayload, nostr.Now(), tags, bid.Content, a.cfg.PrivateKey)
	if err != nil {
		log.Error().Err(err).Msg("bid payload signing failed")
		a.metrics.RecordAskDiscarded("sign_failed")
		return
	}

	plaintext, err := protocol.EncodeSignedEvent(payload)
	if err != nil {
		log.Error().Err(err).Msg("bid payload encoding failed")
		a.metrics.RecordAskDiscarded("encode_failed")
		return
	}

	// Outer envelope: signed by the one-off key so observers cannot
	// cluster this expert's bids.
	key, err := protocol.ConversationKey(ephemeral.SecretKey, ask.Pubkey)
	if err != nil {
		log.Error().Err(err).Msg("conversation key derivation failed")
		a.metrics.RecordAskDiscarded("crypto_failed")
		return
	}
	ciphertext, err := protocol.Encrypt(plaintext, key)
	if err != nil {
		log.Error().Err(err).Msg("bid encryption failed")
		a.metrics.RecordAskDiscarded("crypto_failed")
		return
	}
	outer, err := protocol.BuildSigned(protocol.KindBid, nostr.Now(),
		nostr.Tags{{protocol.TagEvent, ask.ID}}, ciphertext, ephemeral.SecretKey)
	if err != nil {
		log.Error().Err(err).Msg("bid signing failed")
		a.metrics.RecordAskDiscarded("sign_failed")
		return
	}

	res := a.cfg.Relays.Publish(a.ctx, a.cfg.AskRelays, outer)
	a.metrics.RecordPublish(res.OK, res.Failed)
	if !res.Accepted() {
		log.Error().Int("rejected", res.Failed).Err(ErrPublishFailed).Msg("bid not accepted by any relay")
		a.metrics.RecordAskDiscarded("publish_failed")
		return
	}
	a.metrics.RecordBid()
	log.Info().
		Str("context_id", payload.ID).
		Uint64("bid_sats", bid.BidSats).
		Int("accepted", res.OK).
		Int("rejected", res.Failed).
		Msg("bid published")

	a.arm(&conversation{
		ask:         ev,
		askValue:    ask,
		bidPayload:  payload,
		bid:         bid,
		sessionPub:  ev.PubKey,
		paymentHash: invoice.PaymentHash,
		contextID:   payload.ID,
		createdAt:   time.Now(),
	})
}
