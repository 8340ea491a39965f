package expert

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nainya/expertagent/pkg/nwc"
	"github.com/nainya/expertagent/pkg/protocol"
)

// arm opens the question subscription for c, inserts it into the registry
// and starts the watcher that owns its subscription and timer.
func (a *Agent) arm(c *conversation) {
	sub, err := a.cfg.Relays.Subscribe(a.ctx, a.cfg.QuestionRelays, nostr.Filters{{
		Kinds: []int{protocol.KindQuestion},
		Tags:  nostr.TagMap{protocol.TagEvent: []string{c.contextID}},
	}})
	if err != nil {
		a.log.Error().Str("context_id", c.contextID).Err(err).Msg("question subscription failed, conversation not armed")
		return
	}
	c.sub = sub

	if !a.registry.insert(c) {
		// Agent stopped, or a context id collision; either way this
		// conversation never goes live.
		sub.Close()
		a.log.Warn().Str("context_id", c.contextID).Msg("conversation not armed")
		return
	}
	a.metrics.ConversationStarted()

	go a.watch(c)
}

// watch is the per-conversation task: it owns the subscription and the
// expiry timer and exits when the turn resolves.
func (a *Agent) watch(c *conversation) {
	timer := time.NewTimer(a.cfg.BidTimeout)
	defer timer.Stop()

	log := a.log.With().Str("context_id", c.contextID).Logger()

	for {
		select {
		case <-a.ctx.Done():
			// Stop drains the registry and closes the subscriptions.
			return

		case <-timer.C:
			if taken, ok := a.registry.take(c.contextID); ok {
				taken.sub.Close()
				a.metrics.ConversationEnded()
				a.metrics.RecordTurn("expired")
				log.Info().Msg("conversation expired without question")
			}
			return

		case ev, ok := <-c.sub.Events():
			if !ok {
				return
			}
			if ev.Kind != protocol.KindQuestion ||
				protocol.FirstTagValue(ev.Tags, protocol.TagEvent) != c.contextID {
				// Wrong kind or stale context tag: drop the event, keep
				// the conversation armed.
				log.Debug().Str("event", ev.ID).Err(ErrInvalidEvent).Msg("discarding mistargeted event")
				continue
			}

			taken, ok := a.registry.take(c.contextID)
			if !ok {
				return
			}
			// The registry entry is gone and the subscription closed
			// before the handler runs, so a second question for this
			// turn finds nothing to consume.
			taken.sub.Close()
			a.metrics.ConversationEnded()
			a.answer(taken, ev)
			return
		}
	}
}

// answer runs the question pipeline for one taken conversation: decrypt,
// verify payment, consult the handler, publish the answer, and arm the
// follow-up turn when one is offered. Every failure abandons the turn;
// the conversation is already out of the registry.
func (a *Agent) answer(c *conversation, ev *nostr.Event) {
	log := a.log.With().
		Str("ask_id", c.askValue.ID).
		Str("context_id", c.contextID).
		Str("question_id", ev.ID).
		Logger()

	key, err := protocol.ConversationKey(a.cfg.PrivateKey, c.sessionPub)
	if err != nil {
		log.Error().Err(err).Msg("conversation key derivation failed")
		a.metrics.RecordTurn("crypto_failed")
		return
	}
	plaintext, err := protocol.Decrypt(ev.Content, key)
	if err != nil {
		log.Warn().Err(err).Msg("question decryption failed, abandoning conversation")
		a.metrics.RecordTurn("crypto_failed")
		return
	}
	payload, err := protocol.DecodeQuestionPayload(plaintext)
	if err != nil {
		log.Warn().Err(err).Msg("malformed question payload, abandoning conversation")
		a.metrics.RecordTurn("invalid_payload")
		return
	}

	preimage := payload.Preimage()
	if preimage == "" {
		log.Warn().Err(ErrInvalidEvent).Msg("question has no preimage tag, abandoning conversation")
		a.metrics.RecordTurn("missing_preimage")
		return
	}
	if err := protocol.VerifyPreimage(preimage, c.paymentHash); err != nil {
		log.Warn().Err(err).Msg("preimage does not match payment hash, abandoning conversation")
		a.metrics.RecordTurn("preimage_mismatch")
		return
	}

	// The preimage proves knowledge, not settlement at this wallet; the
	// lookup is the authoritative check. Both stay, in this order.
	lookup, err := a.lookupInvoice(a.ctx, c.paymentHash)
	if err != nil {
		log.Error().Err(err).Msg("invoice lookup failed, abandoning conversation")
		a.metrics.RecordTurn("wallet_failed")
		return
	}
	if lookup.SettledAt <= 0 {
		log.Warn().Err(ErrPaymentUnsettled).Msg("invoice not settled, abandoning conversation")
		a.metrics.RecordTurn("unpaid")
		return
	}

	question := &Question{ID: ev.ID, Content: payload.Content, Tags: payload.Tags}

	start := time.Now()
	answer, err := a.cfg.OnQuestion(context.WithoutCancel(a.ctx), c.askValue, c.bid, question, c.history)
	a.metrics.RecordHandler("on_question", time.Since(start))
	if err != nil || answer == nil {
		log.Warn().Err(err).Msg("question handler failed, abandoning turn")
		a.metrics.RecordTurn("handler_error")
		return
	}

	var followup *nwc.Invoice
	if answer.FollowupSats > 0 {
		followup, err = a.makeInvoice(a.ctx, int64(answer.FollowupSats)*1000,
			fmt.Sprintf("Followup for ask %s", c.askValue.ID))
		if err != nil {
			log.Error().Err(err).Msg("followup invoice mint failed, abandoning turn")
			a.metrics.RecordTurn("wallet_failed")
			return
		}
	}

	answerTags := make(nostr.Tags, 0, len(answer.Tags)+1)
	answerTags = append(answerTags, answer.Tags...)
	if followup != nil {
		answerTags = append(answerTags, nostr.Tag{protocol.TagInvoice, followup.Invoice})
	}
	body, err := protocol.EncodeAnswerPayload(&protocol.AnswerPayload{
		Content: answer.Content,
		Tags:    answerTags,
	})
	if err != nil {
		log.Error().Err(err).Msg("answer payload encoding failed")
		a.metrics.RecordTurn("encode_failed")
		return
	}
	ciphertext, err := protocol.Encrypt(body, key)
	if err != nil {
		log.Error().Err(err).Msg("answer encryption failed")
		a.metrics.RecordTurn("crypto_failed")
		return
	}

	ephemeral, err := protocol.GenerateKeypair()
	if err != nil {
		log.Error().Err(err).Msg("ephemeral keypair generation failed")
		a.metrics.RecordTurn("keygen_failed")
		return
	}
	answerEv, err := protocol.BuildSigned(protocol.KindAnswer, nostr.Now(),
		nostr.Tags{{protocol.TagEvent, ev.ID}}, ciphertext, ephemeral.SecretKey)
	if err != nil {
		log.Error().Err(err).Msg("answer signing failed")
		a.metrics.RecordTurn("sign_failed")
		return
	}

	res := a.cfg.Relays.Publish(a.ctx, a.cfg.QuestionRelays, answerEv)
	a.metrics.RecordPublish(res.OK, res.Failed)
	if !res.Accepted() {
		log.Error().Int("rejected", res.Failed).Err(ErrPublishFailed).Msg("answer not accepted by any relay")
		a.metrics.RecordTurn("publish_failed")
		return
	}
	a.metrics.RecordTurn("answered")
	log.Info().
		Str("answer_id", answerEv.ID).
		Int("accepted", res.OK).
		Int("rejected", res.Failed).
		Bool("followup", followup != nil).
		Msg("answer published")

	if followup == nil {
		return
	}

	// Follow-up: a successor conversation value, keyed by the answer id
	// so the next question binds to this specific answer. The session
	// pubkey carries over; the payment hash rotates to the new invoice.
	history := make([]Exchange, len(c.history), len(c.history)+1)
	copy(history, c.history)
	history = append(history, Exchange{Question: *question, Answer: *answer})

	a.arm(&conversation{
		ask:         c.ask,
		askValue:    c.askValue,
		bidPayload:  c.bidPayload,
		bid:         c.bid,
		sessionPub:  c.sessionPub,
		paymentHash: followup.PaymentHash,
		contextID:   answerEv.ID,
		createdAt:   time.Now(),
		history:     history,
	})
}
