package expert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/nainya/expertagent/pkg/nwc"
	"github.com/nainya/expertagent/pkg/protocol"
	"github.com/nainya/expertagent/pkg/relaypool"
)

// fakeSub is a hand-fed subscription.
type fakeSub struct {
	mu     sync.Mutex
	closed bool
	ch     chan *nostr.Event
	eose   chan struct{}
}

func newFakeSub() *fakeSub {
	eose := make(chan struct{})
	close(eose)
	return &fakeSub{ch: make(chan *nostr.Event, 16), eose: eose}
}

func (s *fakeSub) Events() <-chan *nostr.Event  { return s.ch }
func (s *fakeSub) EndOfStored() <-chan struct{} { return s.eose }

func (s *fakeSub) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) deliver(ev *nostr.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- ev
	}
}

// fakePool records publishes and hands out fakeSubs keyed by what was
// subscribed.
type fakePool struct {
	mu           sync.Mutex
	askSub       *fakeSub
	questionSubs map[string]*fakeSub
	published    []*nostr.Event
	rejectAll    bool
	closedSets   [][]string
}

func newFakePool() *fakePool {
	return &fakePool{questionSubs: make(map[string]*fakeSub)}
}

func (p *fakePool) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (relaypool.Subscription, error) {
	sub := newFakeSub()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range filters {
		for _, kind := range f.Kinds {
			switch kind {
			case protocol.KindAsk:
				p.askSub = sub
			case protocol.KindQuestion:
				for _, id := range f.Tags[protocol.TagEvent] {
					p.questionSubs[id] = sub
				}
			}
		}
	}
	return sub, nil
}

func (p *fakePool) Publish(ctx context.Context, relays []string, ev *nostr.Event) relaypool.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectAll {
		errs := make(map[string]error, len(relays))
		for _, r := range relays {
			errs[r] = errors.New("rejected")
		}
		return relaypool.Result{Failed: len(relays), Errors: errs}
	}
	p.published = append(p.published, ev)
	return relaypool.Result{OK: len(relays)}
}

func (p *fakePool) CloseAll(relays []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closedSets = append(p.closedSets, relays)
}

func (p *fakePool) publishedOfKind(kind int) []*nostr.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*nostr.Event
	for _, ev := range p.published {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (p *fakePool) questionSub(id string) *fakeSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.questionSubs[id]
}

func (p *fakePool) setRejectAll(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectAll = reject
}

// fakeWallet scripts invoice minting and settlement lookups.
type fakeWallet struct {
	mu        sync.Mutex
	invoices  []nwc.Invoice // popped in order by MakeInvoice
	settled   map[string]int64
	makeErr   error
	lookupErr error
	makeCalls int
}

func (w *fakeWallet) MakeInvoice(ctx context.Context, amountMsat int64, description string) (*nwc.Invoice, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.makeCalls++
	if w.makeErr != nil {
		return nil, w.makeErr
	}
	if len(w.invoices) == 0 {
		return nil, errors.New("fake wallet: no scripted invoice")
	}
	inv := w.invoices[0]
	w.invoices = w.invoices[1:]
	return &inv, nil
}

func (w *fakeWallet) LookupInvoice(ctx context.Context, paymentHash string) (*nwc.LookupResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lookupErr != nil {
		return nil, w.lookupErr
	}
	return &nwc.LookupResult{PaymentHash: paymentHash, SettledAt: w.settled[paymentHash]}, nil
}

// preimagePair derives a (preimage, payment hash) hex pair from a seed.
func preimagePair(seed string) (string, string) {
	pre := []byte(seed)
	h := sha256.Sum256(pre)
	return hex.EncodeToString(pre), hex.EncodeToString(h[:])
}

// harness wires an agent to fakes plus an in-process asker identity.
type harness struct {
	t      *testing.T
	agent  *Agent
	pool   *fakePool
	wallet *fakeWallet
	asker  protocol.Keypair
	expert protocol.Keypair
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	expert, err := protocol.GenerateKeypair()
	if err != nil {
		t.Fatalf("Failed to generate expert keypair: %v", err)
	}
	asker, err := protocol.GenerateKeypair()
	if err != nil {
		t.Fatalf("Failed to generate asker keypair: %v", err)
	}

	pool := newFakePool()
	wallet := &fakeWallet{settled: make(map[string]int64)}

	cfg := Config{
		PrivateKey:     expert.SecretKey,
		AskRelays:      []string{"wss://ask.example"},
		QuestionRelays: []string{"wss://question.example"},
		Hashtags:       []string{"test"},
		OnAsk: func(ctx context.Context, ask *Ask) (*Bid, error) {
			return &Bid{Content: "hi", BidSats: 10}, nil
		},
		OnQuestion: func(ctx context.Context, ask *Ask, bid *Bid, q *Question, history []Exchange) (*Answer, error) {
			return &Answer{Content: "the answer"}, nil
		},
		Relays: pool,
		Wallet: wallet,
		Logger: zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	agent, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("Failed to create agent: %v", err)
	}
	if err := agent.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start agent: %v", err)
	}
	t.Cleanup(agent.Stop)

	return &harness{t: t, agent: agent, pool: pool, wallet: wallet, asker: asker, expert: expert}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

// sendAsk injects a signed ask event from the asker.
func (h *harness) sendAsk(tags nostr.Tags) *nostr.Event {
	h.t.Helper()
	ev, err := protocol.BuildSigned(protocol.KindAsk, nostr.Now(), tags, "need an expert", h.asker.SecretKey)
	if err != nil {
		h.t.Fatalf("Failed to build ask: %v", err)
	}
	h.pool.askSub.deliver(ev)
	return ev
}

// awaitBid waits for the n-th published bid and returns its decrypted
// inner payload.
func (h *harness) awaitBid(n int) (outer *nostr.Event, payload *nostr.Event) {
	h.t.Helper()
	waitFor(h.t, "bid publication", func() bool {
		return len(h.pool.publishedOfKind(protocol.KindBid)) >= n
	})
	outer = h.pool.publishedOfKind(protocol.KindBid)[n-1]

	key, err := protocol.ConversationKey(h.asker.SecretKey, outer.PubKey)
	if err != nil {
		h.t.Fatalf("Failed to derive bid key: %v", err)
	}
	plaintext, err := protocol.Decrypt(outer.Content, key)
	if err != nil {
		h.t.Fatalf("Failed to decrypt bid: %v", err)
	}
	payload, err = protocol.DecodeSignedEvent(plaintext)
	if err != nil {
		h.t.Fatalf("Failed to decode bid payload: %v", err)
	}
	return outer, payload
}

// sendQuestion encrypts and injects a question tagging contextID.
func (h *harness) sendQuestion(contextID, preimageHex, content string) *nostr.Event {
	h.t.Helper()
	body, err := json.Marshal(protocol.QuestionPayload{
		Content: content,
		Tags:    nostr.Tags{{protocol.TagPreimage, preimageHex}},
	})
	if err != nil {
		h.t.Fatalf("Failed to encode question payload: %v", err)
	}
	key, err := protocol.ConversationKey(h.asker.SecretKey, h.expert.PublicKey)
	if err != nil {
		h.t.Fatalf("Failed to derive question key: %v", err)
	}
	ciphertext, err := protocol.Encrypt(string(body), key)
	if err != nil {
		h.t.Fatalf("Failed to encrypt question: %v", err)
	}
	ev, err := protocol.BuildSigned(protocol.KindQuestion, nostr.Now(),
		nostr.Tags{{protocol.TagEvent, contextID}}, ciphertext, h.asker.SecretKey)
	if err != nil {
		h.t.Fatalf("Failed to build question: %v", err)
	}

	var sub *fakeSub
	waitFor(h.t, "question subscription", func() bool {
		sub = h.pool.questionSub(contextID)
		return sub != nil
	})
	sub.deliver(ev)
	return ev
}

// awaitAnswer waits for the n-th published answer and returns it with its
// decrypted payload.
func (h *harness) awaitAnswer(n int) (*nostr.Event, *protocol.AnswerPayload) {
	h.t.Helper()
	waitFor(h.t, "answer publication", func() bool {
		return len(h.pool.publishedOfKind(protocol.KindAnswer)) >= n
	})
	ev := h.pool.publishedOfKind(protocol.KindAnswer)[n-1]

	key, err := protocol.ConversationKey(h.asker.SecretKey, h.expert.PublicKey)
	if err != nil {
		h.t.Fatalf("Failed to derive answer key: %v", err)
	}
	plaintext, err := protocol.Decrypt(ev.Content, key)
	if err != nil {
		h.t.Fatalf("Failed to decrypt answer: %v", err)
	}
	var payload protocol.AnswerPayload
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		h.t.Fatalf("Failed to decode answer payload: %v", err)
	}
	return ev, &payload
}

// armedConversation drives ask → bid and returns the armed context id.
func (h *harness) armedConversation() string {
	h.t.Helper()
	h.sendAsk(nostr.Tags{{protocol.TagTopic, "test"}})
	_, payload := h.awaitBid(1)
	waitFor(h.t, "conversation armed", func() bool {
		return len(h.agent.LiveConversations()) == 1
	})
	return payload.ID
}
