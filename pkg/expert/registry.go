package expert

import (
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nainya/expertagent/pkg/relaypool"
)

// conversation is the per-ask state of one armed turn. Values are built
// once and never mutated; a follow-up turn arms a fresh successor value
// carrying the session forward under the new context id.
type conversation struct {
	ask        *nostr.Event // original ask event, replayed into handlers
	askValue   *Ask
	bidPayload *nostr.Event
	bid        *Bid

	// sessionPub is the asker's pubkey; the counterpart for all payload
	// encryption in this conversation. Constant across follow-ups.
	sessionPub string

	// paymentHash of the invoice offered in the most recent outbound
	// payload (bid, or follow-up answer).
	paymentHash string

	// contextID is the event id the next inbound question must tag:
	// the bid payload id on the first turn, the last answer id after.
	contextID string

	createdAt time.Time
	history   []Exchange
	sub       relaypool.Subscription
}

// registry is the set of armed conversations, keyed by current context
// id. All mutation happens under one mutex; entries are taken out before
// their turn is processed, so each turn is single-shot.
type registry struct {
	mu     sync.Mutex
	closed bool
	convs  map[string]*conversation
}

func newRegistry() *registry {
	return &registry{convs: make(map[string]*conversation)}
}

// insert arms c. It refuses duplicates of a live context id and refuses
// everything after close.
func (r *registry) insert(c *conversation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, exists := r.convs[c.contextID]; exists {
		return false
	}
	r.convs[c.contextID] = c
	return true
}

// take removes and returns the conversation armed under id.
func (r *registry) take(id string) (*conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if ok {
		delete(r.convs, id)
	}
	return c, ok
}

// ids returns the context ids of every armed conversation.
func (r *registry) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.convs))
	for id := range r.convs {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convs)
}

// drain marks the registry closed and returns every armed conversation
// for release. Further inserts are refused.
func (r *registry) drain() []*conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	all := make([]*conversation, 0, len(r.convs))
	for _, c := range r.convs {
		all = append(all, c)
	}
	r.convs = make(map[string]*conversation)
	return all
}
