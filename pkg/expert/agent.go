package expert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/nainya/expertagent/internal/metrics"
	"github.com/nainya/expertagent/pkg/nwc"
	"github.com/nainya/expertagent/pkg/protocol"
	"github.com/nainya/expertagent/pkg/relaypool"
)

// RelayPool is the pub/sub surface the agent needs; *relaypool.Pool
// satisfies it.
type RelayPool interface {
	Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (relaypool.Subscription, error)
	Publish(ctx context.Context, relays []string, ev *nostr.Event) relaypool.Result
	CloseAll(relays []string)
}

// Wallet is the payment surface the agent needs; *nwc.Client satisfies it.
type Wallet interface {
	MakeInvoice(ctx context.Context, amountMsat int64, description string) (*nwc.Invoice, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*nwc.LookupResult, error)
}

// DefaultBidTimeout is how long an armed turn waits for a question.
const DefaultBidTimeout = 600 * time.Second

// askBackfill bounds how far back the ask subscriptions reach.
const askBackfill = 10 * time.Second

// Config configures an Agent. Relays, Wallet, PrivateKey, the relay sets
// and both handlers are required; Hashtags may be empty, which disables
// the topic subscription and leaves only directly addressed asks.
type Config struct {
	// PrivateKey is the expert's long-term secret key (hex).
	PrivateKey string

	// AskRelays are listened on for asks and receive bids.
	AskRelays []string

	// QuestionRelays are advertised in bid payloads and carry questions
	// and answers.
	QuestionRelays []string

	// Hashtags is the topic filter for the ask subscription.
	Hashtags []string

	OnAsk      AskHandler
	OnQuestion QuestionHandler

	// BidTimeout is how long an armed turn waits for a valid question
	// before expiring. Defaults to DefaultBidTimeout.
	BidTimeout time.Duration

	Relays RelayPool
	Wallet Wallet

	// Logger defaults to a no-op logger.
	Logger zerolog.Logger

	// Metrics may be nil to disable instrumentation.
	Metrics *metrics.Metrics
}

// Agent is the expert-side protocol state machine.
type Agent struct {
	cfg     Config
	keys    protocol.Keypair
	log     zerolog.Logger
	metrics *metrics.Metrics

	registry *registry

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
	askSub  relaypool.Subscription
}

// NewAgent validates cfg and builds an agent. This is the only place
// configuration errors surface; Start and the event paths never return
// them.
func NewAgent(cfg Config) (*Agent, error) {
	keys, err := protocol.KeypairFromSecret(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrConfig, err)
	}
	if len(cfg.AskRelays) == 0 {
		return nil, fmt.Errorf("%w: no ask relays", ErrConfig)
	}
	if len(cfg.QuestionRelays) == 0 {
		return nil, fmt.Errorf("%w: no question relays", ErrConfig)
	}
	if cfg.OnAsk == nil || cfg.OnQuestion == nil {
		return nil, fmt.Errorf("%w: both handlers are required", ErrConfig)
	}
	if cfg.Relays == nil {
		return nil, fmt.Errorf("%w: relay pool is required", ErrConfig)
	}
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("%w: wallet is required", ErrConfig)
	}
	if cfg.BidTimeout <= 0 {
		cfg.BidTimeout = DefaultBidTimeout
	}

	return &Agent{
		cfg:      cfg,
		keys:     keys,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		registry: newRegistry(),
	}, nil
}

// PublicKey returns the expert's long-term public key.
func (a *Agent) PublicKey() string {
	return a.keys.PublicKey
}

// LiveConversations returns the context ids of every armed conversation.
func (a *Agent) LiveConversations() []string {
	return a.registry.ids()
}

// Start opens the ask subscriptions and begins processing. The agent runs
// until Stop or until ctx is cancelled.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)

	since := nostr.Timestamp(time.Now().Add(-askBackfill).Unix())

	// Direct-address subscription: asks p-tagged to this expert are
	// received even when their topics are not configured.
	filters := nostr.Filters{{
		Kinds: []int{protocol.KindAsk},
		Tags:  nostr.TagMap{protocol.TagPubkey: []string{a.keys.PublicKey}},
		Since: &since,
	}}
	if len(a.cfg.Hashtags) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds: []int{protocol.KindAsk},
			Tags:  nostr.TagMap{protocol.TagTopic: a.cfg.Hashtags},
			Since: &since,
		})
	}

	// Both filters ride one pool subscription so an ask matching both
	// predicates is still delivered once.
	sub, err := a.cfg.Relays.Subscribe(a.ctx, a.cfg.AskRelays, filters)
	if err != nil {
		a.cancel()
		return fmt.Errorf("subscribe asks: %w", err)
	}
	a.askSub = sub

	go a.listenAsks(sub)

	a.log.Info().
		Str("pubkey", a.keys.PublicKey).
		Strs("hashtags", a.cfg.Hashtags).
		Int("ask_relays", len(a.cfg.AskRelays)).
		Int("question_relays", len(a.cfg.QuestionRelays)).
		Msg("agent started")
	return nil
}

// listenAsks routes inbound ask events into the bid pipeline. Downstream
// failures are logged, never propagated.
func (a *Agent) listenAsks(sub relaypool.Subscription) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Kind != protocol.KindAsk {
				a.log.Debug().Str("event", ev.ID).Int("kind", ev.Kind).Msg("ignoring non-ask event")
				a.metrics.RecordAskDiscarded("wrong_kind")
				continue
			}
			if err := protocol.VerifyEvent(ev); err != nil {
				a.log.Warn().Str("event", ev.ID).Err(err).Msg("dropping ask with invalid signature")
				a.metrics.RecordAskDiscarded("bad_signature")
				continue
			}
			a.metrics.RecordAsk()
			// One goroutine per ask: a slow decision handler delays only
			// its own ask.
			go a.handleAsk(ev)
		}
	}
}

// Stop tears the agent down: ask subscription, every armed conversation,
// and the relay connections. Idempotent. In-flight handler invocations
// are left to finish; their results are discarded because the owning
// conversation is gone.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	a.mu.Unlock()

	a.cancel()
	if a.askSub != nil {
		a.askSub.Close()
	}
	for _, c := range a.registry.drain() {
		if c.sub != nil {
			c.sub.Close()
		}
		a.metrics.ConversationEnded()
	}
	a.cfg.Relays.CloseAll(a.cfg.AskRelays)
	a.cfg.Relays.CloseAll(a.cfg.QuestionRelays)

	a.log.Info().Msg("agent stopped")
}

// makeInvoice wraps the wallet call with metrics.
func (a *Agent) makeInvoice(ctx context.Context, amountMsat int64, description string) (*nwc.Invoice, error) {
	start := time.Now()
	inv, err := a.cfg.Wallet.MakeInvoice(ctx, amountMsat, description)
	a.metrics.RecordWalletRequest("make_invoice", walletStatus(err), time.Since(start))
	return inv, err
}

// lookupInvoice wraps the wallet call with metrics.
func (a *Agent) lookupInvoice(ctx context.Context, paymentHash string) (*nwc.LookupResult, error) {
	start := time.Now()
	res, err := a.cfg.Wallet.LookupInvoice(ctx, paymentHash)
	a.metrics.RecordWalletRequest("lookup_invoice", walletStatus(err), time.Since(start))
	return res, err
}

func walletStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
