// Package relaypool multiplexes one logical pub/sub over a set of relay
// URLs. Connections are dialed lazily and shared; subscriptions merge the
// per-relay streams into a single deduplicated channel; publishes report
// per-relay outcomes so callers can apply at-least-one semantics.
package relaypool

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// Subscription is a live merged subscription across a relay set.
type Subscription interface {
	// Events delivers filter-matching events, deduplicated by event id
	// across relays.
	Events() <-chan *nostr.Event
	// EndOfStored is closed once every reachable relay has signalled that
	// its stored events are drained.
	EndOfStored() <-chan struct{}
	// Close releases the subscription. Idempotent.
	Close()
}

// Result is the per-relay outcome of a publish.
type Result struct {
	OK     int
	Failed int
	Errors map[string]error
}

// Accepted reports whether at least one relay accepted the event.
func (r Result) Accepted() bool {
	return r.OK > 0
}

// Pool owns one connection per relay URL.
type Pool struct {
	log zerolog.Logger

	mu     sync.Mutex
	relays map[string]*nostr.Relay
}

// New creates an empty pool.
func New(log zerolog.Logger) *Pool {
	return &Pool{
		log:    log,
		relays: make(map[string]*nostr.Relay),
	}
}

// relay returns the cached connection for url, dialing if needed.
func (p *Pool) relay(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	if r, ok := p.relays[url]; ok {
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	// Dial outside the lock; a racing dial for the same URL keeps the
	// first connection stored and closes the loser.
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.relays[url]; ok {
		go r.Close()
		return existing, nil
	}
	p.relays[url] = r
	return r, nil
}

type mergedSub struct {
	events      chan *nostr.Event
	endOfStored chan struct{}
	cancel      context.CancelFunc
	closeOnce   sync.Once
}

func (s *mergedSub) Events() <-chan *nostr.Event { return s.events }
func (s *mergedSub) EndOfStored() <-chan struct{} { return s.endOfStored }

func (s *mergedSub) Close() {
	s.closeOnce.Do(s.cancel)
}

// Subscribe opens the filters on every reachable relay in relays and merges
// the streams. It fails only when no relay could be subscribed. The merged
// channel closes after Close or when ctx is cancelled.
func (p *Pool) Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	var subs []*nostr.Subscription
	for _, url := range relays {
		r, err := p.relay(subCtx, url)
		if err != nil {
			p.log.Warn().Str("relay", url).Err(err).Msg("relay unreachable, skipping")
			continue
		}
		sub, err := r.Subscribe(subCtx, filters)
		if err != nil {
			p.log.Warn().Str("relay", url).Err(err).Msg("subscribe failed, skipping")
			continue
		}
		subs = append(subs, sub)
	}
	if len(subs) == 0 {
		cancel()
		return nil, ErrNoRelays
	}

	merged := &mergedSub{
		events:      make(chan *nostr.Event, 64),
		endOfStored: make(chan struct{}),
		cancel:      cancel,
	}

	var (
		wg       sync.WaitGroup
		seenMu   sync.Mutex
		seen     = make(map[string]struct{})
		eoseOnce sync.Once
		eoseLeft = len(subs)
		eoseMu   sync.Mutex
	)

	relayDone := func() {
		eoseMu.Lock()
		eoseLeft--
		drained := eoseLeft == 0
		eoseMu.Unlock()
		if drained {
			eoseOnce.Do(func() { close(merged.endOfStored) })
		}
	}

	for _, sub := range subs {
		wg.Add(1)
		go func(sub *nostr.Subscription) {
			defer wg.Done()
			defer sub.Unsub()
			signalled := false
			drained := func() {
				if !signalled {
					signalled = true
					relayDone()
				}
			}
			defer drained()
			eoseCh := sub.EndOfStoredEvents
			for {
				select {
				case <-subCtx.Done():
					return
				case <-eoseCh:
					drained()
					// The channel stays closed; stop selecting on it.
					eoseCh = nil
				case ev, ok := <-sub.Events:
					if !ok {
						return
					}
					seenMu.Lock()
					_, dup := seen[ev.ID]
					if !dup {
						seen[ev.ID] = struct{}{}
					}
					seenMu.Unlock()
					if dup {
						continue
					}
					select {
					case merged.events <- ev:
					case <-subCtx.Done():
						return
					}
				}
			}
		}(sub)
	}

	go func() {
		wg.Wait()
		close(merged.events)
	}()

	return merged, nil
}

// Publish sends ev to every relay in relays and reports per-relay
// outcomes. Unreachable relays count as failures.
func (p *Pool) Publish(ctx context.Context, relays []string, ev *nostr.Event) Result {
	res := Result{Errors: make(map[string]error)}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, url := range relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			r, err := p.relay(ctx, url)
			if err == nil {
				err = r.Publish(ctx, *ev)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				res.Errors[url] = err
				p.log.Debug().Str("relay", url).Str("event", ev.ID).Err(err).Msg("publish rejected")
				return
			}
			res.OK++
		}(url)
	}
	wg.Wait()

	return res
}

// CloseAll releases the connections to the listed relays.
func (p *Pool) CloseAll(relays []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, url := range relays {
		if r, ok := p.relays[url]; ok {
			r.Close()
			delete(p.relays, url)
		}
	}
}
