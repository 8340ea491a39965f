package nwc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/rs/zerolog"

	"github.com/nainya/expertagent/pkg/protocol"
	"github.com/nainya/expertagent/pkg/relaypool"
)

// Wallet Connect event kinds.
const (
	KindRequest  = 23194
	KindResponse = 23195
)

// DefaultTimeout bounds a single wallet round trip.
const DefaultTimeout = 30 * time.Second

// Transport is the pub/sub surface the client needs; *relaypool.Pool
// satisfies it.
type Transport interface {
	Subscribe(ctx context.Context, relays []string, filters nostr.Filters) (relaypool.Subscription, error)
	Publish(ctx context.Context, relays []string, ev *nostr.Event) relaypool.Result
}

// Invoice is a freshly minted invoice.
type Invoice struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
}

// LookupResult is the settlement state of an invoice. SettledAt is unix
// seconds and positive iff the invoice is paid.
type LookupResult struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	Preimage    string `json:"preimage"`
	SettledAt   int64  `json:"settled_at"`
}

// Client talks the NWC request/response protocol over a relay set.
type Client struct {
	info      *WalletInfo
	clientPub string
	sharedKey []byte
	transport Transport
	timeout   time.Duration
	log       zerolog.Logger
}

// NewClient parses the connection URI and prepares the session keys.
func NewClient(rawURL string, transport Transport, log zerolog.Logger) (*Client, error) {
	info, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	clientPub, err := nostr.GetPublicKey(info.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: bad secret: %v", ErrBadURL, err)
	}
	sharedKey, err := nip04.ComputeSharedSecret(info.PubKey, info.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: shared secret: %v", ErrBadURL, err)
	}
	return &Client{
		info:      info,
		clientPub: clientPub,
		sharedKey: sharedKey,
		transport: transport,
		timeout:   DefaultTimeout,
		log:       log,
	}, nil
}

// SetTimeout overrides the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Relays returns the wallet service relay set.
func (c *Client) Relays() []string { return c.info.Relays }

// MakeInvoice mints an invoice for amountMsat millisatoshis.
func (c *Client) MakeInvoice(ctx context.Context, amountMsat int64, description string) (*Invoice, error) {
	var inv Invoice
	err := c.call(ctx, "make_invoice", map[string]any{
		"amount":      amountMsat,
		"description": description,
	}, &inv)
	if err != nil {
		return nil, err
	}
	if inv.Invoice == "" || inv.PaymentHash == "" {
		return nil, fmt.Errorf("%w: make_invoice returned incomplete result", ErrWallet)
	}
	return &inv, nil
}

// LookupInvoice fetches the settlement state of an invoice by payment
// hash. A result with SettledAt <= 0 means not yet paid.
func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*LookupResult, error) {
	var res LookupResult
	err := c.call(ctx, "lookup_invoice", map[string]any{
		"payment_hash": paymentHash,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type rpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *rpcError       `json:"error"`
	Result     json.RawMessage `json:"result"`
}

// call performs one encrypted request/response round trip with the wallet
// service and unmarshals the result into out.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()

	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrWallet, err)
	}
	content, err := nip04.Encrypt(string(body), c.sharedKey)
	if err != nil {
		return fmt.Errorf("%w: encrypt request: %v", ErrWallet, err)
	}

	req, err := protocol.BuildSigned(KindRequest, nostr.Now(),
		nostr.Tags{{"p", c.info.PubKey}}, content, c.info.Secret)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWallet, err)
	}

	// Subscribe for the response before publishing so it cannot be missed.
	sub, err := c.transport.Subscribe(ctx, c.info.Relays, nostr.Filters{{
		Kinds: []int{KindResponse},
		Tags:  nostr.TagMap{"e": []string{req.ID}},
	}})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWallet, err)
	}
	defer sub.Close()

	if res := c.transport.Publish(ctx, c.info.Relays, req); !res.Accepted() {
		return fmt.Errorf("%w: no relay accepted %s request", ErrWallet, method)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrWallet, method, ctx.Err())
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("%w: %s: subscription closed", ErrWallet, method)
			}
			if ev.Kind != KindResponse || ev.PubKey != c.info.PubKey {
				continue
			}
			plaintext, err := nip04.Decrypt(ev.Content, c.sharedKey)
			if err != nil {
				c.log.Warn().Str("method", method).Err(err).Msg("undecryptable wallet response")
				continue
			}
			var resp rpcResponse
			if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
				return fmt.Errorf("%w: decode %s response: %v", ErrWallet, method, err)
			}
			if resp.Error != nil && resp.Error.Code != "" {
				return fmt.Errorf("%w: %s: %s (%s)", ErrWallet, method, resp.Error.Message, resp.Error.Code)
			}
			if out != nil {
				if err := json.Unmarshal(resp.Result, out); err != nil {
					return fmt.Errorf("%w: decode %s result: %v", ErrWallet, method, err)
				}
			}
			c.log.Debug().Str("method", method).Dur("duration_ms", time.Since(start)).Msg("wallet request completed")
			return nil
		}
	}
}
