package expert

import "errors"

var (
	// ErrConfig indicates an invalid agent configuration.
	ErrConfig = errors.New("expert: invalid configuration")

	// ErrAlreadyStarted indicates a second Start on a running agent.
	ErrAlreadyStarted = errors.New("expert: agent already started")

	// ErrInvalidEvent indicates an inbound event that violates the
	// protocol (wrong kind, wrong context tag, missing preimage tag).
	ErrInvalidEvent = errors.New("expert: invalid event")

	// ErrPaymentUnsettled indicates a question whose invoice the wallet
	// does not report as paid.
	ErrPaymentUnsettled = errors.New("expert: invoice not settled")

	// ErrPublishFailed indicates that no relay accepted an event.
	ErrPublishFailed = errors.New("expert: no relay accepted event")
)
