package nwc

import "errors"

var (
	// ErrBadURL indicates a malformed wallet connection URI.
	ErrBadURL = errors.New("nwc: invalid connection url")

	// ErrWallet indicates a transport or remote failure talking to the
	// wallet service.
	ErrWallet = errors.New("nwc: wallet request failed")
)
