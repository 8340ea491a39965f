package relaypool

import "errors"

var (
	// ErrNoRelays indicates that no relay in the requested set could be
	// subscribed.
	ErrNoRelays = errors.New("relaypool: no reachable relay")
)
