package convo

import "errors"

var (
	// ErrNotFound is returned when a conversation (or one of the identities
	// it references) does not exist.
	ErrNotFound = errors.New("convo: not found")

	// ErrQuotaExceeded is returned by AppendMessage when the access gate
	// blocks the send. It is a state signal rather than a hard failure:
	// callers surface a payment prompt and the sender may retry after
	// upgrading.
	ErrQuotaExceeded = errors.New("convo: free message quota exceeded")
)
