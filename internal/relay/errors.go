package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrClientClosed is returned by every operation after Close. The pool
	// is gone; callers must build a new client.
	ErrClientClosed = errors.New("relay client is closed")

	// ErrCancelled reports caller-initiated cancellation. It is silent by
	// convention: orchestration code drops it instead of surfacing a notice.
	ErrCancelled = errors.New("relay operation cancelled")

	// ErrQueryTimeout means no relay produced an answer inside the query
	// window. Retryable.
	ErrQueryTimeout = errors.New("relay query timed out")
)

// PublishError aggregates per-relay failure reasons. It is only returned
// when every configured relay rejected or timed out; a single ack anywhere
// counts as success.
type PublishError struct {
	Reasons map[string]string
}

func (e *PublishError) Error() string {
	if len(e.Reasons) == 0 {
		return "publish failed on all relays"
	}
	urls := make([]string, 0, len(e.Reasons))
	for url := range e.Reasons {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	parts := make([]string, 0, len(urls))
	for _, url := range urls {
		parts = append(parts, fmt.Sprintf("%s: %s", url, e.Reasons[url]))
	}
	return "publish failed on all relays: " + strings.Join(parts, "; ")
}
