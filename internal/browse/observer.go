package browse

import "github.com/mmcdole/libris/internal/domain"

// ChannelObserver adapts domain.MergeObserver to a channel for a
// presentation loop.
type ChannelObserver struct {
	ch chan<- domain.MergeEvent
}

// NewChannelObserver creates a new channel-based observer.
func NewChannelObserver(ch chan<- domain.MergeEvent) *ChannelObserver {
	return &ChannelObserver{ch: ch}
}

// OnMergeChanged sends the event to the channel (non-blocking if full).
func (o *ChannelObserver) OnMergeChanged(event domain.MergeEvent) {
	select {
	case o.ch <- event:
	default: // Non-blocking if channel full
	}
}
