package bus

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/user/crowdwatch/internal/types"
)

// Feed fans every published message out to in-process watchers such as the
// websocket live stream. Slow watchers drop messages.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]*watcher
}

type watcher struct {
	topics map[string]struct{}
	ch     chan types.Message
}

func NewFeed() *Feed {
	return &Feed{subs: map[string]*watcher{}}
}

// Subscribe returns a channel of messages on topics (all topics when empty).
// The channel is closed when ctx is done.
func (f *Feed) Subscribe(ctx context.Context, topics []string) <-chan types.Message {
	ch := make(chan types.Message, 64)
	set := map[string]struct{}{}
	for _, t := range topics {
		if t == "" {
			continue
		}
		set[t] = struct{}{}
	}
	id := ulid.Make().String()

	f.mu.Lock()
	f.subs[id] = &watcher{topics: set, ch: ch}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (f *Feed) WatcherCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Broadcast never blocks.
func (f *Feed) Broadcast(msg types.Message) {
	if f == nil {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, w := range f.subs {
		if len(w.topics) > 0 {
			if _, ok := w.topics[msg.Topic]; !ok {
				continue
			}
		}
		select {
		case w.ch <- msg:
		default:
		}
	}
}
