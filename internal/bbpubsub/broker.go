// Package bbpubsub fans values out to subscribers without blocking the
// publisher.
package bbpubsub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Broker publishes values to subscribed channels. Sends never block: a
// subscriber whose channel is full misses the value, which is counted as a
// drop.
type Broker[T any] struct {
	mtx         sync.Mutex
	subscribers map[chan<- T]*subscriber[T]
	active      atomic.Bool
}

type subscriber[T any] struct {
	allow func(T) bool
	ch    chan<- T
	stats Stats
}

// NewBroker returns an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: map[chan<- T]*subscriber[T]{},
	}
}

// Publish sends the value to every subscriber which allows it.
func (b *Broker[T]) Publish(val T) {
	if !b.active.Load() {
		return
	}

	b.mtx.Lock()
	defer b.mtx.Unlock()

	for _, sub := range b.subscribers {
		if sub.allow != nil && !sub.allow(val) {
			sub.stats.Skips++
			continue
		}
		select {
		case sub.ch <- val:
			sub.stats.Sends++
		default:
			sub.stats.Drops++
		}
	}
}

// Subscribe sends published values allowed by the allow func to ch, until the
// context is canceled. A nil allow func allows every value. It blocks, and
// returns the final stats of the subscription with the context error.
func (b *Broker[T]) Subscribe(ctx context.Context, allow func(T) bool, ch chan<- T) (Stats, error) {
	if err := b.Add(allow, ch); err != nil {
		return Stats{}, err
	}

	<-ctx.Done()

	stats, err := b.Remove(ch)
	if err != nil {
		return stats, err
	}
	return stats, ctx.Err()
}

// Add is the non-blocking form of Subscribe. Values are sent to ch until
// Remove is called with the same channel.
func (b *Broker[T]) Add(allow func(T) bool, ch chan<- T) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.subscribers[ch]; ok {
		return fmt.Errorf("already subscribed")
	}

	b.subscribers[ch] = &subscriber[T]{
		allow: allow,
		ch:    ch,
	}
	b.active.Store(true)

	return nil
}

// Remove ends the subscription of ch, and returns its final stats.
func (b *Broker[T]) Remove(ch chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subscribers[ch]
	if !ok {
		return Stats{}, fmt.Errorf("not subscribed")
	}

	delete(b.subscribers, ch)
	b.active.Store(len(b.subscribers) > 0)

	return sub.stats, nil
}

// Stats returns the current stats of the subscription for ch.
func (b *Broker[T]) Stats(ch chan<- T) (Stats, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	sub, ok := b.subscribers[ch]
	if !ok {
		return Stats{}, fmt.Errorf("not subscribed")
	}

	return sub.stats, nil
}

// Subscribers returns the number of active subscriptions.
func (b *Broker[T]) Subscribers() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.subscribers)
}

// Stats counts what happened to the values published to a subscriber.
type Stats struct {
	Skips uint64 `json:"skips"`
	Sends uint64 `json:"sends"`
	Drops uint64 `json:"drops"`
}

func (s Stats) String() string {
	return fmt.Sprintf("skips=%d sends=%d drops=%d", s.Skips, s.Sends, s.Drops)
}
