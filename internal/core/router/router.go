// Package router provides content-based publish/subscribe dispatch.
//
// Subscribers register a predicate together with a callback. Every published
// value is offered to each subscription in registration order and the callback
// runs when the predicate accepts the value. A Router is not safe for
// concurrent use; callers serialize access (see the loop package).
package router

import (
	"errors"
	"fmt"
	"slices"
)

// ErrMalformedSubscription is returned when a subscription is missing its
// callback or predicate.
var ErrMalformedSubscription = errors.New("malformed subscription")

// Token identifies a subscription. The zero Token never identifies a live
// subscription.
type Token uint64

// Predicate decides whether a subscription is interested in a value. It must
// be free of side effects.
type Predicate[T any] func(T) bool

// Callback receives values accepted by its predicate.
type Callback[T any] func(T)

// Any is a predicate accepting every value.
func Any[T any](T) bool { return true }

type subscription[T any] struct {
	token     Token
	predicate Predicate[T]
	callback  Callback[T]
}

// Router dispatches published values to matching subscriptions. The zero value
// is ready to use.
type Router[T any] struct {
	subs []*subscription[T]
	last Token
}

// New creates an empty router.
func New[T any]() *Router[T] {
	return &Router[T]{}
}

// Subscribe registers callback for every published value accepted by
// predicate.
func (r *Router[T]) Subscribe(callback Callback[T], predicate Predicate[T]) (Token, error) {
	if callback == nil {
		return 0, fmt.Errorf("%w: callback is nil", ErrMalformedSubscription)
	}
	if predicate == nil {
		return 0, fmt.Errorf("%w: predicate is nil", ErrMalformedSubscription)
	}

	r.last++
	r.subs = append(r.subs, &subscription[T]{
		token:     r.last,
		predicate: predicate,
		callback:  callback,
	})
	return r.last, nil
}

// Unsubscribe removes the subscription identified by token. It reports whether
// a subscription was removed; unknown tokens are ignored.
func (r *Router[T]) Unsubscribe(token Token) bool {
	idx := slices.IndexFunc(r.subs, func(s *subscription[T]) bool { return s.token == token })
	if idx < 0 {
		return false
	}

	// Copy on write so a Publish iterating the previous slice is unaffected.
	r.subs = slices.Delete(slices.Clone(r.subs), idx, idx+1)
	return true
}

// UnsubscribeAll removes every subscription.
func (r *Router[T]) UnsubscribeAll() {
	r.subs = nil
}

// Len returns the number of live subscriptions.
func (r *Router[T]) Len() int {
	return len(r.subs)
}

// Publish offers v to every subscription registered when Publish was called
// and returns the number of callbacks invoked. Subscriptions added or removed
// by a callback take effect from the next Publish.
func (r *Router[T]) Publish(v T) int {
	subs := r.subs

	matched := 0
	for _, s := range subs {
		if !s.predicate(v) {
			continue
		}
		matched++
		s.callback(v)
	}
	return matched
}
