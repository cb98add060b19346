// Package event provides typed event sources built on the content router.
package event

import (
	"fmt"

	"github.com/hay-kot/huddle/internal/core/router"
)

// Emitter delivers values of type T to registered handlers in registration
// order. The zero value is ready to use. Like the router it wraps, an Emitter
// is owned by a single goroutine.
type Emitter[T any] struct {
	r router.Router[T]
}

// On registers fn for every emitted value. A nil fn is a programming error
// and panics.
func (e *Emitter[T]) On(fn func(T)) router.Token {
	tok, err := e.r.Subscribe(fn, router.Any[T])
	if err != nil {
		panic(fmt.Sprintf("event: %v", err))
	}
	return tok
}

// Once registers fn for the next emitted value only.
func (e *Emitter[T]) Once(fn func(T)) router.Token {
	if fn == nil {
		panic(fmt.Sprintf("event: %v: callback is nil", router.ErrMalformedSubscription))
	}

	var tok router.Token
	tok = e.On(func(v T) {
		e.r.Unsubscribe(tok)
		fn(v)
	})
	return tok
}

// Off removes a handler registered with On or Once.
func (e *Emitter[T]) Off(tok router.Token) {
	e.r.Unsubscribe(tok)
}

// Emit delivers v to every registered handler.
func (e *Emitter[T]) Emit(v T) {
	e.r.Publish(v)
}

// Clear removes every handler.
func (e *Emitter[T]) Clear() {
	e.r.UnsubscribeAll()
}

// Len returns the number of registered handlers.
func (e *Emitter[T]) Len() int {
	return e.r.Len()
}
