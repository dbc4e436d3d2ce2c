package scheduler

import "errors"

// ErrMaxQueue is returned by Submit when the engine already holds
// max_batch_size requests and cannot accept another (spec.md §7 "Capacity
// pressure").
var ErrMaxQueue = errors.New("scheduler: request queue is full")

// ErrUnknownRequest names a lookup of a request id the engine does not hold.
// Engine.Cancel reports such a miss by returning false and does not return
// this error.
var ErrUnknownRequest = errors.New("scheduler: unknown request id")
