package queue

import "errors"

// Sentinel errors mirroring the discriminated return codes the transition
// scripts use (spec §4.1): a negative code is never a Go error type of its
// own, just one of these.
var (
	ErrJobNotFound       = errors.New("queue: job not found")
	ErrWrongState        = errors.New("queue: job is in the wrong state for this transition")
	ErrLockMismatch      = errors.New("queue: lock token does not match current owner")
	ErrNotInExpectedSet  = errors.New("queue: job is not a member of the expected set")
	ErrNoPendingChildren = errors.New("queue: job has no pending children")
	ErrParentMissing     = errors.New("queue: parent job record is missing")
	ErrJobActive         = errors.New("queue: job is active; pass force to remove it anyway")
)
