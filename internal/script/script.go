// Package script embeds and loads the Lua programs that implement the
// queue's atomic state transitions. Every mutating operation on a queue
// boils down to one of these scripts running inside a single Redis
// round trip; nothing in the rest of the module should issue the
// equivalent sequence of individual Redis commands.
package script

import (
	"embed"

	"github.com/redis/go-redis/v9"
)

//go:embed lua/*.lua
var luaFS embed.FS

// Return codes shared across the transition scripts. Not every script
// returns every code; see the comment header of each .lua file for the
// subset it actually produces.
const (
	CodeOK                 = 1
	CodeNotFound           = -1
	CodeWrongState         = -2
	CodeLockMismatch       = -3
	CodeNotInExpectedSet   = -4
	CodeNoPendingChildren  = -5
	CodeParentMissing      = -6
	CodeJobActive          = -7
	CodeRateLimited        = 2
	CodeDelayedHint        = 3
	CodeNotLeaderThisRound = -1
)

// Scripts holds every loaded transition script, ready to Run against a
// redis.Cmdable.
type Scripts struct {
	Add                 *redis.Script
	AddBulk             *redis.Script
	MoveToActive        *redis.Script
	MoveToCompleted     *redis.Script
	MoveToFailed        *redis.Script
	MoveToDelayed       *redis.Script
	MoveToWaitingChildren *redis.Script
	ExtendLock          *redis.Script
	Retry               *redis.Script
	Remove              *redis.Script
	Promote             *redis.Script
	PauseResume         *redis.Script
	StalledCheck        *redis.Script
	RepeatUpsert        *redis.Script
	RepeatRemove        *redis.Script
}

// Load reads every embedded .lua file and wraps it as a *redis.Script.
// The scripts are not sent to Redis here; go-redis's Script.Run handles
// the EVALSHA-then-EVAL-on-NOSCRIPT dance lazily on first use.
func Load() (*Scripts, error) {
	files := map[string]**redis.Script{
		"add.lua":                      nil,
		"add_bulk.lua":                 nil,
		"move_to_active.lua":           nil,
		"move_to_completed.lua":        nil,
		"move_to_failed.lua":           nil,
		"move_to_delayed.lua":          nil,
		"move_to_waiting_children.lua": nil,
		"extend_lock.lua":              nil,
		"retry.lua":                    nil,
		"remove.lua":                   nil,
		"promote.lua":                  nil,
		"pause_resume.lua":             nil,
		"stalled_check.lua":            nil,
		"repeat_upsert.lua":            nil,
		"repeat_remove.lua":            nil,
	}

	loaded := make(map[string]*redis.Script, len(files))
	for name := range files {
		src, err := luaFS.ReadFile("lua/" + name)
		if err != nil {
			return nil, err
		}
		loaded[name] = redis.NewScript(string(src))
	}

	return &Scripts{
		Add:                   loaded["add.lua"],
		AddBulk:               loaded["add_bulk.lua"],
		MoveToActive:          loaded["move_to_active.lua"],
		MoveToCompleted:       loaded["move_to_completed.lua"],
		MoveToFailed:          loaded["move_to_failed.lua"],
		MoveToDelayed:         loaded["move_to_delayed.lua"],
		MoveToWaitingChildren: loaded["move_to_waiting_children.lua"],
		ExtendLock:            loaded["extend_lock.lua"],
		Retry:                 loaded["retry.lua"],
		Remove:                loaded["remove.lua"],
		Promote:               loaded["promote.lua"],
		PauseResume:           loaded["pause_resume.lua"],
		StalledCheck:          loaded["stalled_check.lua"],
		RepeatUpsert:          loaded["repeat_upsert.lua"],
		RepeatRemove:          loaded["repeat_remove.lua"],
	}, nil
}
