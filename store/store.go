// Package store persists conversation history and channel settings. The
// message-handling core only sees the Store interface and never knows which
// backend is active.
package store

import (
	"context"

	"kagemusha/state"
)

type Store interface {
	// Load reads the persisted snapshot. A missing or corrupt backing
	// store yields an empty snapshot, not an error: the bot starts fresh
	// and heals on the next Save.
	Load(ctx context.Context) (state.Snapshot, error)

	// Save writes the snapshot. Called after every exchange; last write
	// wins.
	Save(ctx context.Context, snap state.Snapshot) error

	Close() error
}

func emptySnapshot() state.Snapshot {
	return state.Snapshot{
		History:  make(map[string][]state.Turn),
		Settings: make(map[string]state.ChannelSetting),
	}
}
