// Package state holds the per-channel conversation history ring and channel
// settings behind one owner, instead of the ambient globals the bot would
// otherwise accumulate.
package state

import "sync"

const (
	RoleUser    = "user"
	RolePersona = "persona"
)

// Turn is one entry of a channel's conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChannelSetting controls the response gate for one channel.
type ChannelSetting struct {
	MentionRequired bool `json:"mention_required"`
}

// Snapshot is the serialized shape handed to the persistence layer. It
// matches the original data file: {"history": …, "settings": …}.
type Snapshot struct {
	History  map[string][]Turn         `json:"history"`
	Settings map[string]ChannelSetting `json:"settings"`
}

// State owns all mutable conversation state. Limit caps each channel's
// history; the oldest turns are evicted first.
type State struct {
	mu       sync.Mutex
	limit    int
	history  map[string][]Turn
	settings map[string]ChannelSetting
}

func New(limit int) *State {
	return &State{
		limit:    limit,
		history:  make(map[string][]Turn),
		settings: make(map[string]ChannelSetting),
	}
}

// Restore replaces all state with the given snapshot, typically right after
// the persistence layer loads it at startup.
func (s *State) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[string][]Turn, len(snap.History))
	for ch, turns := range snap.History {
		s.history[ch] = append([]Turn(nil), turns...)
		s.trimLocked(ch)
	}
	s.settings = make(map[string]ChannelSetting, len(snap.Settings))
	for ch, set := range snap.Settings {
		s.settings[ch] = set
	}
}

// Snapshot returns a deep copy suitable for serialization.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		History:  make(map[string][]Turn, len(s.history)),
		Settings: make(map[string]ChannelSetting, len(s.settings)),
	}
	for ch, turns := range s.history {
		snap.History[ch] = append([]Turn(nil), turns...)
	}
	for ch, set := range s.settings {
		snap.Settings[ch] = set
	}
	return snap
}

// AppendExchange appends one user turn and one persona turn to the channel's
// history, evicting the oldest turns beyond the cap.
func (s *State) AppendExchange(channelID, question, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[channelID] = append(s.history[channelID],
		Turn{Role: RoleUser, Content: question},
		Turn{Role: RolePersona, Content: answer},
	)
	s.trimLocked(channelID)
}

func (s *State) trimLocked(channelID string) {
	if turns := s.history[channelID]; len(turns) > s.limit {
		s.history[channelID] = append([]Turn(nil), turns[len(turns)-s.limit:]...)
	}
}

// History returns a copy of the channel's turns, oldest first.
func (s *State) History(channelID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history[channelID]...)
}

// MentionRequired reports the response gate for the channel. Channels default
// to requiring a mention.
func (s *State) MentionRequired(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.settings[channelID]
	if !ok {
		return true
	}
	return set.MentionRequired
}

// ToggleMention flips the response gate for the channel and returns the new
// value.
func (s *State) ToggleMention(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.settings[channelID]
	if !ok {
		set = ChannelSetting{MentionRequired: true}
	}
	set.MentionRequired = !set.MentionRequired
	s.settings[channelID] = set
	return set.MentionRequired
}
