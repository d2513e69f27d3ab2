package domain

import "time"

// Channel is the modality of a request/response pair.
type Channel string

const (
	ChannelText  Channel = "text"
	ChannelVoice Channel = "voice"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	return c == ChannelText || c == ChannelVoice
}

// Turn is a single persisted query/answer pair. Seq is assigned by the store
// on append and is strictly increasing per user.
type Turn struct {
	UserID    string
	Seq       int
	Channel   Channel
	Query     string
	Intent    Intent
	Response  string
	CreatedAt time.Time
}
