package usecase

import (
	"context"

	"crm-agent/internal/domain"
)

type UserStore interface {
	GetUserByKey(ctx context.Context, key string) (domain.User, bool, error)
	// CreateUser atomically creates the user for key. When the key already
	// exists it returns the stored user with created=false.
	CreateUser(ctx context.Context, key string) (user domain.User, created bool, err error)
}

type TurnStore interface {
	// AppendTurn assigns the next sequence number and writes the turn atomically.
	AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error)
	// ListTurns returns the newest limit turns in ascending sequence order.
	// A limit of zero or less returns every turn.
	ListTurns(ctx context.Context, userID string, limit int) ([]domain.Turn, error)
}

type Store interface {
	UserStore
	TurnStore
}

// Completer is a generative model bound to a model name and sampling settings.
type Completer interface {
	Complete(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type KnowledgeSearcher interface {
	Search(ctx context.Context, query string) ([]domain.Passage, error)
}

type WebSearcher interface {
	Search(ctx context.Context, query string) ([]domain.Snippet, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}
