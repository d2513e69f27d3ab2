package usecase

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crm-agent/internal/domain"
	"crm-agent/internal/speech"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type memStore struct {
	mu        sync.Mutex
	users     map[string]domain.User
	turns     map[string][]domain.Turn
	creates   int
	getErr    error
	createErr error
	appendErr error
	listErr   error
	// lookupDelay widens the window between lookup and create.
	lookupDelay time.Duration
}

func newMemStore() *memStore {
	return &memStore{users: map[string]domain.User{}, turns: map[string][]domain.Turn{}}
}

func (m *memStore) GetUserByKey(_ context.Context, key string) (domain.User, bool, error) {
	if m.lookupDelay > 0 {
		time.Sleep(m.lookupDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.User{}, false, m.getErr
	}
	u, ok := m.users[key]
	return u, ok, nil
}

func (m *memStore) CreateUser(_ context.Context, key string) (domain.User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return domain.User{}, false, m.createErr
	}
	if u, ok := m.users[key]; ok {
		return u, false, nil
	}
	m.creates++
	u := domain.User{ID: fmt.Sprintf("u-%d", m.creates), PhoneNumber: key, CreatedAt: time.Now()}
	m.users[key] = u
	return u, true, nil
}

func (m *memStore) AppendTurn(_ context.Context, turn domain.Turn) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return domain.Turn{}, m.appendErr
	}
	turn.Seq = len(m.turns[turn.UserID]) + 1
	m.turns[turn.UserID] = append(m.turns[turn.UserID], turn)
	return turn, nil
}

func (m *memStore) ListTurns(_ context.Context, userID string, limit int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	all := m.turns[userID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]domain.Turn(nil), all...), nil
}

func (m *memStore) turnCount(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns[userID])
}

// fakeModel answers through fn and records every prompt it sees.
type fakeModel struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, messages []domain.ChatMessage) (string, error)
	calls [][]domain.ChatMessage
}

func (f *fakeModel) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	fn := f.fn
	f.mu.Unlock()
	return fn(ctx, messages)
}

func (f *fakeModel) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeModel) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range f.calls[len(f.calls)-1] {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func answering(answer string) *fakeModel {
	return &fakeModel{fn: func(context.Context, []domain.ChatMessage) (string, error) {
		return answer, nil
	}}
}

func failing(err error) *fakeModel {
	return &fakeModel{fn: func(context.Context, []domain.ChatMessage) (string, error) {
		return "", err
	}}
}

// hanging blocks until the call's deadline fires.
func hanging() *fakeModel {
	return &fakeModel{fn: func(ctx context.Context, _ []domain.ChatMessage) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

type fakeTranscriber struct {
	text string
	err  error
	got  []byte
}

func (f *fakeTranscriber) Transcribe(_ context.Context, wav []byte) (string, error) {
	f.got = wav
	return f.text, f.err
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	wav   []byte
	err   error
	calls int
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _ string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.wav, f.err
}

type fakeKnowledge struct {
	passages []domain.Passage
	err      error
	query    string
}

func (f *fakeKnowledge) Search(_ context.Context, query string) ([]domain.Passage, error) {
	f.query = query
	return f.passages, f.err
}

type fakeWeb struct {
	snippets []domain.Snippet
	err      error
	query    string
}

func (f *fakeWeb) Search(_ context.Context, query string) ([]domain.Snippet, error) {
	f.query = query
	return f.snippets, f.err
}

type statusErr int

func (s statusErr) Error() string       { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatusCode() int { return int(s) }

var errBoom = errors.New("boom")

func testWAV(samples int) []byte {
	pcm := make([]byte, 2*samples)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(i%128))
	}
	return speech.WrapPCM16(pcm, speech.SampleRate, speech.Channels)
}

func expectCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	var usecaseErr *Error
	require.ErrorAs(t, err, &usecaseErr)
	require.Equal(t, code, usecaseErr.Code)
	if reason != "" {
		require.Equal(t, reason, usecaseErr.Reason)
	}
}
