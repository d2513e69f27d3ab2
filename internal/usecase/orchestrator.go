package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"crm-agent/internal/domain"
	"crm-agent/internal/metrics"
	"crm-agent/internal/speech"
)

const defaultMaxQueryLength = 1000

// State is a step of a single request's lifecycle.
type State string

const (
	StateReceived         State = "received"
	StateNormalized       State = "normalized"
	StateIdentityResolved State = "identity_resolved"
	StateIntentClassified State = "intent_classified"
	StateDispatched       State = "dispatched"
	StatePersisted        State = "persisted"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

type OrchestratorDeps struct {
	Identity    *IdentityResolver
	Classifier  *IntentClassifier
	Dispatcher  *Dispatcher
	Turns       TurnStore
	Transcriber Transcriber
	Synthesizer Synthesizer
	Logger      *slog.Logger
}

type OrchestratorSettings struct {
	// Voice bounds each transcription and synthesis call.
	Voice          CallPolicy
	HistoryWindow  int
	MaxQueryLength int
}

type Orchestrator struct {
	identity    *IdentityResolver
	classifier  *IntentClassifier
	dispatcher  *Dispatcher
	turns       TurnStore
	transcriber Transcriber
	synthesizer Synthesizer
	logger      *slog.Logger

	voice         CallPolicy
	historyWindow int
	maxQueryLen   int
	turnLocks     *keyedMutex
	now           func() time.Time
}

type TextResult struct {
	UserID    string
	IsNewUser bool
	Intent    domain.Intent
	Response  string
	Channel   domain.Channel
	Timestamp time.Time
	// Persisted is false when the answer was delivered but its turn was lost.
	Persisted bool
}

type VoiceResult struct {
	TextResult
	RecognizedText string
	// Audio is 16 kHz mono PCM16 WAV, or nil when synthesis degraded to text.
	Audio []byte
}

type RecognizeResult struct {
	Text      string
	Timestamp time.Time
}

type HistoryResult struct {
	ExternalKey string
	UserID      string
	Turns       []domain.Turn
}

func NewOrchestrator(deps OrchestratorDeps, settings OrchestratorSettings) (*Orchestrator, error) {
	if deps.Identity == nil {
		return nil, errors.New("usecase: identity resolver must not be nil")
	}
	if deps.Classifier == nil {
		return nil, errors.New("usecase: intent classifier must not be nil")
	}
	if deps.Dispatcher == nil {
		return nil, errors.New("usecase: dispatcher must not be nil")
	}
	if deps.Turns == nil {
		return nil, errors.New("usecase: turn store must not be nil")
	}
	if deps.Transcriber == nil {
		return nil, errors.New("usecase: transcriber must not be nil")
	}
	if deps.Synthesizer == nil {
		return nil, errors.New("usecase: synthesizer must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if settings.HistoryWindow <= 0 {
		settings.HistoryWindow = 5
	}
	if settings.MaxQueryLength <= 0 {
		settings.MaxQueryLength = defaultMaxQueryLength
	}
	return &Orchestrator{
		identity:      deps.Identity,
		classifier:    deps.Classifier,
		dispatcher:    deps.Dispatcher,
		turns:         deps.Turns,
		transcriber:   deps.Transcriber,
		synthesizer:   deps.Synthesizer,
		logger:        deps.Logger,
		voice:         settings.Voice,
		historyWindow: settings.HistoryWindow,
		maxQueryLen:   settings.MaxQueryLength,
		turnLocks:     newKeyedMutex(),
		now:           time.Now,
	}, nil
}

// HandleText answers a typed query for the customer identified by key.
func (o *Orchestrator) HandleText(ctx context.Context, key, query string) (TextResult, error) {
	run := o.start(domain.ChannelText)
	res, err := o.converse(ctx, run, key, query)
	if err != nil {
		return TextResult{}, err
	}
	run.advance(StateCompleted)
	return res, nil
}

// HandleVoice transcribes audio, answers it and synthesizes the reply.
// Synthesis failure degrades to a text-only result.
func (o *Orchestrator) HandleVoice(ctx context.Context, key string, audio []byte) (VoiceResult, error) {
	run := o.start(domain.ChannelVoice)

	text, err := o.transcribe(ctx, audio)
	if err != nil {
		return VoiceResult{}, run.fail(err)
	}

	res, err := o.converse(ctx, run, key, text)
	if err != nil {
		return VoiceResult{}, err
	}
	out := VoiceResult{TextResult: res, RecognizedText: text}

	wav, err := o.synthesize(ctx, res.Response)
	if err != nil {
		o.logger.Warn("speech synthesis failed, replying with text", "user_id", res.UserID, "err", err)
		metrics.Degradations.WithLabelValues("synthesis_to_text").Inc()
	} else {
		out.Audio = wav
	}
	run.advance(StateCompleted)
	return out, nil
}

// Recognize transcribes audio without starting a conversation.
func (o *Orchestrator) Recognize(ctx context.Context, audio []byte) (RecognizeResult, error) {
	text, err := o.transcribe(ctx, audio)
	if err != nil {
		metrics.StageFailures.WithLabelValues(string(StateReceived), string(CodeOf(err))).Inc()
		return RecognizeResult{}, err
	}
	return RecognizeResult{Text: text, Timestamp: o.now()}, nil
}

// Synthesize renders text to 16 kHz mono PCM16 WAV.
func (o *Orchestrator) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newError(ErrorInvalidInput, "empty_text", nil)
	}
	return o.synthesize(ctx, text)
}

// History returns every turn for key in order. Unknown keys are registered
// and come back with an empty history.
func (o *Orchestrator) History(ctx context.Context, key string) (HistoryResult, error) {
	user, _, err := o.identity.Resolve(ctx, key)
	if err != nil {
		return HistoryResult{}, err
	}
	turns, err := o.turns.ListTurns(ctx, user.ID, 0)
	if err != nil {
		return HistoryResult{}, newError(ErrorStorageUnavailable, "history_read_failed", err)
	}
	return HistoryResult{ExternalKey: user.PhoneNumber, UserID: user.ID, Turns: turns}, nil
}

func (o *Orchestrator) converse(ctx context.Context, run *requestRun, key, query string) (TextResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return TextResult{}, run.fail(newError(ErrorInvalidInput, "empty_query", nil))
	}
	if utf8.RuneCountInString(query) > o.maxQueryLen {
		return TextResult{}, run.fail(newError(ErrorInvalidInput, "query_too_long", nil))
	}
	run.advance(StateNormalized)

	user, isNew, err := o.identity.Resolve(ctx, key)
	if err != nil {
		return TextResult{}, run.fail(err)
	}
	run.logger = run.logger.With("user_id", user.ID)
	run.advance(StateIdentityResolved)

	history := o.recentHistory(ctx, user.ID, isNew)
	cls := o.classifier.Classify(ctx, query, newestFirst(history))
	run.logger = run.logger.With("intent", cls.Intent.Code())
	run.advance(StateIntentClassified)

	answer, err := o.dispatcher.Dispatch(ctx, cls.Intent, ResolveInput{
		Query:        query,
		History:      history,
		FirstContact: isNew || len(history) == 0,
	})
	if err != nil {
		return TextResult{}, run.fail(err)
	}
	run.advance(StateDispatched)

	res := TextResult{
		UserID:    user.ID,
		IsNewUser: isNew,
		Intent:    cls.Intent,
		Response:  answer,
		Channel:   run.channel,
	}
	turn, err := o.persist(ctx, domain.Turn{
		UserID:   user.ID,
		Channel:  run.channel,
		Query:    query,
		Intent:   cls.Intent,
		Response: answer,
	})
	if err != nil {
		// The caller still gets the answer; the lost turn is reported.
		run.logger.Error("conversation turn not persisted", "event", "turn_data_loss", "err", err)
		metrics.TurnDataLoss.Inc()
		metrics.StageFailures.WithLabelValues(string(StateDispatched), string(ErrorStorageUnavailable)).Inc()
		res.Timestamp = o.now()
		return res, nil
	}
	run.advance(StatePersisted)
	res.Timestamp = turn.CreatedAt
	res.Persisted = true
	return res, nil
}

// persist appends under the user's lock so turns land in the order their
// requests finished dispatch.
func (o *Orchestrator) persist(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	unlock := o.turnLocks.Lock("user:" + turn.UserID)
	defer unlock()

	turn.CreatedAt = o.now().UTC()
	saved, err := o.turns.AppendTurn(ctx, turn)
	if err != nil {
		return domain.Turn{}, newError(ErrorStorageUnavailable, "turn_append_failed", err)
	}
	return saved, nil
}

// recentHistory reads the context window. A read failure degrades to no
// context rather than failing the request.
func (o *Orchestrator) recentHistory(ctx context.Context, userID string, isNew bool) []domain.Turn {
	if isNew {
		return nil
	}
	turns, err := o.turns.ListTurns(ctx, userID, o.historyWindow)
	if err != nil {
		o.logger.Warn("history read failed, continuing without context", "user_id", userID, "err", err)
		metrics.Degradations.WithLabelValues("history_unavailable").Inc()
		return nil
	}
	return turns
}

func (o *Orchestrator) transcribe(ctx context.Context, audio []byte) (string, error) {
	wav, format, err := speech.PrepareInput(audio)
	if err != nil {
		if errors.Is(err, speech.ErrAudioTooShort) {
			return "", newError(ErrorInvalidInput, "audio_too_short", err)
		}
		return "", newError(ErrorInvalidInput, "invalid_audio", err)
	}
	if !format.IsRecognizerNative() {
		o.logger.Info("forwarding non-native audio to recognizer", "container", format.Container,
			"sample_rate", format.SampleRate, "channels", format.Channels, "bits", format.BitsPerSample)
	}

	var text string
	err = o.voice.Do(ctx, "transcriber", func(ctx context.Context) error {
		var err error
		text, err = o.transcriber.Transcribe(ctx, wav)
		return err
	})
	if err != nil {
		return "", newError(ErrorTranscriptionFailed, "transcription_failed", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", newError(ErrorTranscriptionFailed, "empty_transcript", nil)
	}
	return text, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, text string) ([]byte, error) {
	var raw []byte
	err := o.voice.Do(ctx, "synthesizer", func(ctx context.Context) error {
		var err error
		raw, err = o.synthesizer.Synthesize(ctx, text)
		return err
	})
	if err != nil {
		return nil, newError(ErrorSynthesisFailed, "synthesis_failed", err)
	}
	wav, err := speech.NormalizeOutput(raw)
	if err != nil {
		return nil, newError(ErrorSynthesisFailed, "synthesis_bad_audio", err)
	}
	return wav, nil
}

func newestFirst(turns []domain.Turn) []domain.Turn {
	out := make([]domain.Turn, len(turns))
	for i, t := range turns {
		out[len(turns)-1-i] = t
	}
	return out
}

// requestRun tracks one request through the state machine.
type requestRun struct {
	channel domain.Channel
	state   State
	logger  *slog.Logger
}

func (o *Orchestrator) start(channel domain.Channel) *requestRun {
	run := &requestRun{
		channel: channel,
		state:   StateReceived,
		logger:  o.logger.With("channel", string(channel)),
	}
	run.logger.Debug("state transition", "state", StateReceived)
	return run
}

func (r *requestRun) advance(next State) {
	r.logger.Debug("state transition", "from", r.state, "state", next)
	r.state = next
}

func (r *requestRun) fail(err error) error {
	code := CodeOf(err)
	metrics.StageFailures.WithLabelValues(string(r.state), string(code)).Inc()
	level := slog.LevelWarn
	if code == ErrorStorageUnavailable || code == ErrorInternal {
		level = slog.LevelError
	}
	r.logger.Log(context.Background(), level, "request failed", "from", r.state, "state", StateFailed, "code", code, "err", err)
	r.state = StateFailed
	return err
}
