package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"crm-agent/internal/domain"
)

type recordingStrategy struct {
	name  string
	calls int
	err   error
}

func (r *recordingStrategy) Resolve(context.Context, ResolveInput) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.name, nil
}

func TestDispatch_EachIntentHitsExactlyItsStrategy(t *testing.T) {
	for _, intent := range domain.Intents {
		t.Run(intent.String(), func(t *testing.T) {
			k := &recordingStrategy{name: "knowledge"}
			l := &recordingStrategy{name: "live"}
			g := &recordingStrategy{name: "general"}
			d, err := NewDispatcher(k, l, g)
			require.NoError(t, err)

			answer, err := d.Dispatch(context.Background(), intent, ResolveInput{Query: "q"})
			require.NoError(t, err)

			want := map[domain.Intent]*recordingStrategy{
				domain.IntentProductInquiry:  k,
				domain.IntentLiveInformation: l,
				domain.IntentGeneralQnA:      g,
			}[intent]
			require.Equal(t, want.name, answer)
			for _, s := range []*recordingStrategy{k, l, g} {
				if s == want {
					require.Equal(t, 1, s.calls)
				} else {
					require.Zero(t, s.calls)
				}
			}
		})
	}
}

func TestDispatch_WrapsStrategyFailure(t *testing.T) {
	timeout := newError(ErrorDependencyTimeout, "generator_timeout", context.DeadlineExceeded)
	g := &recordingStrategy{err: timeout}
	d, err := NewDispatcher(&recordingStrategy{}, &recordingStrategy{}, g)
	require.NoError(t, err)

	_, err = d.Dispatch(context.Background(), domain.IntentGeneralQnA, ResolveInput{Query: "q"})
	expectCode(t, err, ErrorResponseGeneration, "general_qna_failed")
	require.True(t, HasCode(err, ErrorDependencyTimeout))

	_, err = d.Dispatch(context.Background(), domain.IntentUnclassified, ResolveInput{Query: "q"})
	expectCode(t, err, ErrorInternal, "unclassified_intent")
}

func TestNewDispatcher_RequiresAllStrategies(t *testing.T) {
	_, err := NewDispatcher(&recordingStrategy{}, nil, &recordingStrategy{})
	require.Error(t, err)
}
