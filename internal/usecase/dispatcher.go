package usecase

import (
	"context"
	"errors"

	"crm-agent/internal/domain"
)

// Dispatcher maps each classifiable intent to exactly one strategy.
type Dispatcher struct {
	strategies map[domain.Intent]Strategy
}

func NewDispatcher(knowledge, live, general Strategy) (*Dispatcher, error) {
	if knowledge == nil || live == nil || general == nil {
		return nil, errors.New("usecase: every strategy must be provided")
	}
	return &Dispatcher{strategies: map[domain.Intent]Strategy{
		domain.IntentProductInquiry:  knowledge,
		domain.IntentLiveInformation: live,
		domain.IntentGeneralQnA:      general,
	}}, nil
}

// Dispatch runs the strategy for intent. Strategy failures surface as a
// single RESPONSE_GENERATION_FAILED wrapping the dependency error.
func (d *Dispatcher) Dispatch(ctx context.Context, intent domain.Intent, in ResolveInput) (string, error) {
	strategy, ok := d.strategies[intent]
	if !ok {
		return "", newError(ErrorInternal, "unclassified_intent", nil)
	}
	answer, err := strategy.Resolve(ctx, in)
	if err != nil {
		return "", newError(ErrorResponseGeneration, intent.String()+"_failed", err)
	}
	return answer, nil
}
