package fusion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/engine/semantic"
	"github.com/nezubytes/foodrec/pkg/ollama"
)

// ArbitrationInput is everything an arbiter may look at.
type ArbitrationInput struct {
	Query  string
	Hits   []semantic.SearchHit
	Nearby []domain.RestaurantGoogle
}

// Arbiter turns internal and external hits into an AIResponse document.
// The engine decodes and checks the returned bytes; an arbiter never needs
// to validate its own output.
type Arbiter interface {
	Arbitrate(ctx context.Context, in ArbitrationInput) ([]byte, error)
}

// RuleArbiter sorts hits into buckets by their payload type. Only fields
// present in a payload are copied, so a hit missing a required field
// produces a document that fails the contract rather than a zero value.
type RuleArbiter struct{}

func (RuleArbiter) Arbitrate(_ context.Context, in ArbitrationInput) ([]byte, error) {
	restaurants := make([]map[string]any, 0, len(in.Hits))
	foods := make([]map[string]any, 0, len(in.Hits))
	for _, h := range in.Hits {
		switch h.Type() {
		case domain.TypeRestaurant:
			restaurants = append(restaurants, pick(h.Payload, "name", "category", "location", "db_id"))
		case domain.TypeFood:
			foods = append(foods, pick(h.Payload, "name", "category", "restaurant", "price", "db_id"))
		}
	}
	nearby := in.Nearby
	if nearby == nil {
		nearby = []domain.RestaurantGoogle{}
	}
	return json.Marshal(map[string]any{
		"query":                   in.Query,
		"recommended_restaurants": restaurants,
		"recommended_foods":       foods,
		"nearby_restaurants":      nearby,
	})
}

func pick(payload map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Chatter is the subset of ollama.ChatClient used by ModelArbiter.
type Chatter interface {
	Chat(ctx context.Context, messages []ollama.Message, format json.RawMessage) ([]byte, error)
}

const arbiterPrompt = `You receive two JSON lists for a user's food query.
"From database" holds restaurants and foods from our catalog: put restaurants in recommended_restaurants and foods in recommended_foods, copying their fields exactly, including db_id and price.
"Nearby places" holds restaurants from a map search: put them in nearby_restaurants without a db_id.
Recommend at most 20 items in total.
When a nearby place has the same name and location as a catalog restaurant, list it once, in recommended_restaurants.
Answer with JSON only.`

// ModelArbiter asks a chat model for the buckets, constraining its output
// to the response schema.
type ModelArbiter struct {
	chat    Chatter
	timeout time.Duration
}

// NewModelArbiter creates a ModelArbiter over chat. Each call is bounded by
// timeout when it is positive.
func NewModelArbiter(chat Chatter, timeout time.Duration) *ModelArbiter {
	return &ModelArbiter{chat: chat, timeout: timeout}
}

func (a *ModelArbiter) Arbitrate(ctx context.Context, in ArbitrationInput) ([]byte, error) {
	catalog, err := json.Marshal(payloads(in.Hits))
	if err != nil {
		return nil, fmt.Errorf("fusion: encode hits: %w", err)
	}
	nearby, err := json.Marshal(in.Nearby)
	if err != nil {
		return nil, fmt.Errorf("fusion: encode nearby: %w", err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var user strings.Builder
	fmt.Fprintf(&user, "%s\nFrom database: %s\nNearby places: %s", in.Query, catalog, nearby)

	out, err := a.chat.Chat(ctx, []ollama.Message{
		{Role: "system", Content: arbiterPrompt},
		{Role: "user", Content: user.String()},
	}, json.RawMessage(domain.ResponseSchema))
	if err != nil {
		return nil, domain.Errorf(domain.KindArbitration, err, "model arbitration")
	}
	return out, nil
}

func payloads(hits []semantic.SearchHit) []map[string]any {
	out := make([]map[string]any, len(hits))
	for i, h := range hits {
		out[i] = h.Payload
	}
	return out
}
