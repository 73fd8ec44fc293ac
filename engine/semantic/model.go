package semantic

import (
	"math"

	"github.com/nezubytes/foodrec/engine/domain"
)

// Point is a single catalog entity as stored in a typed collection.
type Point struct {
	ID      string
	Vector  []float32
	Type    domain.EntityType
	Payload map[string]any // name, db_id, category, and price/restaurant or location
}

// SearchHit is a single vector search hit.
type SearchHit struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Type returns the entity type recorded in the hit payload.
func (h SearchHit) Type() domain.EntityType {
	s, _ := h.Payload["type"].(string)
	return domain.EntityType(s)
}

// Rounded returns a copy of h with the score rounded to 4 decimal places.
func (h SearchHit) Rounded() SearchHit {
	h.Score = float32(math.Round(float64(h.Score)*1e4) / 1e4)
	return h
}

// Collections names the typed collections.
type Collections struct {
	Food       string
	Restaurant string
}

// DefaultCollections uses the entity type as the collection name.
var DefaultCollections = Collections{Food: string(domain.TypeFood), Restaurant: string(domain.TypeRestaurant)}

func (c Collections) name(t domain.EntityType) string {
	if t == domain.TypeFood {
		return c.Food
	}
	return c.Restaurant
}
