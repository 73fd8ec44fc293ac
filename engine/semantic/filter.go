package semantic

import (
	pb "github.com/qdrant/go-client/qdrant"

	"github.com/nezubytes/foodrec/engine/domain"
)

// FilterSpec holds the optional, AND-combined search predicates. A zero
// field contributes no predicate.
type FilterSpec struct {
	Type       domain.EntityType
	MaxPrice   *int // inclusive upper bound
	Restaurant string
	Category   string
}

// BuildFilter maps optional query parameters to a FilterSpec. Each non-empty
// argument adds exactly one predicate.
func BuildFilter(entityType string, maxPrice *int, restaurant, category string) FilterSpec {
	f := FilterSpec{
		Type:       domain.EntityType(entityType),
		Restaurant: restaurant,
		Category:   category,
	}
	if maxPrice != nil {
		p := *maxPrice
		f.MaxPrice = &p
	}
	return f
}

// Empty reports whether the filter has no predicates at all.
func (f FilterSpec) Empty() bool {
	return f.Type == "" && f.MaxPrice == nil && f.Restaurant == "" && f.Category == ""
}

// Applied returns the present predicates keyed by their request names.
func (f FilterSpec) Applied() map[string]any {
	out := make(map[string]any, 4)
	if f.Type != "" {
		out["type"] = string(f.Type)
	}
	if f.MaxPrice != nil {
		out["max_price"] = *f.MaxPrice
	}
	if f.Restaurant != "" {
		out["restaurant"] = f.Restaurant
	}
	if f.Category != "" {
		out["category"] = f.Category
	}
	return out
}

// Matches evaluates the filter against a payload the way the vector store
// does: a predicate on an absent key does not match.
func (f FilterSpec) Matches(payload map[string]any) bool {
	if f.Type != "" && payload["type"] != string(f.Type) {
		return false
	}
	if f.MaxPrice != nil {
		price, ok := numberValue(payload["price"])
		if !ok || price > float64(*f.MaxPrice) {
			return false
		}
	}
	if f.Restaurant != "" && payload["restaurant"] != f.Restaurant {
		return false
	}
	if f.Category != "" && payload["category"] != f.Category {
		return false
	}
	return true
}

// qdrantFilter translates the payload predicates. The type predicate is
// kept as a payload match as well as selecting the collection.
func (f FilterSpec) qdrantFilter() *pb.Filter {
	if f.Empty() {
		return nil
	}
	var must []*pb.Condition
	if f.Type != "" {
		must = append(must, fieldMatch("type", string(f.Type)))
	}
	if f.MaxPrice != nil {
		lte := float64(*f.MaxPrice)
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   "price",
					Range: &pb.Range{Lte: &lte},
				},
			},
		})
	}
	if f.Restaurant != "" {
		must = append(must, fieldMatch("restaurant", f.Restaurant))
	}
	if f.Category != "" {
		must = append(must, fieldMatch("category", f.Category))
	}
	return &pb.Filter{Must: must}
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
