package fusion

import (
	"strings"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/pkg/fn"
)

// MaxItems caps the number of items across all three buckets.
const MaxItems = 20

type placeKey struct{ name, location string }

// normalize lowercases s and collapses runs of whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func restaurantKey(r domain.Restaurant) placeKey {
	return placeKey{normalize(r.Name), normalize(r.Location)}
}

func nearbyKey(r domain.RestaurantGoogle) placeKey {
	return placeKey{normalize(r.Name), normalize(r.Location)}
}

// Reconcile removes duplicate restaurants within and across buckets and
// enforces MaxItems. A place known to the catalog is kept only in
// RecommendedRestaurants. When trimming, catalog restaurants go before
// foods and foods before nearby places; order inside a bucket is kept.
// Every bucket of the result is non-nil.
func Reconcile(resp domain.AIResponse) domain.AIResponse {
	restaurants := fn.UniqueBy(resp.RecommendedRestaurants, restaurantKey)
	foods := fn.UniqueBy(resp.RecommendedFoods, func(f domain.Food) string { return f.DBID })

	known := make(map[placeKey]struct{}, len(restaurants))
	for _, r := range restaurants {
		known[restaurantKey(r)] = struct{}{}
	}
	nearby := fn.Filter(fn.UniqueBy(resp.NearbyRestaurants, nearbyKey), func(r domain.RestaurantGoogle) bool {
		_, dup := known[nearbyKey(r)]
		return !dup
	})

	left := MaxItems
	restaurants, left = take(restaurants, left)
	foods, left = take(foods, left)
	nearby, _ = take(nearby, left)

	return domain.AIResponse{
		Query:                  resp.Query,
		RecommendedRestaurants: restaurants,
		RecommendedFoods:       foods,
		NearbyRestaurants:      nearby,
	}
}

func take[T any](items []T, n int) ([]T, int) {
	if len(items) > n {
		items = items[:n]
	}
	return items, n - len(items)
}
