// Package domain defines the recommendation entity shapes, the error taxonomy
// shared by every stage, and the validation gate applied at the service edges.
package domain

import "time"

// EntityType tags a catalog entity and selects its vector collection.
type EntityType string

const (
	TypeFood       EntityType = "food"
	TypeRestaurant EntityType = "restaurant"
)

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	return t == TypeFood || t == TypeRestaurant
}

// EntityTypes lists every entity type in collection search order.
var EntityTypes = []EntityType{TypeRestaurant, TypeFood}

// Restaurant is a restaurant known to the internal catalog.
type Restaurant struct {
	Name     string `json:"name" validate:"required"`
	Category string `json:"category"`
	Location string `json:"location"`
	DBID     string `json:"db_id" validate:"required"`
}

// Food is a menu item known to the internal catalog.
type Food struct {
	Name       string `json:"name" validate:"required"`
	Category   string `json:"category"`
	Restaurant string `json:"restaurant"`
	Price      int    `json:"price" validate:"gte=0"`
	DBID       string `json:"db_id" validate:"required"`
}

// RestaurantGoogle is a restaurant found only by the external place search.
// It never carries a db_id.
type RestaurantGoogle struct {
	Name     string `json:"name" validate:"required"`
	Category string `json:"category"`
	Location string `json:"location"`
}

// AIResponse is the fused recommendation returned to the caller and
// persisted verbatim.
type AIResponse struct {
	Query                  string             `json:"query" validate:"required"`
	RecommendedRestaurants []Restaurant       `json:"recommended_restaurants" validate:"dive"`
	RecommendedFoods       []Food             `json:"recommended_foods" validate:"dive"`
	NearbyRestaurants      []RestaurantGoogle `json:"nearby_restaurants" validate:"dive"`
}

// Total returns the number of items across all three buckets.
func (r *AIResponse) Total() int {
	return len(r.RecommendedRestaurants) + len(r.RecommendedFoods) + len(r.NearbyRestaurants)
}

// RecommendationRecord is an AIResponse as stored in the recommendation log.
type RecommendationRecord struct {
	RecordID  string    `json:"_id"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	AIResponse
}

// FoodInput is the catalog data needed to index a food item.
type FoodInput struct {
	Name           string `json:"name" validate:"required"`
	Description    string `json:"description" validate:"required"`
	Category       string `json:"category" validate:"required"`
	NutritionTable string `json:"nutrition_table" validate:"required"`
	Price          *int   `json:"price" validate:"required,gte=0"`
	Restaurant     string `json:"restaurant" validate:"required"`
	DBID           string `json:"db_id" validate:"required"`
}

// RestaurantInput is the catalog data needed to index a restaurant.
type RestaurantInput struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description" validate:"required"`
	Location    string `json:"location" validate:"required"`
	Category    string `json:"category" validate:"required"`
	DBID        string `json:"db_id" validate:"required"`
}
