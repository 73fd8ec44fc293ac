// Package ingest turns catalog entities into embedded points: it composes
// the descriptive text, embeds it and upserts the point into the typed
// collection.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/engine/embed"
	"github.com/nezubytes/foodrec/engine/semantic"
	"github.com/nezubytes/foodrec/pkg/fn"
)

// VectorWriter is the part of the vector store ingest needs.
type VectorWriter interface {
	Upsert(ctx context.Context, p semantic.Point) (string, error)
}

// FoodDescription is the text embedded for a food item. in must have
// passed validation, so Price is set.
func FoodDescription(in domain.FoodInput) string {
	return fmt.Sprintf("About %s: %s. Category: %s and nutritions are of amount %s. It costs %d taka. It is in Restaurant: %s.",
		in.Name, in.Description, in.Category, in.NutritionTable, *in.Price, in.Restaurant)
}

// RestaurantDescription is the text embedded for a restaurant.
func RestaurantDescription(in domain.RestaurantInput) string {
	return fmt.Sprintf("About %s: %s. Category: %s and It is located in %s",
		in.Name, in.Description, in.Category, in.Location)
}

// document is an entity ready to embed.
type document struct {
	Type    domain.EntityType
	DBID    string
	Text    string
	Payload map[string]any
}

type embeddedDoc struct {
	document
	Vector []float32
}

// PointID derives a stable point id from the entity type and catalog id,
// so re-ingesting an entity replaces its previous point.
func PointID(t domain.EntityType, dbID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(string(t)+":"+dbID)).String()
}

func validate[T any]() fn.Stage[T, T] {
	return func(_ context.Context, in T) fn.Result[T] {
		if err := domain.ValidateStruct(in); err != nil {
			return fn.Err[T](err)
		}
		return fn.Ok(in)
	}
}

var foodDocument fn.Stage[domain.FoodInput, document] = func(_ context.Context, in domain.FoodInput) fn.Result[document] {
	return fn.Ok(document{
		Type: domain.TypeFood,
		DBID: in.DBID,
		Text: FoodDescription(in),
		Payload: map[string]any{
			"name":       in.Name,
			"db_id":      in.DBID,
			"price":      *in.Price,
			"category":   in.Category,
			"restaurant": in.Restaurant,
		},
	})
}

var restaurantDocument fn.Stage[domain.RestaurantInput, document] = func(_ context.Context, in domain.RestaurantInput) fn.Result[document] {
	return fn.Ok(document{
		Type: domain.TypeRestaurant,
		DBID: in.DBID,
		Text: RestaurantDescription(in),
		Payload: map[string]any{
			"name":     in.Name,
			"db_id":    in.DBID,
			"location": in.Location,
			"category": in.Category,
		},
	})
}

func newEmbed(e embed.Embedder) fn.Stage[document, embeddedDoc] {
	return func(ctx context.Context, doc document) fn.Result[embeddedDoc] {
		vec, err := e.Embed(ctx, doc.Text)
		if err != nil {
			return fn.Err[embeddedDoc](err)
		}
		return fn.Ok(embeddedDoc{document: doc, Vector: vec})
	}
}

func newStore(w VectorWriter) fn.Stage[embeddedDoc, string] {
	return func(ctx context.Context, doc embeddedDoc) fn.Result[string] {
		id, err := w.Upsert(ctx, semantic.Point{
			ID:      PointID(doc.Type, doc.DBID),
			Vector:  doc.Vector,
			Type:    doc.Type,
			Payload: doc.Payload,
		})
		return fn.FromPair(id, err)
	}
}

// Service indexes catalog entities. It is safe for concurrent use.
type Service struct {
	food       fn.Stage[domain.FoodInput, string]
	restaurant fn.Stage[domain.RestaurantInput, string]
	log        *slog.Logger
}

// NewService wires the validate → describe → embed → store pipelines.
func NewService(e embed.Embedder, w VectorWriter, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	embedAndStore := fn.Then(
		fn.TracedStage("ingest.embed", newEmbed(e)),
		fn.TracedStage("ingest.store", newStore(w)),
	)
	return &Service{
		food: fn.Then(
			fn.Then(validate[domain.FoodInput](), foodDocument),
			embedAndStore,
		),
		restaurant: fn.Then(
			fn.Then(validate[domain.RestaurantInput](), restaurantDocument),
			embedAndStore,
		),
		log: log,
	}
}

// AddFood indexes a food item and returns its point id.
func (s *Service) AddFood(ctx context.Context, in domain.FoodInput) (string, error) {
	start := time.Now()
	id, err := s.food(ctx, in).Unwrap()
	if err != nil {
		return "", err
	}
	s.log.Info("ingest: food indexed", "point_id", id, "db_id", in.DBID, "duration", time.Since(start))
	return id, nil
}

// AddRestaurant indexes a restaurant and returns its point id.
func (s *Service) AddRestaurant(ctx context.Context, in domain.RestaurantInput) (string, error) {
	start := time.Now()
	id, err := s.restaurant(ctx, in).Unwrap()
	if err != nil {
		return "", err
	}
	s.log.Info("ingest: restaurant indexed", "point_id", id, "db_id", in.DBID, "duration", time.Since(start))
	return id, nil
}
