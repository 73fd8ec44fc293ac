// Package semantic owns the typed vector collections: collection lifecycle,
// point upserts and filtered nearest-neighbour search over Qdrant.
package semantic

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nezubytes/foodrec/engine/domain"
)

// pointsAPI is the subset of pb.PointsClient the store uses.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Search(ctx context.Context, in *pb.SearchPoints, opts ...grpc.CallOption) (*pb.SearchResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient the store uses.
type collectionsAPI interface {
	CollectionExists(ctx context.Context, in *pb.CollectionExistsRequest, opts ...grpc.CallOption) (*pb.CollectionExistsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// Store is the sole owner of all Qdrant operations. It is safe for
// concurrent use; the gRPC connection is shared by all callers.
type Store struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	names       Collections
	dim         int
}

// New creates a Store connected to Qdrant at the given gRPC address.
func New(addr string, names Collections, dim int) (*Store, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("semantic: dial qdrant %s: %w", addr, err)
	}
	s := NewWithClients(pb.NewPointsClient(conn), pb.NewCollectionsClient(conn), names, dim)
	s.conn = conn
	return s, nil
}

// NewWithClients builds a Store over pre-built clients.
func NewWithClients(points pointsAPI, collections collectionsAPI, names Collections, dim int) *Store {
	return &Store{points: points, collections: collections, names: names, dim: dim}
}

// Close closes the underlying gRPC connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Dimensions returns the vector size every point must have.
func (s *Store) Dimensions() int { return s.dim }

// EnsureCollections makes sure both typed collections exist.
func (s *Store) EnsureCollections(ctx context.Context) error {
	for _, t := range domain.EntityTypes {
		if err := s.EnsureCollection(ctx, s.names.name(t), s.dim); err != nil {
			return err
		}
	}
	return nil
}

// EnsureCollection creates a cosine collection of the given size unless it
// already exists. Only a "does not exist" answer leads to creation.
func (s *Store) EnsureCollection(ctx context.Context, name string, dim int) error {
	exists, err := s.exists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err == nil {
		return nil
	}

	// Another process may have won the race between our check and create.
	if again, checkErr := s.exists(ctx, name); checkErr == nil && again {
		return nil
	}
	return domain.Errorf(domain.KindVectorStore, err, "create collection %s", name)
}

func (s *Store) exists(ctx context.Context, name string) (bool, error) {
	resp, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: name})
	if err != nil {
		return false, domain.Errorf(domain.KindVectorStore, err, "check collection %s", name)
	}
	return resp.GetResult().GetExists(), nil
}

// DeleteCollection drops a collection. Used by integration tests.
func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if _, err := s.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: name}); err != nil {
		return domain.Errorf(domain.KindVectorStore, err, "delete collection %s", name)
	}
	return nil
}

// Upsert writes p into its typed collection, replacing any point with the
// same id. A UUID is assigned when p.ID is empty. Returns the point id.
func (s *Store) Upsert(ctx context.Context, p Point) (string, error) {
	if !p.Type.Valid() {
		return "", domain.NewValidationError("type", string(p.Type), domain.ErrInvalidValue)
	}
	if len(p.Vector) != s.dim {
		return "", domain.Errorf(domain.KindVectorStore, domain.ErrDimension,
			"point has %d dimensions, collection expects %d", len(p.Vector), s.dim)
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return "", domain.NewValidationError("id", id, domain.ErrInvalidValue)
	}

	payload := make(map[string]*pb.Value, len(p.Payload)+1)
	for k, val := range p.Payload {
		payload[k] = toValue(val)
	}
	payload["type"] = toValue(string(p.Type))

	wait := true
	coll := s.names.name(p.Type)
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: coll,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: id},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: p.Vector},
				},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return "", domain.Errorf(domain.KindVectorStore, err, "upsert into %s", coll)
	}
	return id, nil
}

// Search returns at most topK hits satisfying filter, by descending score.
// Without a type predicate both collections are searched; hits are merged
// restaurant-first, food-second, in the order Qdrant returned them, then
// stably sorted, so equal scores keep that order.
func (s *Store) Search(ctx context.Context, vector []float32, filter FilterSpec, topK int) ([]SearchHit, error) {
	if topK <= 0 {
		return nil, domain.NewValidationError("top_k", fmt.Sprint(topK), domain.ErrInvalidValue)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, domain.NewValidationError("type", string(filter.Type), domain.ErrInvalidValue)
	}

	types := domain.EntityTypes
	if filter.Type != "" {
		types = []domain.EntityType{filter.Type}
	}

	perType := make([][]SearchHit, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range types {
		g.Go(func() error {
			hits, err := s.searchCollection(gctx, s.names.name(t), vector, filter, topK)
			perType[i] = hits
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []SearchHit
	for _, hits := range perType {
		merged = append(merged, hits...)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK {
		merged = merged[:topK]
	}
	if merged == nil {
		merged = []SearchHit{}
	}
	return merged, nil
}

func (s *Store) searchCollection(ctx context.Context, coll string, vector []float32, filter FilterSpec, topK int) ([]SearchHit, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: coll,
		Vector:         vector,
		Filter:         filter.qdrantFilter(),
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, domain.Errorf(domain.KindVectorStore, err, "search %s", coll)
	}

	hits := make([]SearchHit, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		payload := make(map[string]any, len(r.GetPayload()))
		for k, v := range r.GetPayload() {
			payload[k] = fromValue(v)
		}
		if !filter.Matches(payload) {
			continue
		}
		hits = append(hits, SearchHit{
			ID:      pointID(r.GetId()),
			Score:   r.GetScore(),
			Payload: payload,
		})
	}
	return hits, nil
}

func pointID(id *pb.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprint(id.GetNum())
}

func toValue(val any) *pb.Value {
	switch tv := val.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromValue(v *pb.Value) any {
	switch k := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return k.StringValue
	case *pb.Value_IntegerValue:
		return k.IntegerValue
	case *pb.Value_DoubleValue:
		return k.DoubleValue
	case *pb.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}
