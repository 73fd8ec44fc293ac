// Package reclog stores served recommendations as :Recommendation nodes in
// Neo4j and pages through them.
package reclog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/nezubytes/foodrec/engine/domain"
)

const (
	MaxLimit     = 500
	DefaultLimit = 50
)

// SortFields lists the properties a query may be ordered by.
var SortFields = []string{"created_at", "query", "user_id", "session_id"}

// result is the part of neo4j.ResultWithContext the log reads.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// runner is the part of a neo4j session the log uses.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

// Log is the recommendation log. Records are only ever created.
type Log struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) runner
	now        func() time.Time
}

// New creates a Log over driver.
func New(driver neo4j.DriverWithContext) *Log {
	return &Log{driver: driver, now: time.Now}
}

func (l *Log) session(ctx context.Context) runner {
	if l.newSession != nil {
		return l.newSession(ctx)
	}
	return &sessionAdapter{sess: l.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

var schema = []string{
	`CREATE CONSTRAINT recommendation_record_id IF NOT EXISTS FOR (r:Recommendation) REQUIRE r.record_id IS UNIQUE`,
	`CREATE INDEX recommendation_created_at IF NOT EXISTS FOR (r:Recommendation) ON (r.created_at)`,
	`CREATE INDEX recommendation_user_id IF NOT EXISTS FOR (r:Recommendation) ON (r.user_id)`,
}

// EnsureSchema creates the record id constraint and lookup indexes.
func (l *Log) EnsureSchema(ctx context.Context) error {
	sess := l.session(ctx)
	defer sess.Close(ctx)

	for _, stmt := range schema {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return domain.Errorf(domain.KindPersistence, err, "ensure schema")
		}
	}
	return nil
}

// Append stores rec under a new record id with a server-side created_at.
// The caller's RecordID and CreatedAt are ignored.
func (l *Log) Append(ctx context.Context, rec domain.RecommendationRecord) (string, error) {
	props, err := toProps(rec)
	if err != nil {
		return "", domain.Errorf(domain.KindPersistence, err, "encode record")
	}
	id := uuid.NewString()
	props["record_id"] = id
	props["created_at"] = l.now().UTC()

	sess := l.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, `CREATE (r:Recommendation $props) RETURN r.record_id AS id`, map[string]any{"props": props})
	if err != nil {
		return "", domain.Errorf(domain.KindPersistence, err, "append recommendation")
	}
	if !res.Next(ctx) {
		if err := res.Err(); err != nil {
			return "", domain.Errorf(domain.KindPersistence, err, "append recommendation")
		}
		return "", domain.Errorf(domain.KindPersistence, nil, "append recommendation: no record created")
	}
	return id, nil
}

func toProps(rec domain.RecommendationRecord) (map[string]any, error) {
	props := map[string]any{"query": rec.Query}
	if rec.UserID != "" {
		props["user_id"] = rec.UserID
	}
	if rec.SessionID != "" {
		props["session_id"] = rec.SessionID
	}
	buckets := map[string]any{
		"recommended_restaurants": nonNil(rec.RecommendedRestaurants),
		"recommended_foods":       nonNil(rec.RecommendedFoods),
		"nearby_restaurants":      nonNil(rec.NearbyRestaurants),
	}
	for k, v := range buckets {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		props[k] = string(b)
	}
	return props, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// QueryOpts selects and orders records. Empty filters impose no predicate.
type QueryOpts struct {
	UserID    string
	SessionID string
	Query     string // case-insensitive substring of the stored query
	Limit     int
	Skip      int
	SortBy    string
	SortOrder string
}

// Validate fills SortBy and SortOrder defaults and checks the bounds.
func (o *QueryOpts) Validate() error {
	if o.SortBy == "" {
		o.SortBy = "created_at"
	}
	if o.SortOrder == "" {
		o.SortOrder = "desc"
	}
	if o.Limit < 1 || o.Limit > MaxLimit {
		return domain.NewValidationError("limit", strconv.Itoa(o.Limit), domain.ErrInvalidValue)
	}
	if o.Skip < 0 {
		return domain.NewValidationError("skip", strconv.Itoa(o.Skip), domain.ErrInvalidValue)
	}
	if !validSortField(o.SortBy) {
		return domain.NewValidationError("sort_by", o.SortBy, domain.ErrInvalidValue)
	}
	if o.SortOrder != "asc" && o.SortOrder != "desc" {
		return domain.NewValidationError("sort_order", o.SortOrder, domain.ErrInvalidValue)
	}
	return nil
}

func validSortField(f string) bool {
	for _, s := range SortFields {
		if s == f {
			return true
		}
	}
	return false
}

// Page is one page of query results.
type Page struct {
	Items   []domain.RecommendationRecord
	Total   int
	HasMore bool
}

// where builds the predicate clause and its parameters.
func (o QueryOpts) where() (string, map[string]any) {
	var conds []string
	params := map[string]any{}
	if o.UserID != "" {
		conds = append(conds, "r.user_id = $user_id")
		params["user_id"] = o.UserID
	}
	if o.SessionID != "" {
		conds = append(conds, "r.session_id = $session_id")
		params["session_id"] = o.SessionID
	}
	if o.Query != "" {
		conds = append(conds, "toLower(r.query) CONTAINS toLower($query)")
		params["query"] = o.Query
	}
	if len(conds) == 0 {
		return "", params
	}
	return " WHERE " + strings.Join(conds, " AND "), params
}

// Query returns the page of records matching opts and the total count.
func (l *Log) Query(ctx context.Context, opts QueryOpts) (*Page, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	where, params := opts.where()

	sess := l.session(ctx)
	defer sess.Close(ctx)

	res, err := sess.Run(ctx, "MATCH (r:Recommendation)"+where+" RETURN count(r) AS total", params)
	if err != nil {
		return nil, domain.Errorf(domain.KindPersistence, err, "count recommendations")
	}
	var total int64
	if res.Next(ctx) {
		total, _, err = neo4j.GetRecordValue[int64](res.Record(), "total")
		if err != nil {
			return nil, domain.Errorf(domain.KindPersistence, err, "count recommendations")
		}
	} else if err := res.Err(); err != nil {
		return nil, domain.Errorf(domain.KindPersistence, err, "count recommendations")
	}

	// sort field and direction are whitelisted by Validate.
	cypher := fmt.Sprintf("MATCH (r:Recommendation)%s RETURN r ORDER BY r.%s %s SKIP $skip LIMIT $limit",
		where, opts.SortBy, strings.ToUpper(opts.SortOrder))
	params["skip"] = opts.Skip
	params["limit"] = opts.Limit

	res, err = sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, domain.Errorf(domain.KindPersistence, err, "query recommendations")
	}
	items := []domain.RecommendationRecord{}
	for res.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[dbtype.Node](res.Record(), "r")
		if err != nil {
			return nil, domain.Errorf(domain.KindPersistence, err, "read recommendation")
		}
		rec, err := fromProps(node.Props)
		if err != nil {
			return nil, domain.Errorf(domain.KindPersistence, err, "decode recommendation")
		}
		items = append(items, rec)
	}
	if err := res.Err(); err != nil {
		return nil, domain.Errorf(domain.KindPersistence, err, "query recommendations")
	}

	return &Page{
		Items:   items,
		Total:   int(total),
		HasMore: opts.Skip+opts.Limit < int(total),
	}, nil
}

func fromProps(props map[string]any) (domain.RecommendationRecord, error) {
	rec := domain.RecommendationRecord{
		RecordID:  str(props, "record_id"),
		UserID:    str(props, "user_id"),
		SessionID: str(props, "session_id"),
	}
	rec.Query = str(props, "query")
	if t, ok := props["created_at"].(time.Time); ok {
		rec.CreatedAt = t
	}

	rec.RecommendedRestaurants = []domain.Restaurant{}
	rec.RecommendedFoods = []domain.Food{}
	rec.NearbyRestaurants = []domain.RestaurantGoogle{}
	for key, dst := range map[string]any{
		"recommended_restaurants": &rec.RecommendedRestaurants,
		"recommended_foods":       &rec.RecommendedFoods,
		"nearby_restaurants":      &rec.NearbyRestaurants,
	} {
		raw := str(props, key)
		if raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return rec, fmt.Errorf("%s: %w", key, err)
		}
	}
	return rec, nil
}

func str(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}
