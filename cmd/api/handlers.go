package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/engine/embed"
	"github.com/nezubytes/foodrec/engine/fusion"
	"github.com/nezubytes/foodrec/engine/reclog"
	"github.com/nezubytes/foodrec/engine/semantic"
	"github.com/nezubytes/foodrec/pkg/config"
	"github.com/nezubytes/foodrec/pkg/fn"
	"github.com/nezubytes/foodrec/pkg/metrics"
	"github.com/nezubytes/foodrec/pkg/mid"
)

const (
	defaultSearchTopK = 10
	maxBodyBytes      = 1 << 20
)

type catalogIngester interface {
	AddFood(ctx context.Context, in domain.FoodInput) (string, error)
	AddRestaurant(ctx context.Context, in domain.RestaurantInput) (string, error)
}

type recommender interface {
	Recommend(ctx context.Context, req fusion.Request) (*domain.AIResponse, error)
}

type recordQuerier interface {
	Query(ctx context.Context, opts reclog.QueryOpts) (*reclog.Page, error)
}

// server holds the handlers' dependencies.
type server struct {
	ingest      catalogIngester
	embedder    embed.Embedder
	search      fusion.Searcher
	engine      recommender
	records     recordQuerier
	collections semantic.Collections
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func (s *server) routes(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, mid.Logger(s.logger, s.metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
	}

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Post("/add-point-food", s.handleAddFood)
	r.Post("/add-point-restaurant", s.handleAddRestaurant)
	r.Post("/semantic-search", s.handleSemanticSearch)
	r.Post("/get-recommendation", s.handleRecommend)
	r.Get("/recommendations", s.handleRecommendations)
	return mid.Chain(r, mid.OTel("foodrec-api"), mid.Recover(s.logger))
}

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Recommendation service is running"})
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Ingest ---

type pointResponse struct {
	Message string `json:"message"`
	PointID string `json:"point_id"`
}

func (s *server) handleAddFood(w http.ResponseWriter, r *http.Request) {
	q := params{v: r.URL.Query()}
	in := domain.FoodInput{
		Name:           q.str("name"),
		Description:    q.str("description"),
		Category:       q.str("category"),
		NutritionTable: q.str("nutrition_table"),
		Price:          q.intPtr("price"),
		Restaurant:     q.str("restaurant"),
		DBID:           q.str("db_id"),
	}
	if err := decodeInput(r, q, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.ingest.AddFood(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pointResponse{
		Message: fmt.Sprintf("%s has been created in %s", id, s.collections.Food),
		PointID: id,
	})
}

func (s *server) handleAddRestaurant(w http.ResponseWriter, r *http.Request) {
	q := params{v: r.URL.Query()}
	in := domain.RestaurantInput{
		Name:        q.str("name"),
		Description: q.str("description"),
		Location:    q.str("location"),
		Category:    q.str("category"),
		DBID:        q.str("db_id"),
	}
	if err := decodeInput(r, q, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.ingest.AddRestaurant(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pointResponse{
		Message: fmt.Sprintf("%s has been created in %s", id, s.collections.Restaurant),
		PointID: id,
	})
}

// --- Search ---

type searchRequest struct {
	QueryText  string `json:"query_text"`
	TopK       int    `json:"top_k"`
	Type       string `json:"type"`
	MaxPrice   *int   `json:"max_price"`
	Restaurant string `json:"restaurant"`
	Category   string `json:"category"`
}

type searchResponse struct {
	Results        []semantic.SearchHit `json:"results"`
	TotalResults   int                  `json:"total_results"`
	Query          string               `json:"query"`
	FiltersApplied map[string]any       `json:"filters_applied"`
}

func (s *server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	q := params{v: r.URL.Query()}
	req := searchRequest{
		QueryText:  q.str("query_text"),
		TopK:       q.int("top_k", defaultSearchTopK),
		Type:       q.str("type"),
		MaxPrice:   q.intPtr("max_price"),
		Restaurant: q.str("restaurant"),
		Category:   q.str("category"),
	}
	if err := decodeInput(r, q, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := domain.ValidateSearch(domain.SearchParams{
		QueryText: req.QueryText,
		Type:      req.Type,
		MaxPrice:  req.MaxPrice,
		TopK:      req.TopK,
	})
	if err == nil && req.TopK == 0 {
		err = domain.NewValidationError("top_k", "0", domain.ErrInvalidValue)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	vec, err := s.embedder.Embed(r.Context(), req.QueryText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter := semantic.BuildFilter(req.Type, req.MaxPrice, req.Restaurant, req.Category)
	hits, err := s.search.Search(r.Context(), vec, filter, req.TopK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, searchResponse{
		Results:        fn.Map(hits, semantic.SearchHit.Rounded),
		TotalResults:   len(hits),
		Query:          req.QueryText,
		FiltersApplied: filter.Applied(),
	})
}

// --- Recommendation ---

type recommendRequest struct {
	QueryText  string `json:"query_text"`
	Types      string `json:"types"`
	MaxPrice   *int   `json:"max_price"`
	Restaurant string `json:"restaurant"`
	Category   string `json:"category"`
	Place      string `json:"place"`
	TopK       int    `json:"top_k"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
}

func (s *server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	q := params{v: r.URL.Query()}
	req := recommendRequest{
		QueryText:  q.str("query_text"),
		Types:      q.str("types"),
		MaxPrice:   q.intPtr("max_price"),
		Restaurant: q.str("restaurant"),
		Category:   q.str("category"),
		Place:      q.str("place"),
		TopK:       q.int("top_k", 0),
		UserID:     q.str("user_id"),
		SessionID:  q.str("session_id"),
	}
	if err := decodeInput(r, q, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.engine.Recommend(r.Context(), fusion.Request{
		QueryText:  req.QueryText,
		Type:       req.Types,
		MaxPrice:   req.MaxPrice,
		Restaurant: req.Restaurant,
		Category:   req.Category,
		Place:      req.Place,
		TopK:       req.TopK,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Recommendation log ---

type pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Skip    int  `json:"skip"`
	HasMore bool `json:"has_more"`
}

type recordsResponse struct {
	Success        bool                          `json:"success"`
	Data           []domain.RecommendationRecord `json:"data"`
	Pagination     pagination                    `json:"pagination"`
	FiltersApplied map[string]any                `json:"filters_applied"`
}

func (s *server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	q := params{v: r.URL.Query()}
	opts := reclog.QueryOpts{
		UserID:    q.str("user_id"),
		SessionID: q.str("session_id"),
		Query:     q.str("query_text"),
		Limit:     q.int("limit", reclog.DefaultLimit),
		Skip:      q.int("skip", 0),
		SortBy:    q.str("sort_by"),
		SortOrder: q.str("sort_order"),
	}
	if q.err != nil {
		s.writeError(w, r, q.err)
		return
	}
	if err := opts.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	page, err := s.records.Query(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordsResponse{
		Success: true,
		Data:    page.Items,
		Pagination: pagination{
			Total:   page.Total,
			Limit:   opts.Limit,
			Skip:    opts.Skip,
			HasMore: page.HasMore,
		},
		FiltersApplied: map[string]any{
			"user_id":    nullable(opts.UserID),
			"session_id": nullable(opts.SessionID),
			"query_text": nullable(opts.Query),
			"sort_by":    opts.SortBy,
			"sort_order": opts.SortOrder,
		},
	})
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// --- Decoding ---

// params reads typed query parameters, keeping the first parse failure.
type params struct {
	v   url.Values
	err error
}

func (p *params) str(key string) string { return p.v.Get(key) }

func (p *params) int(key string, def int) int {
	raw := p.v.Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		if p.err == nil {
			p.err = domain.NewValidationError(key, raw, domain.ErrInvalidValue)
		}
		return def
	}
	return n
}

func (p *params) intPtr(key string) *int {
	if p.v.Get(key) == "" {
		return nil
	}
	n := p.int(key, 0)
	return &n
}

// decodeInput reports any query parameter error, then overlays a JSON body
// onto dst. Fields present in the body win over query parameters.
func decodeInput(r *http.Request, q params, dst any) error {
	if q.err != nil {
		return q.err
	}
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return domain.Errorf(domain.KindValidation, err, "read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return domain.Errorf(domain.KindValidation, err, "invalid JSON body")
	}
	return nil
}

// --- Responses ---

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusFor maps an error kind to its HTTP status and public message.
func statusFor(kind domain.Kind) (int, string) {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest, ""
	case domain.KindEmbedding:
		return http.StatusBadGateway, "embedding service unavailable"
	case domain.KindVectorStore:
		return http.StatusServiceUnavailable, "vector store unavailable"
	case domain.KindArbitration:
		return http.StatusInternalServerError, "could not produce a valid recommendation"
	case domain.KindPersistence:
		return http.StatusInternalServerError, "recommendation log unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status, msg := statusFor(kind)
	if kind == domain.KindValidation {
		var de *domain.Error
		if errors.As(err, &de) {
			msg = de.Msg
		}
		s.logger.Info("request rejected", "path", r.URL.Path, "err", err)
	} else {
		s.logger.Error("request failed", "path", r.URL.Path, "kind", kind, "err", err)
	}
	if kind == "" {
		kind = "internal"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: string(kind), Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
