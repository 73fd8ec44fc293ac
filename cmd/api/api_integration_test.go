//go:build integration

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/engine/fusion"
	"github.com/nezubytes/foodrec/engine/ingest"
	"github.com/nezubytes/foodrec/engine/reclog"
	"github.com/nezubytes/foodrec/engine/semantic"
	"github.com/nezubytes/foodrec/pkg/config"
	"github.com/nezubytes/foodrec/pkg/metrics"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// liveServer wires the API to a real Qdrant and Neo4j with a constant
// embedder, so results depend on filters only.
func liveServer(t *testing.T) (http.Handler, *fusion.Recorder) {
	t.Helper()
	ctx := context.Background()
	names := semantic.Collections{Food: "it_food", Restaurant: "it_restaurant"}

	store, err := semantic.New(envOr("QDRANT_URL", "localhost:6334"), names, 2)
	if err != nil {
		t.Fatalf("qdrant connect: %v", err)
	}
	if err := store.EnsureCollections(ctx); err != nil {
		t.Fatalf("EnsureCollections: %v", err)
	}

	driver, err := neo4j.NewDriverWithContext(envOr("NEO4J_URL", "neo4j://localhost:7687"), neo4j.NoAuth())
	if err != nil {
		t.Fatalf("neo4j connect: %v", err)
	}
	records := reclog.New(driver)
	if err := records.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	logger := quietLogger()
	recorder := fusion.NewRecorder(records, nil, 5*time.Second, logger, nil)
	emb := fakeEmbedder{}
	s := &server{
		ingest:      ingest.NewService(emb, store, logger),
		embedder:    emb,
		search:      store,
		engine:      fusion.New(emb, store, nil, nil, recorder, fusion.Options{}, logger, nil),
		records:     records,
		collections: names,
		logger:      logger,
		metrics:     metrics.New(),
	}

	t.Cleanup(func() {
		recorder.Drain(ctx)
		store.DeleteCollection(ctx, names.Food)
		store.DeleteCollection(ctx, names.Restaurant)
		store.Close()
		sess := driver.NewSession(ctx, neo4j.SessionConfig{})
		sess.Run(ctx, "MATCH (r:Recommendation {user_id: 'it-user'}) DETACH DELETE r", nil)
		sess.Close(ctx)
		driver.Close(ctx)
	})
	return s.routes(config.ServerConfig{}), recorder
}

func post(t *testing.T, h http.Handler, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPI_IngestSearchRecommend(t *testing.T) {
	h, recorder := liveServer(t)

	foods := []string{
		`{"name":"Kacchi Biryani","description":"Mutton biryani","category":"Bengali","nutrition_table":"850kcal","price":550,"restaurant":"Sultan's Dine","db_id":"it-f-1"}`,
		`{"name":"Royal Platter","description":"Biryani for four","category":"Bengali","nutrition_table":"3000kcal","price":1800,"restaurant":"Sultan's Dine","db_id":"it-f-2"}`,
	}
	for _, body := range foods {
		if rec := post(t, h, "/add-point-food", body); rec.Code != http.StatusOK {
			t.Fatalf("add food: %d %s", rec.Code, rec.Body.String())
		}
	}
	rec := post(t, h, "/add-point-restaurant", `{"name":"Sultan's Dine","description":"Kacchi house","location":"Dhanmondi, Dhaka","category":"Bengali","db_id":"it-r-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add restaurant: %d %s", rec.Code, rec.Body.String())
	}

	rec = post(t, h, "/semantic-search", `{"query_text":"biryani","max_price":600}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d %s", rec.Code, rec.Body.String())
	}
	var sr searchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &sr); err != nil {
		t.Fatal(err)
	}
	if sr.TotalResults != 1 || sr.Results[0].Payload["db_id"] != "it-f-1" {
		t.Fatalf("max_price filter: %+v", sr)
	}

	rec = post(t, h, "/get-recommendation", `{"query_text":"biryani","user_id":"it-user"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("recommend: %d %s", rec.Code, rec.Body.String())
	}
	var resp domain.AIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.RecommendedFoods) != 2 || len(resp.RecommendedRestaurants) != 1 {
		t.Fatalf("recommendation: %+v", resp)
	}

	recorder.Drain(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/recommendations?user_id=it-user", nil)
	list := httptest.NewRecorder()
	h.ServeHTTP(list, req)
	if list.Code != http.StatusOK || !strings.Contains(list.Body.String(), `"total":1`) {
		t.Fatalf("recommendations: %d %s", list.Code, list.Body.String())
	}
}
