//go:build integration

package reclog

import (
	"context"
	"os"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/nezubytes/foodrec/engine/domain"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	url := os.Getenv("NEO4J_URL")
	if url == "" {
		url = "neo4j://localhost:7687"
	}
	driver, err := neo4j.NewDriverWithContext(url, neo4j.NoAuth())
	if err != nil {
		t.Fatalf("neo4j connect: %v", err)
	}
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		t.Fatalf("neo4j verify: %v", err)
	}
	t.Cleanup(func() {
		sess := driver.NewSession(ctx, neo4j.SessionConfig{})
		sess.Run(ctx, "MATCH (r:Recommendation) DETACH DELETE r", nil)
		sess.Close(ctx)
		driver.Close(ctx)
	})
	l := New(driver)
	if err := l.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return l
}

func TestNeo4j_AppendAndQuery(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	for _, q := range []string{"Spicy biryani", "BIRYANI for two", "pizza"} {
		_, err := l.Append(ctx, domain.RecommendationRecord{
			UserID:     "u-1",
			AIResponse: domain.AIResponse{Query: q, RecommendedFoods: []domain.Food{{Name: "x", Price: 1, DBID: "f"}}},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	page, err := l.Query(ctx, QueryOpts{UserID: "u-1", Query: "biryani", Limit: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 1 || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].CreatedAt.IsZero() || len(page.Items[0].RecommendedFoods) != 1 {
		t.Fatalf("record = %+v", page.Items[0])
	}

	if err := l.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema (idempotent): %v", err)
	}
}
