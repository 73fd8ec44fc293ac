package fusion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/goleak"

	"github.com/nezubytes/foodrec/engine/domain"
	"github.com/nezubytes/foodrec/engine/semantic"
	"github.com/nezubytes/foodrec/pkg/ollama"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- Mocks ---

type mockEmbedder struct{ err error }

func (m mockEmbedder) Embed(context.Context, string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{1, 0, 0}, nil
}
func (mockEmbedder) Dimensions() int { return 3 }
func (mockEmbedder) Model() string   { return "mock" }

type mockSearcher struct {
	hits   []semantic.SearchHit
	err    error
	filter semantic.FilterSpec
	topK   int
}

func (m *mockSearcher) Search(_ context.Context, _ []float32, f semantic.FilterSpec, topK int) ([]semantic.SearchHit, error) {
	m.filter, m.topK = f, topK
	return m.hits, m.err
}

type mockPlaces struct {
	res   []domain.RestaurantGoogle
	err   error
	block bool
	query string
}

func (m *mockPlaces) Search(ctx context.Context, q string) ([]domain.RestaurantGoogle, error) {
	m.query = q
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.res, m.err
}

// scriptedArbiter returns outputs in order, repeating the last one.
type scriptedArbiter struct {
	outputs []string
	calls   atomic.Int32
}

func (a *scriptedArbiter) Arbitrate(context.Context, ArbitrationInput) ([]byte, error) {
	n := int(a.calls.Add(1)) - 1
	if n >= len(a.outputs) {
		n = len(a.outputs) - 1
	}
	return []byte(a.outputs[n]), nil
}

type mockAppender struct {
	mu      sync.Mutex
	records []domain.RecommendationRecord
	ctxErrs []error
	err     error
	delay   time.Duration
}

func (m *mockAppender) Append(ctx context.Context, rec domain.RecommendationRecord) (string, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if m.err != nil {
		return "", m.err
	}
	m.records = append(m.records, rec)
	return fmt.Sprintf("rec-%d", len(m.records)), nil
}

func (m *mockAppender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (p *capturePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return nil
}

func restaurantHit(name, location, dbID string, score float32) semantic.SearchHit {
	return semantic.SearchHit{ID: dbID, Score: score, Payload: map[string]any{
		"type": "restaurant", "name": name, "category": "Bengali", "location": location, "db_id": dbID,
	}}
}

func foodHit(name string, price int64, dbID string, score float32) semantic.SearchHit {
	return semantic.SearchHit{ID: dbID, Score: score, Payload: map[string]any{
		"type": "food", "name": name, "category": "Bengali", "restaurant": "Sultan's Dine", "price": price, "db_id": dbID,
	}}
}

func newEngine(s Searcher, p PlaceSearcher, a Arbiter, rec *Recorder) *Engine {
	return New(mockEmbedder{}, s, p, a, rec, Options{ExternalTimeout: 50 * time.Millisecond}, nil, nil)
}

// --- Engine ---

func TestRecommend_MatchingPlaceOnlyInRecommended(t *testing.T) {
	s := &mockSearcher{hits: []semantic.SearchHit{
		restaurantHit("Sultan's Dine", "Dhanmondi, Dhaka", "r-1", 0.9),
		foodHit("Kacchi Biryani", 550, "f-1", 0.8),
	}}
	p := &mockPlaces{res: []domain.RestaurantGoogle{
		{Name: "sultan's  dine", Location: "Dhanmondi,  Dhaka"},
		{Name: "Star Kabab", Location: "Dhanmondi 2, Dhaka"},
	}}

	resp, err := newEngine(s, p, nil, nil).Recommend(context.Background(), Request{QueryText: "biryani"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(resp.RecommendedRestaurants) != 1 || resp.RecommendedRestaurants[0].DBID != "r-1" {
		t.Fatalf("recommended restaurants = %+v", resp.RecommendedRestaurants)
	}
	if len(resp.RecommendedFoods) != 1 || resp.RecommendedFoods[0].Price != 550 {
		t.Fatalf("recommended foods = %+v", resp.RecommendedFoods)
	}
	if len(resp.NearbyRestaurants) != 1 || resp.NearbyRestaurants[0].Name != "Star Kabab" {
		t.Fatalf("nearby = %+v", resp.NearbyRestaurants)
	}
	if p.query != "biryani restaurants in Dhanmondi Dhaka" {
		t.Fatalf("external query = %q", p.query)
	}
}

func TestRecommend_ExternalTimeoutDegrades(t *testing.T) {
	s := &mockSearcher{hits: []semantic.SearchHit{foodHit("Kacchi Biryani", 550, "f-1", 0.8)}}
	p := &mockPlaces{block: true}

	start := time.Now()
	resp, err := newEngine(s, p, nil, nil).Recommend(context.Background(), Request{QueryText: "biryani"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("external search was not bounded by its timeout")
	}
	if resp.NearbyRestaurants == nil || len(resp.NearbyRestaurants) != 0 {
		t.Fatalf("expected empty nearby bucket, got %#v", resp.NearbyRestaurants)
	}
	if len(resp.RecommendedFoods) != 1 {
		t.Fatalf("foods = %+v", resp.RecommendedFoods)
	}
}

func TestRecommend_ExternalErrorDegrades(t *testing.T) {
	s := &mockSearcher{}
	p := &mockPlaces{err: errors.New("quota exceeded")}
	resp, err := newEngine(s, p, nil, nil).Recommend(context.Background(), Request{QueryText: "biryani", Place: "Gulshan"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if len(resp.NearbyRestaurants) != 0 || resp.Total() != 0 {
		t.Fatalf("expected empty response, got %+v", resp)
	}
	if p.query != "biryani restaurants in Gulshan" {
		t.Fatalf("external query = %q", p.query)
	}
}

func TestRecommend_MissingPriceTwiceFails(t *testing.T) {
	bad := `{"query":"biryani","recommended_restaurants":[],"recommended_foods":[{"name":"Kacchi","category":"Bengali","restaurant":"Sultan's Dine","db_id":"f-1"}],"nearby_restaurants":[]}`
	a := &scriptedArbiter{outputs: []string{bad}}

	resp, err := newEngine(&mockSearcher{}, nil, a, nil).Recommend(context.Background(), Request{QueryText: "biryani"})
	if resp != nil {
		t.Fatalf("expected no response, got %+v", resp)
	}
	if !domain.IsKind(err, domain.KindArbitration) {
		t.Fatalf("expected arbitration error, got %v", err)
	}
	if got := a.calls.Load(); got != 2 {
		t.Fatalf("arbiter called %d times, want 2", got)
	}
}

func TestRecommend_RetrySucceeds(t *testing.T) {
	good := `{"query":"ignored","recommended_restaurants":[],"recommended_foods":[{"name":"Kacchi","category":"Bengali","restaurant":"Sultan's Dine","price":550,"db_id":"f-1"}],"nearby_restaurants":[]}`
	a := &scriptedArbiter{outputs: []string{`{"query":`, good}}

	resp, err := newEngine(&mockSearcher{}, nil, a, nil).Recommend(context.Background(), Request{QueryText: "biryani"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if resp.Query != "biryani" {
		t.Fatalf("query = %q, want the request query", resp.Query)
	}
	if len(resp.RecommendedFoods) != 1 || a.calls.Load() != 2 {
		t.Fatalf("unexpected result %+v after %d calls", resp, a.calls.Load())
	}
}

func TestRecommend_RuleArbiterMissingPayloadPrice(t *testing.T) {
	hit := foodHit("Kacchi Biryani", 0, "f-1", 0.8)
	delete(hit.Payload, "price")
	_, err := newEngine(&mockSearcher{hits: []semantic.SearchHit{hit}}, nil, nil, nil).
		Recommend(context.Background(), Request{QueryText: "biryani"})
	if !domain.IsKind(err, domain.KindArbitration) {
		t.Fatalf("expected arbitration error, got %v", err)
	}
}

func TestRecommend_FatalStages(t *testing.T) {
	tests := []struct {
		name string
		emb  mockEmbedder
		s    *mockSearcher
		kind domain.Kind
	}{
		{"embedding", mockEmbedder{err: domain.Errorf(domain.KindEmbedding, errors.New("refused"), "embed")}, &mockSearcher{}, domain.KindEmbedding},
		{"vector store", mockEmbedder{}, &mockSearcher{err: domain.Errorf(domain.KindVectorStore, errors.New("unavailable"), "search")}, domain.KindVectorStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(tt.emb, tt.s, &mockPlaces{block: true}, nil, nil, Options{}, nil, nil)
			resp, err := e.Recommend(context.Background(), Request{QueryText: "biryani"})
			if resp != nil || !domain.IsKind(err, tt.kind) {
				t.Fatalf("got %v, %v; want %s error", resp, err, tt.kind)
			}
		})
	}
}

func TestRecommend_Validation(t *testing.T) {
	neg := -1
	tests := []struct {
		name string
		req  Request
	}{
		{"empty query", Request{QueryText: "  "}},
		{"bad type", Request{QueryText: "x", Type: "drink"}},
		{"negative price", Request{QueryText: "x", MaxPrice: &neg}},
		{"negative top_k", Request{QueryText: "x", TopK: -2}},
		{"top_k over cap", Request{QueryText: "x", TopK: domain.MaxTopK + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &mockSearcher{}
			_, err := newEngine(s, nil, nil, nil).Recommend(context.Background(), tt.req)
			if !domain.IsKind(err, domain.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if s.topK != 0 {
				t.Fatal("search must not run for an invalid request")
			}
		})
	}
}

func TestRecommend_PassesFilterAndTopK(t *testing.T) {
	price := 600
	s := &mockSearcher{}
	_, err := newEngine(s, nil, nil, nil).Recommend(context.Background(), Request{
		QueryText: "biryani", Type: "food", MaxPrice: &price, Category: "Bengali",
	})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if s.topK != 5 {
		t.Fatalf("topK = %d, want default 5", s.topK)
	}
	if s.filter.Type != domain.TypeFood || *s.filter.MaxPrice != 600 || s.filter.Category != "Bengali" || s.filter.Restaurant != "" {
		t.Fatalf("filter = %+v", s.filter)
	}
}

func TestRecommend_RecordsResult(t *testing.T) {
	app := &mockAppender{}
	rec := NewRecorder(app, nil, time.Second, nil, nil)
	s := &mockSearcher{hits: []semantic.SearchHit{foodHit("Kacchi Biryani", 550, "f-1", 0.8)}}

	_, err := newEngine(s, nil, nil, rec).Recommend(context.Background(), Request{QueryText: "biryani", UserID: "u-1", SessionID: "s-1"})
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if err := rec.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if app.count() != 1 {
		t.Fatalf("records = %d", app.count())
	}
	got := app.records[0]
	if got.UserID != "u-1" || got.SessionID != "s-1" || got.Query != "biryani" || len(got.RecommendedFoods) != 1 {
		t.Fatalf("record = %+v", got)
	}
}

// --- Reconcile ---

func TestReconcile_DedupesWithinAndAcrossBuckets(t *testing.T) {
	resp := Reconcile(domain.AIResponse{
		Query: "q",
		RecommendedRestaurants: []domain.Restaurant{
			{Name: "Sultan's Dine", Location: "Dhanmondi", DBID: "r-1"},
			{Name: "SULTAN'S DINE", Location: " dhanmondi ", DBID: "r-2"},
		},
		RecommendedFoods: []domain.Food{{Name: "Kacchi", DBID: "f-1"}, {Name: "Kacchi", DBID: "f-1"}},
		NearbyRestaurants: []domain.RestaurantGoogle{
			{Name: "sultan's dine", Location: "Dhanmondi"},
			{Name: "Star Kabab", Location: "Banani"},
			{Name: "star  kabab", Location: "banani"},
		},
	})
	if len(resp.RecommendedRestaurants) != 1 || resp.RecommendedRestaurants[0].DBID != "r-1" {
		t.Fatalf("restaurants = %+v", resp.RecommendedRestaurants)
	}
	if len(resp.RecommendedFoods) != 1 {
		t.Fatalf("foods = %+v", resp.RecommendedFoods)
	}
	if len(resp.NearbyRestaurants) != 1 || resp.NearbyRestaurants[0].Name != "Star Kabab" {
		t.Fatalf("nearby = %+v", resp.NearbyRestaurants)
	}
}

func TestReconcile_SameNameDifferentLocationKept(t *testing.T) {
	resp := Reconcile(domain.AIResponse{
		RecommendedRestaurants: []domain.Restaurant{{Name: "Sultan's Dine", Location: "Dhanmondi", DBID: "r-1"}},
		NearbyRestaurants:      []domain.RestaurantGoogle{{Name: "Sultan's Dine", Location: "Gulshan"}},
	})
	if len(resp.NearbyRestaurants) != 1 {
		t.Fatalf("branch in another location must stay nearby, got %+v", resp.NearbyRestaurants)
	}
}

func TestReconcile_CapKeepsCatalogFirst(t *testing.T) {
	var in domain.AIResponse
	for i := range 8 {
		in.RecommendedRestaurants = append(in.RecommendedRestaurants, domain.Restaurant{Name: fmt.Sprintf("r%d", i), DBID: fmt.Sprintf("r-%d", i)})
	}
	for i := range 10 {
		in.RecommendedFoods = append(in.RecommendedFoods, domain.Food{Name: fmt.Sprintf("f%d", i), DBID: fmt.Sprintf("f-%d", i)})
	}
	for i := range 10 {
		in.NearbyRestaurants = append(in.NearbyRestaurants, domain.RestaurantGoogle{Name: fmt.Sprintf("n%d", i)})
	}

	out := Reconcile(in)
	if out.Total() != MaxItems {
		t.Fatalf("total = %d, want %d", out.Total(), MaxItems)
	}
	if len(out.RecommendedRestaurants) != 8 || len(out.RecommendedFoods) != 10 || len(out.NearbyRestaurants) != 2 {
		t.Fatalf("bucket sizes %d/%d/%d", len(out.RecommendedRestaurants), len(out.RecommendedFoods), len(out.NearbyRestaurants))
	}
	if out.NearbyRestaurants[0].Name != "n0" || out.NearbyRestaurants[1].Name != "n1" {
		t.Fatalf("nearby order not kept: %+v", out.NearbyRestaurants)
	}
}

func TestReconcile_BucketsNeverNil(t *testing.T) {
	out := Reconcile(domain.AIResponse{Query: "q"})
	if out.RecommendedRestaurants == nil || out.RecommendedFoods == nil || out.NearbyRestaurants == nil {
		t.Fatalf("nil bucket in %#v", out)
	}
	raw, _ := json.Marshal(out)
	want := `{"query":"q","recommended_restaurants":[],"recommended_foods":[],"nearby_restaurants":[]}`
	if string(raw) != want {
		t.Fatalf("got %s", raw)
	}
}

// --- Arbiters ---

func TestRuleArbiter_OutputPassesContract(t *testing.T) {
	raw, err := RuleArbiter{}.Arbitrate(context.Background(), ArbitrationInput{
		Query: "biryani",
		Hits: []semantic.SearchHit{
			restaurantHit("Sultan's Dine", "Dhanmondi", "r-1", 0.9),
			foodHit("Kacchi Biryani", 550, "f-1", 0.8),
		},
	})
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	resp, err := domain.DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v\n%s", err, raw)
	}
	if len(resp.RecommendedRestaurants) != 1 || len(resp.RecommendedFoods) != 1 || resp.NearbyRestaurants == nil {
		t.Fatalf("unexpected response %+v", resp)
	}
}

type mockChat struct {
	messages []ollama.Message
	format   json.RawMessage
	out      string
	err      error
}

func (m *mockChat) Chat(_ context.Context, msgs []ollama.Message, format json.RawMessage) ([]byte, error) {
	m.messages, m.format = msgs, format
	return []byte(m.out), m.err
}

func TestModelArbiter_SendsSchemaAndInputs(t *testing.T) {
	chat := &mockChat{out: `{}`}
	_, err := NewModelArbiter(chat, time.Second).Arbitrate(context.Background(), ArbitrationInput{
		Query:  "biryani",
		Hits:   []semantic.SearchHit{foodHit("Kacchi Biryani", 550, "f-1", 0.8)},
		Nearby: []domain.RestaurantGoogle{{Name: "Star Kabab", Location: "Banani"}},
	})
	if err != nil {
		t.Fatalf("Arbitrate: %v", err)
	}
	if string(chat.format) != domain.ResponseSchema {
		t.Fatal("format must be the response schema")
	}
	if len(chat.messages) != 2 || chat.messages[0].Role != "system" {
		t.Fatalf("messages = %+v", chat.messages)
	}
	user := chat.messages[1].Content
	for _, want := range []string{"biryani", "Kacchi Biryani", "Star Kabab"} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q: %s", want, user)
		}
	}
}

func TestModelArbiter_TransportErrorIsArbitration(t *testing.T) {
	_, err := NewModelArbiter(&mockChat{err: errors.New("connection refused")}, 0).
		Arbitrate(context.Background(), ArbitrationInput{Query: "q"})
	if !domain.IsKind(err, domain.KindArbitration) {
		t.Fatalf("expected arbitration error, got %v", err)
	}
}

// --- Recorder ---

func TestRecorder_DetachedFromRequest(t *testing.T) {
	app := &mockAppender{delay: 20 * time.Millisecond}
	rec := NewRecorder(app, nil, time.Second, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if !rec.Submit(ctx, domain.RecommendationRecord{AIResponse: domain.AIResponse{Query: "q"}}) {
		t.Fatal("Submit refused")
	}
	cancel()
	if err := rec.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if app.count() != 1 || app.ctxErrs[0] != nil {
		t.Fatalf("write must survive request cancellation: records=%d ctxErrs=%v", app.count(), app.ctxErrs)
	}
}

func TestRecorder_RefusesAfterDrain(t *testing.T) {
	rec := NewRecorder(&mockAppender{}, nil, time.Second, nil, nil)
	if err := rec.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if rec.Submit(context.Background(), domain.RecommendationRecord{}) {
		t.Fatal("Submit after Drain must be refused")
	}
}

func TestRecorder_DrainDeadline(t *testing.T) {
	app := &mockAppender{delay: 200 * time.Millisecond}
	rec := NewRecorder(app, nil, time.Second, nil, nil)
	rec.Submit(context.Background(), domain.RecommendationRecord{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := rec.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	// let the write finish so no goroutine outlives the test
	if err := rec.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestRecorder_PublishesEvent(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(&mockAppender{}, pub, time.Second, nil, nil)
	rec.Submit(context.Background(), domain.RecommendationRecord{
		UserID: "u-1",
		AIResponse: domain.AIResponse{
			Query:            "biryani",
			RecommendedFoods: []domain.Food{{Name: "Kacchi", DBID: "f-1"}},
		},
	})
	if err := rec.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(pub.msgs) != 1 || pub.msgs[0].Subject != CreatedSubject {
		t.Fatalf("messages = %+v", pub.msgs)
	}
	var ev CreatedEvent
	if err := json.Unmarshal(pub.msgs[0].Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.RecordID != "rec-1" || ev.UserID != "u-1" || ev.Items != 1 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestRecorder_AppendFailureNotPublished(t *testing.T) {
	pub := &capturePublisher{}
	rec := NewRecorder(&mockAppender{err: errors.New("neo4j down")}, pub, time.Second, nil, nil)
	rec.Submit(context.Background(), domain.RecommendationRecord{})
	if err := rec.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(pub.msgs) != 0 {
		t.Fatal("no event expected after a failed append")
	}
}
