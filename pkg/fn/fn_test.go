package fn

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestResult(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() {
		t.Fatal("expected ok")
	}
	if v, err := r.Unwrap(); v != 42 || err != nil {
		t.Fatalf("got %v, %v", v, err)
	}

	boom := errors.New("boom")
	e := FromPair(0, boom)
	if !e.IsErr() {
		t.Fatal("expected err")
	}
	if _, err := e.Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if !FromPair("x", nil).IsOk() {
		t.Fatal("expected ok")
	}
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3}, func(context.Context) Result[int] {
		calls++
		if calls < 2 {
			return Err[int](errors.New("flaky"))
		}
		return Ok(calls)
	})
	if v, _ := r.Unwrap(); v != 2 || calls != 2 {
		t.Fatalf("expected success on 2nd attempt, got v=%d calls=%d", v, calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	var retried []int
	last := errors.New("second")
	r := Retry(context.Background(), RetryOpts{
		MaxAttempts: 2,
		OnRetry:     func(attempt int, _ error) { retried = append(retried, attempt) },
	}, func(context.Context) Result[int] {
		calls++
		if calls == 1 {
			return Err[int](errors.New("first"))
		}
		return Err[int](last)
	})
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if _, err := r.Unwrap(); !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Fatalf("unexpected OnRetry calls %v", retried)
	}
}

func TestRetry_RetryIf(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	Retry(context.Background(), RetryOpts{
		MaxAttempts: 5,
		RetryIf:     func(err error) bool { return !errors.Is(err, permanent) },
	}, func(context.Context) Result[int] {
		calls++
		return Err[int](permanent)
	})
	if calls != 1 {
		t.Fatalf("non-retryable error retried: %d calls", calls)
	}
}

func TestRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 3, InitialWait: time.Second}, func(context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestThen(t *testing.T) {
	upper := Stage[string, string](func(_ context.Context, s string) Result[string] {
		return Ok(strings.ToUpper(s))
	})
	length := Stage[string, int](func(_ context.Context, s string) Result[int] {
		return Ok(len(s))
	})
	r := TracedStage("both", Then(upper, length))(context.Background(), "kacchi")
	if v, err := r.Unwrap(); v != 6 || err != nil {
		t.Fatalf("got %v, %v", v, err)
	}

	failing := Stage[string, string](func(context.Context, string) Result[string] {
		return Err[string](errors.New("invalid"))
	})
	called := false
	tail := Stage[string, int](func(context.Context, string) Result[int] {
		called = true
		return Ok(0)
	})
	if r := Then(failing, tail)(context.Background(), "x"); r.IsOk() || called {
		t.Fatal("second stage must not run after a failure")
	}
}

func TestSlices(t *testing.T) {
	got := Map([]int{1, 2, 3}, func(i int) int { return i * 2 })
	if got[2] != 6 {
		t.Fatalf("Map: %v", got)
	}
	even := Filter([]int{1, 2, 3, 4}, func(i int) bool { return i%2 == 0 })
	if len(even) != 2 || even[0] != 2 {
		t.Fatalf("Filter: %v", even)
	}
	if out := Filter([]int{1}, func(int) bool { return false }); out == nil {
		t.Fatal("Filter must not return nil")
	}
	uniq := UniqueBy([]string{"A", "b", "a", "B", "c"}, strings.ToLower)
	if strings.Join(uniq, "") != "Abc" {
		t.Fatalf("UniqueBy: %v", uniq)
	}
}
