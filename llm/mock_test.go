package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMockSequencesResponses(t *testing.T) {
	mock := &Mock{Responses: []string{"first", "second"}}
	ctx := context.Background()
	msgs := []Message{{Role: RoleUser, Content: "hi"}}

	for i, want := range []string{"first", "second", "second"} {
		got, err := mock.Complete(ctx, msgs)
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
		if got != want {
			t.Errorf("call %d: got %q, want %q", i, got, want)
		}
	}
	if mock.CallCount() != 3 {
		t.Errorf("expected 3 recorded calls, got %d", mock.CallCount())
	}

	mock.Reset()
	if mock.CallCount() != 0 {
		t.Errorf("expected 0 calls after reset, got %d", mock.CallCount())
	}
	if got, _ := mock.Complete(ctx, msgs); got != "first" {
		t.Errorf("expected sequence rewind after reset, got %q", got)
	}
}

func TestMockErrorInjection(t *testing.T) {
	wantErr := errors.New("api down")
	mock := &Mock{Err: wantErr}

	_, err := mock.Complete(context.Background(), nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected injected error, got %v", err)
	}

	chunks, errs := mock.CompleteStream(context.Background(), nil)
	for range chunks {
		t.Error("expected no chunks on error")
	}
	if err := <-errs; !errors.Is(err, wantErr) {
		t.Fatalf("expected injected error on stream, got %v", err)
	}
}

func TestMockStreamAccumulates(t *testing.T) {
	mock := &Mock{Responses: []string{"three word reply"}}

	chunks, errs := mock.CompleteStream(context.Background(), []Message{{Role: RoleUser, Content: "go"}})
	var sb strings.Builder
	n := 0
	for c := range chunks {
		sb.WriteString(c)
		n++
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}
	if sb.String() != "three word reply" {
		t.Errorf("accumulated %q", sb.String())
	}
	if n < 2 {
		t.Errorf("expected multiple chunks, got %d", n)
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hello"},
		{Role: RoleSystem, Content: "stay factual"},
		{Role: RoleAssistant, Content: "hi"},
	})
	if system != "be terse\n\nstay factual" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 2 || rest[0].Role != RoleUser || rest[1].Role != RoleAssistant {
		t.Errorf("rest = %+v", rest)
	}

	system, rest = SplitSystem(nil)
	if system != "" || len(rest) != 0 {
		t.Errorf("empty input: system=%q rest=%v", system, rest)
	}
}
