package dispatch_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Syncano/scriptbox/internal/dispatch"
	"github.com/Syncano/scriptbox/internal/model"
)

func TestResultsPublishRaw(t *testing.T) {
	client, _ := newTestRedis(t)
	results := dispatch.NewResults(client)
	ctx := context.Background()

	ch, cancel, err := results.Subscribe(ctx, "run-1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	want := &model.Result{Stdout: "hello", ExitCode: 0}
	if err := results.Publish(ctx, "run-1", want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-ch:
		if payload.Structured {
			t.Error("raw result flagged as structured")
		}
		got := &model.Result{}
		if err := json.Unmarshal(payload.Data, got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if got.Stdout != "hello" || got.ExitCode != 0 {
			t.Errorf("got result %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestResultsPublishStructuredResponse(t *testing.T) {
	client, _ := newTestRedis(t)
	results := dispatch.NewResults(client)
	ctx := context.Background()

	ch, cancel, err := results.Subscribe(ctx, "run-2")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()

	result := &model.Result{
		Stdout: "ignored",
		Response: &model.Response{
			Status:      201,
			ContentType: "application/json",
			Content:     `{"ok":true}`,
		},
	}
	if err := results.Publish(ctx, "run-2", result); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case payload := <-ch:
		if !payload.Structured {
			t.Error("structured response flagged as raw")
		}
		got := &model.Response{}
		if err := json.Unmarshal(payload.Data, got); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if got.Status != 201 || got.ContentType != "application/json" {
			t.Errorf("got response %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}
