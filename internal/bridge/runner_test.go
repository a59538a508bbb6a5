package bridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Syncano/scriptbox/internal/bridge"
	"github.com/Syncano/scriptbox/internal/model"
)

func TestRunnerAssemblesResult(t *testing.T) {
	conn := &fakeConn{streams: []*fakeStream{{
		chunks: []*bridge.RunChunk{
			{Kind: bridge.ChunkStdout, Data: []byte("line one\n")},
			{Kind: bridge.ChunkStderr, Data: []byte("warning\n")},
			{Kind: bridge.ChunkStdout, Data: []byte("line two\n")},
			{Kind: bridge.ChunkResult, ExitCode: 0, Final: true},
		},
	}}}
	runner := bridge.NewRunner(bridge.NewClient(conn, discardLogger(), bridge.Options{}), discardLogger())

	spec := &model.RunSpec{
		Key:              "k1",
		TenantID:         "t1",
		Runtime:          "python",
		Source:           "print('hi')",
		TimeoutS:         30,
		ConcurrencyLimit: 2,
	}
	result, err := runner.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Stdout != "line one\nline two\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if result.Stderr != "warning\n" {
		t.Errorf("Stderr = %q", result.Stderr)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.Response != nil {
		t.Error("unexpected structured response")
	}
}

func TestRunnerRequestFields(t *testing.T) {
	stream := &fakeStream{
		chunks: []*bridge.RunChunk{{Kind: bridge.ChunkResult, ExitCode: 1, Final: true}},
	}
	conn := &fakeConn{streams: []*fakeStream{stream}}
	runner := bridge.NewRunner(bridge.NewClient(conn, discardLogger(), bridge.Options{}), discardLogger())

	spec := &model.RunSpec{
		TenantID:         "t1",
		Runtime:          "nodejs",
		Source:           "console.log(1)",
		TimeoutS:         10,
		ConcurrencyLimit: 4,
		Args:             json.RawMessage(`{"a":1}`),
	}
	result, err := runner.Run(context.Background(), spec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.ExitCode)
	}

	if len(stream.sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(stream.sent))
	}
	req := stream.sent[0]
	if req.SourceHash != bridge.SourceHash(spec.Source) {
		t.Errorf("SourceHash = %q", req.SourceHash)
	}
	if req.Runtime != "nodejs" || req.ConcurrencyKey != "t1" || req.ConcurrencyLimit != 4 {
		t.Errorf("request = %+v", req)
	}
	if req.Options.TimeoutMS != 10000 {
		t.Errorf("TimeoutMS = %d, want 10000", req.Options.TimeoutMS)
	}
	if string(req.Options.Args) != `{"a":1}` {
		t.Errorf("Args = %s", req.Options.Args)
	}
}

func TestRunnerStructuredResponse(t *testing.T) {
	respBody, _ := json.Marshal(&model.Response{Status: 200, ContentType: "text/plain", Content: "ok"})
	conn := &fakeConn{streams: []*fakeStream{{
		chunks: []*bridge.RunChunk{
			{Kind: bridge.ChunkResult, Data: respBody},
			{Kind: bridge.ChunkResult, ExitCode: 0, Final: true},
		},
	}}}
	runner := bridge.NewRunner(bridge.NewClient(conn, discardLogger(), bridge.Options{}), discardLogger())

	result, err := runner.Run(context.Background(), &model.RunSpec{Runtime: "python"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Response == nil || result.Response.Content != "ok" {
		t.Errorf("Response = %+v, want structured content", result.Response)
	}
}

func TestRunnerMissingFinalFrame(t *testing.T) {
	conn := &fakeConn{streams: []*fakeStream{{
		chunks: []*bridge.RunChunk{{Kind: bridge.ChunkStdout, Data: []byte("partial")}},
	}}}
	runner := bridge.NewRunner(bridge.NewClient(conn, discardLogger(), bridge.Options{}), discardLogger())

	if _, err := runner.Run(context.Background(), &model.RunSpec{Runtime: "python"}); err == nil {
		t.Fatal("expected error for stream without final frame")
	}
}

func TestRunnerStreamError(t *testing.T) {
	conn := &fakeConn{streams: []*fakeStream{{
		chunks:  []*bridge.RunChunk{{Kind: bridge.ChunkStdout, Data: []byte("some")}},
		recvErr: errors.New("connection reset"),
	}}}
	runner := bridge.NewRunner(bridge.NewClient(conn, discardLogger(), bridge.Options{}), discardLogger())

	if _, err := runner.Run(context.Background(), &model.RunSpec{Runtime: "python"}); err == nil {
		t.Fatal("expected error for broken stream")
	}
}
