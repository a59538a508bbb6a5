// Package bridge forwards runs to an external execution broker over gRPC.
// The broker exposes a single server-streaming RPC; responses stream back as
// output chunks followed by a final result frame.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// runMethod is the broker's fully qualified RPC name.
const runMethod = "/scriptbox.broker.v1.ScriptRunner/Run"

var runStreamDesc = grpc.StreamDesc{
	StreamName:    "Run",
	ServerStreams: true,
}

// RunRequest describes one run for the broker. Sources are addressed by
// hash; the broker resolves them from shared storage.
type RunRequest struct {
	SourceHash       string     `json:"source_hash"`
	Environment      string     `json:"environment,omitempty"`
	EntryPoint       string     `json:"entry_point"`
	Runtime          string     `json:"runtime"`
	ConcurrencyKey   string     `json:"concurrency_key,omitempty"`
	ConcurrencyLimit int        `json:"concurrency_limit,omitempty"`
	Options          RunOptions `json:"options"`
}

// RunOptions carries per-run resource bounds and payload.
type RunOptions struct {
	TimeoutMS   int64  `json:"timeout_ms,omitempty"`
	MemoryBytes int64  `json:"memory_bytes,omitempty"`
	Config      []byte `json:"config,omitempty"`
	Meta        []byte `json:"meta,omitempty"`
	Args        []byte `json:"args,omitempty"`
}

// Chunk kinds streamed back by the broker.
const (
	ChunkStdout = "stdout"
	ChunkStderr = "stderr"
	ChunkResult = "result"
)

// RunChunk is one streamed response frame. A frame with Final set carries
// the run's exit code and ends the stream.
type RunChunk struct {
	Kind     string `json:"kind"`
	Data     []byte `json:"data,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Final    bool   `json:"final,omitempty"`
}

// Options configures broker call behavior.
type Options struct {
	// Retries is the number of additional attempts after a failed call.
	Retries int
	// Backoff is the pause between attempts.
	Backoff time.Duration
}

// Client calls the broker. Streams that fail before delivering any frame are
// retried; a stream that breaks mid-delivery is surfaced to the caller, since
// the broker may already have executed side effects.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *slog.Logger
	opts   Options
}

// Dial connects to the broker at target.
func Dial(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return conn, nil
}

// NewClient creates a broker client over an established connection.
func NewClient(conn grpc.ClientConnInterface, logger *slog.Logger, opts Options) *Client {
	if opts.Backoff <= 0 {
		opts.Backoff = 500 * time.Millisecond
	}
	return &Client{conn: conn, logger: logger, opts: opts}
}

// Run executes one run on the broker, invoking fn for every streamed chunk
// in order. fn returning an error aborts the stream.
func (c *Client) Run(ctx context.Context, req *RunRequest, fn func(*RunChunk) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying broker run",
				"attempt", attempt, "source_hash", req.SourceHash, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.opts.Backoff):
			}
		}

		delivered, err := c.runOnce(ctx, req, fn)
		if err == nil {
			return nil
		}
		if delivered {
			// Frames reached the caller; a retry would replay side effects.
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("broker run failed after %d attempts: %w", c.opts.Retries+1, lastErr)
}

// runOnce drives one stream, reporting whether any frame was delivered.
func (c *Client) runOnce(ctx context.Context, req *RunRequest, fn func(*RunChunk) error) (bool, error) {
	stream, err := c.conn.NewStream(ctx, &runStreamDesc, runMethod, grpc.CallContentSubtype(codecName))
	if err != nil {
		return false, fmt.Errorf("open run stream: %w", err)
	}

	if err := stream.SendMsg(req); err != nil {
		return false, fmt.Errorf("send run request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return false, fmt.Errorf("close send: %w", err)
	}

	delivered := false
	for {
		chunk := &RunChunk{}
		if err := stream.RecvMsg(chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return delivered, nil
			}
			return delivered, fmt.Errorf("recv run chunk: %w", err)
		}
		if err := fn(chunk); err != nil {
			return true, err
		}
		delivered = true
		if chunk.Final {
			return true, nil
		}
	}
}
