package bridge

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Syncano/scriptbox/internal/model"
)

// Runner adapts the broker client to the dispatcher's runner interface,
// assembling the streamed chunks into one result.
type Runner struct {
	client *Client
	logger *slog.Logger
}

// NewRunner wraps a broker client.
func NewRunner(client *Client, logger *slog.Logger) *Runner {
	return &Runner{client: client, logger: logger}
}

// Run forwards one spec to the broker and collects its output.
func (r *Runner) Run(ctx context.Context, spec *model.RunSpec) (*model.Result, error) {
	req := &RunRequest{
		SourceHash:       SourceHash(spec.Source),
		Runtime:          spec.Runtime,
		ConcurrencyKey:   spec.TenantID,
		ConcurrencyLimit: spec.ConcurrencyLimit,
		Options: RunOptions{
			TimeoutMS: int64(spec.TimeoutS) * 1000,
			Config:    spec.Config,
			Meta:      spec.Meta,
			Args:      spec.Args,
		},
	}

	var stdout, stderr bytes.Buffer
	var response *model.Response
	exitCode := 0
	sawFinal := false

	err := r.client.Run(ctx, req, func(chunk *RunChunk) error {
		switch chunk.Kind {
		case ChunkStdout:
			stdout.Write(chunk.Data)
		case ChunkStderr:
			stderr.Write(chunk.Data)
		case ChunkResult:
			// Result frames without a body only carry the exit code.
			if len(chunk.Data) > 0 {
				resp := &model.Response{}
				if err := json.Unmarshal(chunk.Data, resp); err != nil {
					return fmt.Errorf("decode response chunk: %w", err)
				}
				response = resp
			}
		default:
			r.logger.Warn("unknown broker chunk kind", "kind", chunk.Kind)
		}
		if chunk.Final {
			exitCode = chunk.ExitCode
			sawFinal = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !sawFinal {
		return nil, fmt.Errorf("broker stream ended without a final frame")
	}

	return &model.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Response: response,
	}, nil
}

// SourceHash addresses a script body for broker-side resolution.
func SourceHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
