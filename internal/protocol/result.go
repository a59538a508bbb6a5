package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Syncano/scriptbox/internal/model"
)

// timeoutExitCode is the exit code reported by timeout(1) — and by the
// wrapper's alarm handler — when a script exceeds its wall-clock budget.
const timeoutExitCode = 124

// StatusForExit maps an execution exit code to a terminal trace status.
func StatusForExit(code int) string {
	switch code {
	case 0:
		return model.StatusSuccess
	case timeoutExitCode:
		return model.StatusTimeout
	default:
		return model.StatusFailure
	}
}

// SplitOutput splits captured stdout on the execution's output separator.
// The suffix, when present, is parsed as a [status, content_type, content,
// headers] tuple and becomes the structured response. A malformed suffix
// degrades to an error note appended to stderr rather than failing the run.
func SplitOutput(result *model.Result, separator string) {
	stdout, suffix, found := strings.Cut(result.Stdout, separator)
	if !found {
		return
	}
	result.Stdout = stdout

	resp, err := parseResponse(suffix)
	if err != nil {
		note := fmt.Sprintf("malformed response payload: %v", err)
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += note
		return
	}
	result.Response = resp
}

// parseResponse decodes the 4-tuple printed by the wrapper after the output
// separator.
func parseResponse(suffix string) (*model.Response, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(suffix)), &tuple); err != nil {
		return nil, fmt.Errorf("decode tuple: %w", err)
	}
	if len(tuple) != 4 {
		return nil, fmt.Errorf("tuple has %d elements, want 4", len(tuple))
	}

	resp := &model.Response{}
	if err := json.Unmarshal(tuple[0], &resp.Status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &resp.ContentType); err != nil {
		return nil, fmt.Errorf("decode content type: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &resp.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if len(tuple[3]) > 0 && string(tuple[3]) != "null" {
		if err := json.Unmarshal(tuple[3], &resp.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	return resp, nil
}

// capStreams enforces the per-execution result size budget: stdout is capped
// at the limit, and stderr gets whatever budget remains.
func capStreams(result *model.Result, limit int) {
	if limit <= 0 {
		return
	}
	if len(result.Stdout) > limit {
		result.Stdout = result.Stdout[:limit]
	}
	remaining := limit - len(result.Stdout)
	if len(result.Stderr) > remaining {
		result.Stderr = result.Stderr[:remaining]
	}
}

// limitedBuffer collects stream bytes up to a hard cap, discarding the rest.
type limitedBuffer struct {
	buf   strings.Builder
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
