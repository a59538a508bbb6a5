// Package protocol drives script execution inside pooled containers: it
// formats user source and per-run bindings, runs them through either a
// one-shot exec or the persistent wrapper process, and parses the captured
// output into a structured result.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Syncano/scriptbox/internal/model"
)

// AllowFullAccessKey is the reserved config flag that mints a signed access
// token into META.
const AllowFullAccessKey = "allow_full_access"

// wrapperRequest is the single JSON line sent to a wrapper process on stdin.
type wrapperRequest struct {
	Args            json.RawMessage `json:"ARGS"`
	Config          json.RawMessage `json:"CONFIG"`
	Meta            json.RawMessage `json:"META"`
	OutputSeparator string          `json:"_OUTPUT_SEPARATOR"`
	Timeout         int             `json:"_TIMEOUT"`
}

// NewSeparator returns a unique output separator for one execution.
func NewSeparator() string {
	buf := make([]byte, 16)
	rand.Read(buf)
	return "--scriptbox-" + hex.EncodeToString(buf) + "--"
}

// MergeConfig overlays script config on top of tenant config; script values
// win on key conflicts.
func MergeConfig(tenant, script json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(tenant) > 0 {
		if err := json.Unmarshal(tenant, &merged); err != nil {
			return nil, fmt.Errorf("unmarshal tenant config: %w", err)
		}
	}
	if len(script) > 0 {
		overlay := map[string]any{}
		if err := json.Unmarshal(script, &overlay); err != nil {
			return nil, fmt.Errorf("unmarshal script config: %w", err)
		}
		for k, v := range overlay {
			merged[k] = v
		}
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal merged config: %w", err)
	}
	return out, nil
}

// allowsFullAccess reports whether the merged config sets the reserved
// allow_full_access flag.
func allowsFullAccess(config json.RawMessage) bool {
	if len(config) == 0 {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(config, &fields); err != nil {
		return false
	}
	var flag bool
	if raw, ok := fields[AllowFullAccessKey]; ok {
		if err := json.Unmarshal(raw, &flag); err != nil {
			return false
		}
	}
	return flag
}

// buildWrapperPayload assembles the wrapper request line for one run. When
// the config allows full access, a signed token is injected into META.
func buildWrapperPayload(spec *model.RunSpec, separator, secret string) ([]byte, error) {
	meta := map[string]json.RawMessage{}
	if len(spec.Meta) > 0 {
		if err := json.Unmarshal(spec.Meta, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal meta: %w", err)
		}
	}

	if allowsFullAccess(spec.Config) {
		token, err := SignToken(spec.TenantID, secret, time.Duration(spec.TimeoutS)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("sign access token: %w", err)
		}
		quoted, _ := json.Marshal(token)
		meta["token"] = quoted
	}

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal meta: %w", err)
	}

	req := wrapperRequest{
		Args:            emptyObject(spec.Args),
		Config:          emptyObject(spec.Config),
		Meta:            metaRaw,
		OutputSeparator: separator,
		Timeout:         spec.TimeoutS,
	}

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal wrapper request: %w", err)
	}
	return append(line, '\n'), nil
}

func emptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
