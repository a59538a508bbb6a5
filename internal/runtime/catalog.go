// Package runtime defines the closed catalog of supported script runtimes.
// Each runtime is an immutable descriptor pairing a container image with
// either a direct shell command template or a persistent wrapper bootstrap.
package runtime

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownRuntime is returned by Get for unregistered runtime names. It is
// surfaced as a validation error at the API boundary and never retried.
var ErrUnknownRuntime = errors.New("unknown runtime")

// Container paths for the bind-mounted source (read-only) and scratch
// (read-write) directories.
const (
	SourceMount  = "/app/source"
	ScratchMount = "/app/scratch"
)

// Runtime is an immutable descriptor of one supported language runtime.
// Looked up by name at dispatch time; never mutated.
type Runtime struct {
	Name  string
	Image string
	Ext   string

	// Alias, when non-empty, is the container cache key shared with other
	// runtimes that run on the same image.
	Alias string

	Exec ExecKind
}

// PoolKey returns the container-pool cache key: the alias if present,
// otherwise the image name, so aliased runtimes share one warm container.
func (r Runtime) PoolKey() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Image
}

// catalog is the closed set of registered runtimes.
var catalog = map[string]Runtime{
	"python": {
		Name:  "python",
		Image: "scriptbox/python:3",
		Ext:   "py",
		Exec:  Wrapper{Command: []string{"python3", "-u", SourceMount + "/bootstrap.py"}, Bootstrap: pythonBootstrap},
	},
	"nodejs": {
		Name:  "nodejs",
		Image: "scriptbox/nodejs:lts",
		Alias: "nodejs",
		Ext:   "js",
		Exec:  Direct{Command: "node {source}"},
	},
	// Legacy name kept for compatibility; shares the nodejs container slot.
	"nodejs-lts": {
		Name:  "nodejs-lts",
		Image: "scriptbox/nodejs:lts",
		Alias: "nodejs",
		Ext:   "js",
		Exec:  Direct{Command: "node {source}"},
	},
	"ruby": {
		Name:  "ruby",
		Image: "scriptbox/ruby:3",
		Ext:   "rb",
		Exec:  Direct{Command: "ruby {source}"},
	},
	"golang": {
		Name:  "golang",
		Image: "scriptbox/golang:1",
		Ext:   "go",
		Exec:  Direct{Command: "go run {source}"},
	},
	"shell": {
		Name:  "shell",
		Image: "scriptbox/shell:alpine",
		Ext:   "sh",
		Exec:  Direct{Command: "sh {source}"},
	},
}

// Get looks up a runtime by name.
func Get(name string) (Runtime, error) {
	rt, ok := catalog[name]
	if !ok {
		return Runtime{}, fmt.Errorf("%w: %q", ErrUnknownRuntime, name)
	}
	return rt, nil
}

// Names returns all registered runtime names, sorted for stable API responses.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
