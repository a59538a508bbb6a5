package runtime

import (
	"fmt"
	"strings"
)

// ExecKind selects how a runtime executes user source: a one-shot shell
// command inside the container, or a persistent wrapper process driven by a
// line-based JSON protocol.
type ExecKind interface {
	execKind()
}

// Direct runs the source through a one-shot shell command. Command is a
// template with a {source} placeholder for the mounted source file path.
type Direct struct {
	Command string
}

// Wrapper runs the source through a pre-started interpreter process.
// Command starts the bootstrap inside the container; Bootstrap is the
// bootstrap source written into the source mount.
type Wrapper struct {
	Command   []string
	Bootstrap string
}

func (Direct) execKind()  {}
func (Wrapper) execKind() {}

// SourceFile returns the name of the user source file for this runtime.
func (r Runtime) SourceFile() string {
	return "main." + r.Ext
}

// SourcePath returns the in-container path of the user source file.
func (r Runtime) SourcePath() string {
	return SourceMount + "/" + r.SourceFile()
}

// RenderCommand expands a direct-exec command template for this runtime.
func RenderCommand(template string, sourcePath string) string {
	return strings.ReplaceAll(template, "{source}", sourcePath)
}

// DirectCommand builds the full in-container shell command for a direct-exec
// run: the runtime command under timeout(1) with SIGINT and a force-kill
// grace period, stdout/stderr redirected into the scratch mount, and the
// exit code echoed when the command fails.
func DirectCommand(rt Runtime, timeoutS, graceS int) (string, error) {
	direct, ok := rt.Exec.(Direct)
	if !ok {
		return "", fmt.Errorf("runtime %q is not direct-exec", rt.Name)
	}
	cmd := RenderCommand(direct.Command, rt.SourcePath())
	return fmt.Sprintf("timeout -s INT -k %d %d %s > %s/stdout 2> %s/stderr || echo $?",
		timeoutS+graceS, timeoutS, cmd, ScratchMount, ScratchMount), nil
}
