// Package actions owns the approval-gated tool lifecycle: proposals
// become pending actions, user decisions move them through the state
// machine, approvals execute in a sandboxed subprocess, and every
// transition lands in the actions audit log so state survives restarts.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/toutatis-dev/huddle/internal/observability"
	"github.com/toutatis-dev/huddle/pkg/models"
)

// DefaultExecTimeout bounds one tool subprocess.
const DefaultExecTimeout = 60 * time.Second

// outputPreviewLimit caps the stored output preview in bytes.
const outputPreviewLimit = 2048

// defaultSearchResults caps search_text hits per file when the proposal
// does not say.
const defaultSearchResults = 50

// Executable vetting patterns. Tool processes are spawned from argv
// with no shell, so the checks target the executable value itself.
var (
	shellMetachars = regexp.MustCompile("[;&|`$<>]")
	controlChars   = regexp.MustCompile(`[\r\n]`)
	quoteChars     = regexp.MustCompile(`["']`)
	bareNameChars  = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// PathError reports a filesystem argument that resolved outside every
// allowed root.
type PathError struct {
	Path string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path %q is outside base_dir and the registered tool paths", e.Path)
}

// ErrUnsafeExecutable rejects run_command values that could smuggle
// shell syntax or options.
var ErrUnsafeExecutable = errors.New("unsafe executable value")

// Runner executes approved actions as argv subprocesses. Filesystem
// arguments must resolve inside the base directory or a registered
// tool path; output is captured from both streams and truncated to a
// bounded preview.
type Runner struct {
	mu        sync.RWMutex
	baseDir   string
	toolPaths []string

	timeout time.Duration
	logger  *observability.Logger
}

// NewRunner builds a runner rooted at baseDir. A non-positive timeout
// selects DefaultExecTimeout.
func NewRunner(baseDir string, timeout time.Duration, logger *observability.Logger) *Runner {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		abs = filepath.Clean(baseDir)
	}
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Runner{
		baseDir: abs,
		timeout: timeout,
		logger:  logger.WithFields("component", "actions"),
	}
}

// AddToolPath registers an extra allowed root. The path is resolved to
// absolute form; duplicates are ignored. Returns the resolved path.
func (r *Runner) AddToolPath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("tool path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve tool path: %w", err)
	}
	abs = filepath.Clean(abs)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.toolPaths {
		if p == abs {
			return abs, nil
		}
	}
	r.toolPaths = append(r.toolPaths, abs)
	return abs, nil
}

// RemoveToolPath unregisters a root added with AddToolPath. The base
// directory cannot be removed.
func (r *Runner) RemoveToolPath(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	abs = filepath.Clean(abs)

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.toolPaths {
		if p == abs {
			r.toolPaths = append(r.toolPaths[:i], r.toolPaths[i+1:]...)
			return true
		}
	}
	return false
}

// AllowedRoots returns the base directory followed by the registered
// tool paths.
func (r *Runner) AllowedRoots() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roots := make([]string, 0, len(r.toolPaths)+1)
	roots = append(roots, r.baseDir)
	roots = append(roots, r.toolPaths...)
	return roots
}

// BaseDir returns the primary allowed root.
func (r *Runner) BaseDir() string { return r.baseDir }

// resolvePath makes p absolute (relative paths are anchored at the base
// directory), cleans it, and enforces containment in an allowed root.
func (r *Runner) resolvePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("path must not be empty")
	}
	if strings.ContainsRune(p, 0) {
		return "", &PathError{Path: p}
	}
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(r.baseDir, abs)
	}
	abs = filepath.Clean(abs)

	for _, root := range r.AllowedRoots() {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", &PathError{Path: p}
}

// sanitizeExecutable vets a run_command executable value: no shell
// metacharacters, quotes, control characters, null bytes, or leading
// dashes; bare names are restricted to a safe character set. Paths are
// allowed as-is once they pass the character checks.
func sanitizeExecutable(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty command", ErrUnsafeExecutable)
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", fmt.Errorf("%w: null byte", ErrUnsafeExecutable)
	}
	if controlChars.MatchString(trimmed) {
		return "", fmt.Errorf("%w: control characters", ErrUnsafeExecutable)
	}
	if shellMetachars.MatchString(trimmed) {
		return "", fmt.Errorf("%w: shell metacharacters", ErrUnsafeExecutable)
	}
	if quoteChars.MatchString(trimmed) {
		return "", fmt.Errorf("%w: quote characters", ErrUnsafeExecutable)
	}
	if looksLikePath(trimmed) {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "-") {
		return "", fmt.Errorf("%w: leading dash", ErrUnsafeExecutable)
	}
	if !bareNameChars.MatchString(trimmed) {
		return "", fmt.Errorf("%w: invalid characters in bare name", ErrUnsafeExecutable)
	}
	return trimmed, nil
}

func looksLikePath(value string) bool {
	return strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") ||
		strings.ContainsAny(value, `/\`)
}

// Execute runs one approved action and always returns a result; every
// failure mode is captured in the result rather than a Go error so the
// outcome can be audited uniformly.
func (r *Runner) Execute(ctx context.Context, action *models.ToolAction) *models.ActionResult {
	argv, stdin, err := r.argvFor(action)
	if err != nil {
		return &models.ActionResult{ExitCode: -1, Err: err.Error()}
	}

	timeout := r.timeout
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	cmd.Dir = r.baseDir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	runErr := cmd.Run()
	res := &models.ActionResult{DurationMS: time.Since(start).Milliseconds()}

	raw := output.Bytes()
	if len(raw) > outputPreviewLimit {
		raw = raw[:outputPreviewLimit]
		res.Truncated = true
	}
	res.Output = strings.ToValidUTF8(string(raw), string(utf8.RuneError))

	switch {
	case runErr == nil:
		res.ExitCode = 0
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Err = fmt.Sprintf("timed out after %s", timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
			res.Err = runErr.Error()
		}
	}

	r.logger.Debug(ctx, "tool executed",
		"action_id", action.ActionID,
		"tool", action.Tool,
		"exit_code", res.ExitCode,
		"duration_ms", res.DurationMS,
		"truncated", res.Truncated)
	return res
}

// argvFor maps a tool invocation onto a fixed argv form. Declared path
// arguments are containment-checked here; run_command only vets its
// executable since its arguments are opaque strings, not paths.
func (r *Runner) argvFor(action *models.ToolAction) (argv []string, stdin string, err error) {
	args := action.Inputs
	switch action.Tool {
	case "read_file":
		path, err := r.resolvePath(stringArg(args, "path"))
		if err != nil {
			return nil, "", err
		}
		start, hasStart := intArg(args, "startLine")
		end, hasEnd := intArg(args, "endLine")
		if hasStart || hasEnd {
			from, to := "1", "$"
			if hasStart {
				from = strconv.Itoa(start)
			}
			if hasEnd {
				to = strconv.Itoa(end)
			}
			return []string{"sed", "-n", from + "," + to + "p", path}, "", nil
		}
		return []string{"cat", "--", path}, "", nil

	case "list_dir":
		path, err := r.resolvePath(stringArg(args, "path"))
		if err != nil {
			return nil, "", err
		}
		return []string{"ls", "-la", "--", path}, "", nil

	case "search_text":
		root := stringArg(args, "path")
		if root == "" {
			root = "."
		}
		path, err := r.resolvePath(root)
		if err != nil {
			return nil, "", err
		}
		max, ok := intArg(args, "max_results")
		if !ok || max <= 0 {
			max = defaultSearchResults
		}
		return []string{"grep", "-rIn", "-m", strconv.Itoa(max), "--", stringArg(args, "pattern"), path}, "", nil

	case "run_command":
		command, err := sanitizeExecutable(stringArg(args, "command"))
		if err != nil {
			return nil, "", err
		}
		argv := []string{command}
		if extra := strings.TrimSpace(stringArg(args, "args")); extra != "" {
			argv = append(argv, strings.Fields(extra)...)
		}
		return argv, "", nil

	case "write_note":
		path, err := r.resolvePath(stringArg(args, "path"))
		if err != nil {
			return nil, "", err
		}
		return []string{"tee", "--", path}, stringArg(args, "content"), nil
	}
	return nil, "", fmt.Errorf("no execution mapping for tool %q", action.Tool)
}

// BuildPreview renders a one-line invocation preview shown in the
// approval prompt, with stable key order and bounded value lengths.
func BuildPreview(tool string, args map[string]any) string {
	if len(args) == 0 {
		return tool
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(tool)
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(previewValue(args[k]))
	}
	return sb.String()
}

func previewValue(v any) string {
	s := fmt.Sprintf("%v", v)
	const limit = 60
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	if strings.ContainsAny(s, " \t\n") {
		return strconv.Quote(s)
	}
	return s
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// intArg coerces an integer-valued argument; JSON decoding delivers
// numbers as float64.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
