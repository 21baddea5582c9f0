package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/toutatis-dev/huddle/pkg/models"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tool subprocesses use unix utilities")
	}
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(t.TempDir(), 0, nil)
}

func actionFor(tool string, inputs map[string]any) *models.ToolAction {
	return &models.ToolAction{
		ActionID: models.NewActionID(),
		Tool:     tool,
		Status:   models.ActionApproved,
		Inputs:   inputs,
	}
}

func TestResolvePathContainment(t *testing.T) {
	r := newTestRunner(t)

	abs, err := r.resolvePath("notes/todo.txt")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if !strings.HasPrefix(abs, r.BaseDir()) {
		t.Fatalf("resolved %q outside base %q", abs, r.BaseDir())
	}

	var pathErr *PathError
	if _, err := r.resolvePath("../escape.txt"); !errors.As(err, &pathErr) {
		t.Fatalf("want PathError for traversal, got %v", err)
	}
	if _, err := r.resolvePath("/etc/passwd"); !errors.As(err, &pathErr) {
		t.Fatalf("want PathError for outside absolute, got %v", err)
	}
	if _, err := r.resolvePath(""); err == nil {
		t.Fatal("want error for empty path")
	}
}

func TestResolvePathAllowsRegisteredToolPath(t *testing.T) {
	r := newTestRunner(t)
	extra := t.TempDir()

	if _, err := r.resolvePath(filepath.Join(extra, "x.txt")); err == nil {
		t.Fatal("unregistered root should be refused")
	}
	if _, err := r.AddToolPath(extra); err != nil {
		t.Fatalf("AddToolPath: %v", err)
	}
	if _, err := r.resolvePath(filepath.Join(extra, "x.txt")); err != nil {
		t.Fatalf("registered root refused: %v", err)
	}

	if !r.RemoveToolPath(extra) {
		t.Fatal("RemoveToolPath returned false for registered path")
	}
	if _, err := r.resolvePath(filepath.Join(extra, "x.txt")); err == nil {
		t.Fatal("removed root should be refused again")
	}
}

func TestAddToolPathDeduplicates(t *testing.T) {
	r := newTestRunner(t)
	extra := t.TempDir()
	if _, err := r.AddToolPath(extra); err != nil {
		t.Fatalf("AddToolPath: %v", err)
	}
	if _, err := r.AddToolPath(extra); err != nil {
		t.Fatalf("AddToolPath repeat: %v", err)
	}
	if got := len(r.AllowedRoots()); got != 2 {
		t.Fatalf("AllowedRoots len = %d, want 2 (base + one extra)", got)
	}
}

func TestSanitizeExecutable(t *testing.T) {
	tests := []struct {
		name  string
		value string
		ok    bool
	}{
		{"bare name", "ls", true},
		{"name with dots", "python3.11", true},
		{"relative path", "./scripts/build.sh", true},
		{"absolute path", "/usr/bin/env", true},
		{"empty", "", false},
		{"semicolon", "ls;rm", false},
		{"pipe", "cat|sh", false},
		{"subshell", "echo $(id)", false},
		{"backtick", "echo `id`", false},
		{"redirect", "ls>out", false},
		{"newline", "ls\nrm", false},
		{"quotes", `ls "x"`, false},
		{"leading dash", "--version", false},
		{"space in bare name", "git status", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sanitizeExecutable(tc.value)
			if tc.ok {
				if err != nil {
					t.Fatalf("sanitizeExecutable(%q): %v", tc.value, err)
				}
				if got == "" {
					t.Fatal("sanitized value is empty")
				}
				return
			}
			if !errors.Is(err, ErrUnsafeExecutable) {
				t.Fatalf("sanitizeExecutable(%q) err = %v, want ErrUnsafeExecutable", tc.value, err)
			}
		})
	}
}

func TestExecuteReadFile(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(t)
	path := filepath.Join(r.BaseDir(), "hello.txt")
	if err := os.WriteFile(path, []byte("alpha\nbeta\ngamma\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), actionFor("read_file", map[string]any{"path": "hello.txt"}))
	if res.ExitCode != 0 || res.Err != "" {
		t.Fatalf("exit=%d err=%q", res.ExitCode, res.Err)
	}
	if !strings.Contains(res.Output, "beta") {
		t.Fatalf("output missing file content: %q", res.Output)
	}
	if res.DurationMS < 0 {
		t.Fatalf("negative duration %d", res.DurationMS)
	}
}

func TestExecuteReadFileLineRange(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(t)
	path := filepath.Join(r.BaseDir(), "lines.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\nfour\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), actionFor("read_file", map[string]any{
		"path": "lines.txt", "startLine": float64(2), "endLine": float64(3),
	}))
	if res.ExitCode != 0 {
		t.Fatalf("exit=%d err=%q", res.ExitCode, res.Err)
	}
	if strings.Contains(res.Output, "one") || !strings.Contains(res.Output, "two") || !strings.Contains(res.Output, "three") || strings.Contains(res.Output, "four") {
		t.Fatalf("range not applied: %q", res.Output)
	}
}

func TestExecuteRefusesEscapingPath(t *testing.T) {
	r := newTestRunner(t)
	res := r.Execute(context.Background(), actionFor("read_file", map[string]any{"path": "../../etc/passwd"}))
	if res.ExitCode != -1 {
		t.Fatalf("exit = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Err, "outside") {
		t.Fatalf("err = %q, want containment message", res.Err)
	}
}

func TestExecuteListDir(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(t)
	if err := os.WriteFile(filepath.Join(r.BaseDir(), "visible.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := r.Execute(context.Background(), actionFor("list_dir", map[string]any{"path": "."}))
	if res.ExitCode != 0 {
		t.Fatalf("exit=%d err=%q", res.ExitCode, res.Err)
	}
	if !strings.Contains(res.Output, "visible.txt") {
		t.Fatalf("listing missing file: %q", res.Output)
	}
}

func TestExecuteSearchText(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(t)
	if err := os.WriteFile(filepath.Join(r.BaseDir(), "doc.md"), []byte("deploy with runbook A\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := r.Execute(context.Background(), actionFor("search_text", map[string]any{"pattern": "runbook"}))
	if res.ExitCode != 0 {
		t.Fatalf("exit=%d err=%q output=%q", res.ExitCode, res.Err, res.Output)
	}
	if !strings.Contains(res.Output, "doc.md") {
		t.Fatalf("search output missing hit: %q", res.Output)
	}
}

func TestExecuteRunCommandExitCodes(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(t)

	ok := r.Execute(context.Background(), actionFor("run_command", map[string]any{"command": "true"}))
	if ok.ExitCode != 0 || ok.Err != "" {
		t.Fatalf("true: exit=%d err=%q", ok.ExitCode, ok.Err)
	}

	fail := r.Execute(context.Background(), actionFor("run_command", map[string]any{"command": "false"}))
	if fail.ExitCode == 0 {
		t.Fatal("false reported exit 0")
	}
	if fail.Err != "" {
		t.Fatalf("nonzero exit should not set Err, got %q", fail.Err)
	}
}

func TestExecuteRunCommandRefusesShellSyntax(t *testing.T) {
	r := newTestRunner(t)
	res := r.Execute(context.Background(), actionFor("run_command", map[string]any{"command": "ls; rm -rf /"}))
	if res.ExitCode != -1 || !strings.Contains(res.Err, "unsafe executable") {
		t.Fatalf("exit=%d err=%q", res.ExitCode, res.Err)
	}
}

func TestExecuteTimeout(t *testing.T) {
	skipOnWindows(t)
	r := NewRunner(t.TempDir(), 100*time.Millisecond, nil)
	res := r.Execute(context.Background(), actionFor("run_command", map[string]any{"command": "sleep", "args": "5"}))
	if res.ExitCode != -1 {
		t.Fatalf("exit = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Err, "timed out") {
		t.Fatalf("err = %q, want timeout message", res.Err)
	}
}

func TestExecuteTruncatesLongOutput(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(t)
	big := strings.Repeat("0123456789abcdef\n", 400)
	if err := os.WriteFile(filepath.Join(r.BaseDir(), "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	res := r.Execute(context.Background(), actionFor("read_file", map[string]any{"path": "big.txt"}))
	if res.ExitCode != 0 {
		t.Fatalf("exit=%d err=%q", res.ExitCode, res.Err)
	}
	if !res.Truncated {
		t.Fatal("want Truncated for oversized output")
	}
	if len(res.Output) > outputPreviewLimit {
		t.Fatalf("preview len = %d, want <= %d", len(res.Output), outputPreviewLimit)
	}
}

func TestExecuteWriteNote(t *testing.T) {
	skipOnWindows(t)
	r := newTestRunner(t)
	res := r.Execute(context.Background(), actionFor("write_note", map[string]any{
		"path": "todo.md", "content": "ship it",
	}))
	if res.ExitCode != 0 {
		t.Fatalf("exit=%d err=%q", res.ExitCode, res.Err)
	}
	if !strings.Contains(res.Output, "ship it") {
		t.Fatalf("tee should echo content, got %q", res.Output)
	}

	data, err := os.ReadFile(filepath.Join(r.BaseDir(), "todo.md"))
	if err != nil {
		t.Fatalf("note not written: %v", err)
	}
	if string(data) != "ship it" {
		t.Fatalf("note content = %q", string(data))
	}
}

func TestExecuteUnknownToolMapping(t *testing.T) {
	r := newTestRunner(t)
	res := r.Execute(context.Background(), actionFor("delete_everything", nil))
	if res.ExitCode != -1 || !strings.Contains(res.Err, "no execution mapping") {
		t.Fatalf("exit=%d err=%q", res.ExitCode, res.Err)
	}
}

func TestBuildPreview(t *testing.T) {
	got := BuildPreview("read_file", map[string]any{
		"startLine": 2,
		"path":      "docs/a.md",
	})
	want := "read_file path=docs/a.md startLine=2"
	if got != want {
		t.Fatalf("preview = %q, want %q", got, want)
	}

	if got := BuildPreview("list_dir", nil); got != "list_dir" {
		t.Fatalf("empty args preview = %q", got)
	}

	spaced := BuildPreview("write_note", map[string]any{"content": "two words"})
	if !strings.Contains(spaced, `content="two words"`) {
		t.Fatalf("spaced value not quoted: %q", spaced)
	}

	long := BuildPreview("write_note", map[string]any{"content": strings.Repeat("x", 200)})
	if !strings.Contains(long, "...") {
		t.Fatalf("long value not clipped: %q", long)
	}
}
