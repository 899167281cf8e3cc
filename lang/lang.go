package lang

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ignition/protocol"
)

// Recipe describes how to build and run one source file. Templates are
// split on whitespace after substitution of {file}, {dir} and {exe}; only
// Run is timed.
type Recipe struct {
	Extension string
	Build     []string
	Run       string
}

// Table maps a language identifier to its recipe.
type Table map[string]Recipe

var recipes = Table{
	"php": {
		Extension: "php",
		Run:       "php -f {file}",
	},
	"java": {
		Extension: "java",
		Run:       "java {file}",
	},
	"javascript": {
		Extension: "js",
		Run:       "node {file}",
	},
	"go": {
		Extension: "go",
		Run:       "go run {file}",
	},
	"cpp": {
		Extension: "cpp",
		Build:     []string{"g++ -o {exe} {file}"},
		Run:       "{exe}",
	},
	"cs": {
		// dotnet needs the prepared console project baked into the image
		Extension: "cs",
		Build:     []string{"mv {file} /cs/Program.cs"},
		Run:       "dotnet run --project /cs",
	},
	"python": {
		Extension: "py",
		Run:       "python3 {file}",
	},
	"c": {
		Extension: "c",
		Build:     []string{"gcc -o {exe} {file}"},
		Run:       "{exe}",
	},
	"typescript": {
		Extension: "ts",
		Run:       "deno run {file}",
	},
}

// Default returns a copy of the built-in recipe table.
func Default() Table {
	t := make(Table, len(recipes))
	for name, r := range recipes {
		t[name] = r
	}
	return t
}

// Lookup retrieves the recipe for a language.
func (t Table) Lookup(language string) (Recipe, bool) {
	r, ok := t[language]
	return r, ok
}

// Languages lists the supported language identifiers in sorted order.
func (t Table) Languages() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrEmptyCommand is returned when a template expands to nothing.
var ErrEmptyCommand = errors.New("empty command")

// Execute runs the build steps and then the timed run step for file. A
// build step that exits non-zero ends the recipe and its output is
// reported as the result with zero duration. The returned error is
// non-nil only when a command could not be started or ctx expired.
func (r Recipe) Execute(ctx context.Context, file, args string) (protocol.Response, error) {
	dir := filepath.Dir(file)
	replacer := strings.NewReplacer(
		"{file}", file,
		"{dir}", dir,
		"{exe}", filepath.Join(dir, uuid.NewString()),
	)

	for _, step := range r.Build {
		stdout, stderr, _, err := run(ctx, replacer.Replace(step), "")
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && ctx.Err() == nil {
				return protocol.NewResponse(stdout, stderr, 0), nil
			}
			return protocol.Response{}, fmt.Errorf("build step %q: %w", step, err)
		}
	}

	stdout, stderr, elapsed, err := run(ctx, replacer.Replace(r.Run), args)
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return protocol.Response{}, fmt.Errorf("run step: %w", err)
		}
	}
	return protocol.NewResponse(stdout, stderr, elapsed.Nanoseconds()), nil
}

func run(ctx context.Context, command, args string) ([]byte, []byte, time.Duration, error) {
	argv := append(strings.Fields(command), strings.Fields(args)...)
	if len(argv) == 0 {
		return nil, nil, 0, ErrEmptyCommand
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), stderr.Bytes(), elapsed, ctxErr
	}
	return stdout.Bytes(), stderr.Bytes(), elapsed, err
}
