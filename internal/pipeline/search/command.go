// Package search runs the phase search as an external program.
//
// The program receives the request as JSON on stdin and must print
// {"solutions": [...]} on stdout, best solution first. Anything it writes to
// stderr is logged and the tail of it is attached to errors.
package search

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/example/phasesearch/internal/pipeline"
)

//go:embed schema.json
var responseSchema string

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("search-response.json", strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	return compiler.Compile("search-response.json")
})

const stderrTail = 20

var ErrNoCommand = errors.New("search command not configured")

// Command is a Searcher backed by an external program.
type Command struct {
	Path   string
	Args   []string
	Env    []string
	Logger *slog.Logger
}

var _ pipeline.Searcher = (*Command)(nil)

// New builds a Command from an argv such as ["python3", "-m", "dara_search"].
func New(argv []string, logger *slog.Logger) (*Command, error) {
	if len(argv) == 0 {
		return nil, ErrNoCommand
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, fmt.Errorf("search command: %w", err)
	}
	return &Command{Path: path, Args: argv[1:], Logger: logger}, nil
}

type response struct {
	Solutions []pipeline.Solution `json:"solutions"`
}

func (c *Command) Search(ctx context.Context, req pipeline.SearchRequest) ([]pipeline.Solution, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	in, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}

	tail := collectStderr(ctx, logger, stderr)
	err = cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("search interrupted: %w", ctxErr)
	}
	if err != nil {
		if msg := strings.Join(tail, "\n"); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", c.Path, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", c.Path, err)
	}
	return decodeResponse(stdout.Bytes())
}

// collectStderr logs every stderr line and returns the last few once the
// stream is closed.
func collectStderr(ctx context.Context, logger *slog.Logger, r io.Reader) []string {
	var tail []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		logger.DebugContext(ctx, "search stderr", "line", line)
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	return tail
}

func decodeResponse(data []byte) ([]pipeline.Solution, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode search output: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, fmt.Errorf("search output does not match schema: %w", err)
	}
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode search output: %w", err)
	}
	return resp.Solutions, nil
}
