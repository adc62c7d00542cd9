package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

const (
	DefaultSearchResults = 50
	MaxSearchResults     = 500
	maxOutputBytes       = 64 << 10
	maxSearchFileBytes   = 1 << 20
	maxMatchLineChars    = 300
)

var (
	ErrOutsideRoot  = errors.New("path escapes project root")
	ErrRelativePath = errors.New("project path must be absolute")
)

var skippedDirs = map[string]struct{}{
	".git":         {},
	"node_modules": {},
	"vendor":       {},
	".venv":        {},
	"__pycache__":  {},
}

// Executor runs local/* methods against one project root.
type Executor struct {
	root   string
	logger *log.Logger
}

func NewExecutor(logger *log.Logger, root string) (*Executor, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	root = strings.TrimSpace(root)
	if root == "" || !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: %q", ErrRelativePath, root)
	}
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat project root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("project root %s is not a directory", resolved)
	}
	return &Executor{root: resolved, logger: logger}, nil
}

func (e *Executor) Root() string {
	return e.root
}

// Handle executes one RPC request and always returns a response for it.
func (e *Executor) Handle(ctx context.Context, req protocol.RPCRequest) protocol.RPCResponse {
	resp := protocol.RPCResponse{ID: req.ID}
	var (
		result any
		err    error
	)
	switch req.Method {
	case protocol.MethodWriteFile:
		var params protocol.WriteFileParams
		if err = decodeParams(req.Params, &params); err == nil {
			result, err = e.WriteFile(params)
		}
	case protocol.MethodExecuteCommand:
		var params protocol.ExecuteCommandParams
		if err = decodeParams(req.Params, &params); err == nil {
			result, err = e.ExecuteCommand(ctx, params)
		}
	case protocol.MethodSearchProject:
		var params protocol.SearchProjectParams
		if err = decodeParams(req.Params, &params); err == nil {
			result, err = e.SearchProject(ctx, params)
		}
	default:
		err = &protocol.RPCError{Code: protocol.RPCMethodNotFound, Message: "method not found: " + req.Method}
	}
	if err != nil {
		e.logger.Printf("sandbox call failed id=%s method=%s err=%v", req.ID, req.Method, err)
		resp.Error = toRPCError(err)
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &protocol.RPCError{Code: protocol.RPCInternalError, Message: err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}

func (e *Executor) WriteFile(params protocol.WriteFileParams) (protocol.WriteFileResult, error) {
	if strings.TrimSpace(params.FilePath) == "" {
		return protocol.WriteFileResult{}, invalidParams("file_path is required")
	}
	path, err := e.confine(params.FilePath)
	if err != nil {
		return protocol.WriteFileResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return protocol.WriteFileResult{}, fmt.Errorf("create parent dirs: %w", err)
	}
	// Parent dirs may be symlinks created after the lexical check.
	if _, err := e.confine(path); err != nil {
		return protocol.WriteFileResult{}, err
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return protocol.WriteFileResult{}, fmt.Errorf("write %s: %w", path, err)
	}
	e.logger.Printf("file written path=%s bytes=%d", path, len(params.Content))
	return protocol.WriteFileResult{Path: path, BytesWritten: len(params.Content)}, nil
}

func (e *Executor) ExecuteCommand(ctx context.Context, params protocol.ExecuteCommandParams) (protocol.ExecuteCommandResult, error) {
	command := strings.TrimSpace(params.Command)
	if command == "" {
		return protocol.ExecuteCommandResult{}, invalidParams("command is required")
	}
	dir := e.root
	if params.ProjectPath != "" {
		if !filepath.IsAbs(params.ProjectPath) {
			return protocol.ExecuteCommandResult{}, fmt.Errorf("%w: %q", ErrRelativePath, params.ProjectPath)
		}
		confined, err := e.confine(params.ProjectPath)
		if err != nil {
			return protocol.ExecuteCommandResult{}, err
		}
		dir = confined
	}

	timeout := params.CommandTimeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	stdout := &limitedBuffer{limit: maxOutputBytes}
	stderr := &limitedBuffer{limit: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	err := cmd.Run()
	result := protocol.ExecuteCommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	e.logger.Printf("command finished dir=%s exit_code=%d duration=%s", dir, result.ExitCode, time.Since(started).Round(time.Millisecond))
	return result, nil
}

func (e *Executor) SearchProject(ctx context.Context, params protocol.SearchProjectParams) (protocol.SearchProjectResult, error) {
	if params.Query == "" {
		return protocol.SearchProjectResult{}, invalidParams("query is required")
	}
	limit := params.MaxResults
	if limit <= 0 {
		limit = DefaultSearchResults
	}
	if limit > MaxSearchResults {
		limit = MaxSearchResults
	}

	result := protocol.SearchProjectResult{Matches: []protocol.SearchMatch{}}
	errStop := errors.New("stop")
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip && path != e.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, _ := filepath.Rel(e.root, path)
		matches, err := searchFile(path, filepath.ToSlash(rel), params.Query)
		if err != nil {
			return nil
		}
		for _, match := range matches {
			if len(result.Matches) == limit {
				result.Truncated = true
				return errStop
			}
			result.Matches = append(result.Matches, match)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return protocol.SearchProjectResult{}, err
	}
	return result, nil
}

func searchFile(path, rel, query string) ([]protocol.SearchMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(io.LimitReader(f, maxSearchFileBytes))
	head, _ := reader.Peek(512)
	if bytes.IndexByte(head, 0) >= 0 {
		return nil, nil
	}

	var matches []protocol.SearchMatch
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64<<10), maxSearchFileBytes)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Text()
		if !strings.Contains(text, query) {
			continue
		}
		text = strings.TrimSpace(text)
		if len(text) > maxMatchLineChars {
			text = text[:maxMatchLineChars]
		}
		matches = append(matches, protocol.SearchMatch{Path: rel, Line: line, Text: text})
	}
	return matches, scanner.Err()
}

// confine resolves path against the root and rejects anything outside it,
// following symlinks of the deepest existing ancestor.
func (e *Executor) confine(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.root, path)
	}
	path = filepath.Clean(path)

	existing := path
	var rest []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			existing = resolved
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	full := filepath.Join(append([]string{existing}, rest...)...)

	rel, err := filepath.Rel(e.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return full, nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return invalidParams("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err.Error())
	}
	return nil
}

func invalidParams(message string) error {
	return &protocol.RPCError{Code: protocol.RPCInvalidParams, Message: message}
}

func toRPCError(err error) *protocol.RPCError {
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, ErrOutsideRoot) || errors.Is(err, ErrRelativePath) {
		return &protocol.RPCError{Code: protocol.RPCPolicyViolation, Message: err.Error()}
	}
	return &protocol.RPCError{Code: protocol.RPCExecutionFailed, Message: err.Error()}
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
