package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// LocalPrefix namespaces methods executed by the local sandbox.
const LocalPrefix = "local/"

const (
	MethodWriteFile      = "local/write_file"
	MethodExecuteCommand = "local/execute_command"
	MethodSearchProject  = "local/search_project"
)

func IsLocalMethod(method string) bool {
	return strings.HasPrefix(method, LocalPrefix)
}

type WriteFileParams struct {
	FilePath    string `json:"file_path"`
	Content     string `json:"content"`
	ProjectRoot string `json:"project_root,omitempty"`
	Diff        string `json:"diff,omitempty"`
}

type WriteFileResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

type ExecuteCommandParams struct {
	Command     string `json:"command"`
	ProjectPath string `json:"project_path"`
	TimeoutSec  int    `json:"timeout_sec,omitempty"`
}

const (
	DefaultCommandTimeout = 60 * time.Second
	MaxCommandTimeout     = 4 * time.Minute
	// commandGrace covers process teardown and the response trip.
	commandGrace = 5 * time.Second
	// MaxCommandCallTimeout is the longest CallTimeout gives a command. The
	// pending call max age must not be shorter.
	MaxCommandCallTimeout = MaxCommandTimeout + commandGrace
)

// CommandTimeout is how long the sandbox lets the command run, clamped to
// MaxCommandTimeout.
func (p ExecuteCommandParams) CommandTimeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return DefaultCommandTimeout
	}
	if p.TimeoutSec >= int(MaxCommandTimeout/time.Second) {
		return MaxCommandTimeout
	}
	return time.Duration(p.TimeoutSec) * time.Second
}

// CallTimeout is how long to wait for method to answer. Commands get at least
// their own run time plus a grace period; everything else gets fallback.
func CallTimeout(method string, params json.RawMessage, fallback time.Duration) time.Duration {
	if method != MethodExecuteCommand {
		return fallback
	}
	var p ExecuteCommandParams
	if len(params) > 0 && json.Unmarshal(params, &p) != nil {
		return fallback
	}
	if need := p.CommandTimeout() + commandGrace; need > fallback {
		return need
	}
	return fallback
}

type ExecuteCommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type SearchProjectParams struct {
	Query       string `json:"query"`
	ProjectRoot string `json:"project_root,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type SearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

type SearchProjectResult struct {
	Matches   []SearchMatch `json:"matches"`
	Truncated bool          `json:"truncated,omitempty"`
}
