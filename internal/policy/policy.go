package policy

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"crabstack.local/projects/crab-orchestrator/internal/protocol"
)

// Route says how a tool call is handled before it reaches the sandbox.
type Route string

const (
	// RouteReadOnly calls are acknowledged instantly and dispatched without approval.
	RouteReadOnly Route = "read_only"
	// RouteDirect calls have side effects but the session bypasses approval.
	RouteDirect Route = "direct"
	// RouteApproval calls become command proposals.
	RouteApproval Route = "approval"
)

// Rules is the approval policy loaded from the policy file.
type Rules struct {
	BypassIdentities []string `yaml:"bypass_identities"`
	ReadOnlyTools    []string `yaml:"read_only_tools"`
	SynchronousTools []string `yaml:"synchronous_tools"`
	HighRiskPatterns []string `yaml:"high_risk_patterns"`
}

type fileRules struct {
	Policy Rules `yaml:"policy"`
}

func DefaultRules() Rules {
	return Rules{
		ReadOnlyTools: []string{
			"local/search_project",
		},
		HighRiskPatterns: []string{
			"rm -rf",
			"rm -r ",
			"git push --force",
			"git reset --hard",
			"sudo ",
			"mkfs",
			"dd if=",
			"chmod -R",
			"drop table",
			"drop database",
			"> /dev/",
		},
	}
}

// Load reads rules from a YAML file with a top level "policy" key. Lists
// present in the file replace the defaults.
func Load(path string) (Rules, error) {
	rules := DefaultRules()
	path = strings.TrimSpace(path)
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	var parsed fileRules
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Rules{}, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	if parsed.Policy.BypassIdentities != nil {
		rules.BypassIdentities = parsed.Policy.BypassIdentities
	}
	if parsed.Policy.ReadOnlyTools != nil {
		rules.ReadOnlyTools = parsed.Policy.ReadOnlyTools
	}
	if parsed.Policy.SynchronousTools != nil {
		rules.SynchronousTools = parsed.Policy.SynchronousTools
	}
	if parsed.Policy.HighRiskPatterns != nil {
		rules.HighRiskPatterns = parsed.Policy.HighRiskPatterns
	}
	return rules, nil
}

// ForSession evaluates the rules for one session identity. The result is
// immutable and does not observe later rule changes.
func (r Rules) ForSession(identity string) Session {
	identity = strings.ToLower(strings.TrimSpace(identity))
	s := Session{
		readOnly:    toSet(r.ReadOnlyTools),
		synchronous: toSet(r.SynchronousTools),
	}
	for _, pattern := range r.HighRiskPatterns {
		if pattern = strings.ToLower(strings.TrimSpace(pattern)); pattern != "" {
			s.highRisk = append(s.highRisk, pattern)
		}
	}
	if identity != "" {
		for _, allowed := range r.BypassIdentities {
			if strings.ToLower(strings.TrimSpace(allowed)) == identity {
				s.bypass = true
				break
			}
		}
	}
	return s
}

// Session is the policy snapshot a session was created with.
type Session struct {
	bypass      bool
	readOnly    map[string]struct{}
	synchronous map[string]struct{}
	highRisk    []string
}

func (s Session) Bypass() bool {
	return s.bypass
}

func (s Session) Route(method string) Route {
	if _, ok := s.readOnly[method]; ok {
		return RouteReadOnly
	}
	if s.bypass {
		return RouteDirect
	}
	return RouteApproval
}

// WithReadOnly returns a copy of s that also treats methods as read-only.
func (s Session) WithReadOnly(methods ...string) Session {
	if len(methods) == 0 {
		return s
	}
	readOnly := make(map[string]struct{}, len(s.readOnly)+len(methods))
	for method := range s.readOnly {
		readOnly[method] = struct{}{}
	}
	for _, method := range methods {
		if method = strings.TrimSpace(method); method != "" {
			readOnly[method] = struct{}{}
		}
	}
	s.readOnly = readOnly
	return s
}

func (s Session) Synchronous(method string) bool {
	_, ok := s.synchronous[method]
	return ok
}

// CommandRisk classifies a shell command by substring match against the
// high-risk patterns.
func (s Session) CommandRisk(command string) protocol.Risk {
	lowered := strings.ToLower(command)
	for _, pattern := range s.highRisk {
		if strings.Contains(lowered, pattern) {
			return protocol.RiskHigh
		}
	}
	return protocol.RiskLow
}

// Store holds the current rules. Sessions take a snapshot at connect time.
type Store struct {
	mu    sync.RWMutex
	rules Rules
}

func NewStore(rules Rules) *Store {
	return &Store{rules: rules}
}

func (s *Store) Current() Rules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

func (s *Store) Set(rules Rules) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

func (s *Store) ForSession(identity string) Session {
	return s.Current().ForSession(identity)
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out[value] = struct{}{}
		}
	}
	return out
}
