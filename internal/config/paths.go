package config

import (
	"os"
	"path/filepath"
	"strings"
)

const crabstackDirName = ".crabstack"

func LocalCrabstackDirExists() bool {
	info, err := os.Stat(crabstackDirName)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// DefaultCrabstackRoot prefers a .crabstack directory in the working
// directory and falls back to the one in the user's home.
func DefaultCrabstackRoot() string {
	if LocalCrabstackDirExists() {
		return crabstackDirName
	}
	home, err := os.UserHomeDir()
	if err == nil && strings.TrimSpace(home) != "" {
		return filepath.Join(home, crabstackDirName)
	}
	return crabstackDirName
}

// ResolveCrabstackPath expands ~ and rebases paths under .crabstack onto the
// default crabstack root.
func ResolveCrabstackPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}

	expanded := trimmed
	if resolved, err := expandPath(trimmed); err == nil && strings.TrimSpace(resolved) != "" {
		expanded = resolved
	}

	cleaned := filepath.Clean(expanded)
	if filepath.IsAbs(cleaned) {
		return cleaned
	}
	if cleaned == crabstackDirName {
		return DefaultCrabstackRoot()
	}

	prefix := crabstackDirName + string(filepath.Separator)
	if strings.HasPrefix(cleaned, prefix) {
		return filepath.Join(DefaultCrabstackRoot(), strings.TrimPrefix(cleaned, prefix))
	}
	return cleaned
}
