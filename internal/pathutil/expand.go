package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR references and a leading "~" against the running
// user's home directory, returning a cleaned path. Empty input stays empty.
func Expand(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", nil
	}

	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", path, err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}

	return filepath.Clean(p), nil
}

// homeDir tries the Go resolver, then the passwd entry, then $HOME. A value
// that is itself "~"-relative counts as unresolved.
func homeDir() (string, error) {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home)
	}
	if current, err := user.Current(); err == nil {
		candidates = append(candidates, current.HomeDir)
	}
	candidates = append(candidates, os.Getenv("HOME"))

	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" && candidate != "~" && !strings.HasPrefix(candidate, "~/") {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("home directory is not resolvable")
}
