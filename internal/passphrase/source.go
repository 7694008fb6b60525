// Package passphrase resolves the operator keystore passphrase once per
// process, from the environment when possible and from the terminal
// otherwise.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source yields the keystore passphrase. Resolution happens on the first
// Get and the outcome, value or error, is cached for every later call.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource builds a source that consults envVar before falling back to an
// interactive prompt.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the passphrase. A whitespace-only value is rejected in both
// paths: an operator keystore must never end up silently unprotected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	return s.prompt()
}

func (s *Source) prompt() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("operator keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("operator keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, "Operator keystore passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("operator keystore passphrase cannot be empty")
	}
	return string(raw), nil
}
