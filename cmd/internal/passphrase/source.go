package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// DefaultEnvVar names the variable checked before prompting.
const DefaultEnvVar = "TASKBRIDGE_KEYSTORE_PASSPHRASE"

// Source lazily resolves the signer keystore passphrase from an environment
// variable or by prompting the operator. The value is cached after the first
// successful retrieval.
type Source struct {
	envVar     string
	allowEmpty bool
	lookup     func(string) (string, bool)
	prompt     func() (string, error)

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// AllowEmpty accepts an empty passphrase and skips the prompt when no terminal
// is attached. Development keystores written by config.Load use one.
func AllowEmpty() Option {
	return func(s *Source) { s.allowEmpty = true }
}

// WithLookup replaces os.LookupEnv.
func WithLookup(lookup func(string) (string, bool)) Option {
	return func(s *Source) {
		if lookup != nil {
			s.lookup = lookup
		}
	}
}

// WithPrompt replaces the terminal prompt.
func WithPrompt(prompt func() (string, error)) Option {
	return func(s *Source) {
		if prompt != nil {
			s.prompt = prompt
		}
	}
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar: strings.TrimSpace(envVar),
		lookup: os.LookupEnv,
	}
	s.prompt = func() (string, error) { return terminalPrompt(os.Stderr) }
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached passphrase or resolves it if this is the first call.
// Whitespace-only passphrases are rejected unless AllowEmpty was given.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookup(s.envVar); ok {
			if strings.TrimSpace(value) == "" && !s.allowEmpty {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if s.allowEmpty {
		return "", nil
	}

	passphrase, err := s.prompt()
	if err != nil {
		if s.envVar != "" {
			return "", fmt.Errorf("signer keystore passphrase required; set %s or run interactively: %w", s.envVar, err)
		}
		return "", err
	}
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("signer keystore passphrase cannot be empty")
	}
	return passphrase, nil
}

func terminalPrompt(out io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal available")
	}
	fmt.Fprint(out, "Enter signer keystore passphrase: ")
	bytes, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(bytes), nil
}
