// Package secrets resolves values such as connection strings and codec keys
// that may be kept outside the config file.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrSecretRef = errors.New("invalid secret reference")

type Scheme string

const (
	SchemeEnv  Scheme = "env"
	SchemeFile Scheme = "file"
	SchemeRaw  Scheme = "raw"
)

// Ref is a parsed reference of the form scheme:value.
type Ref struct {
	Scheme Scheme
	Value  string
}

func splitRef(s string) (Scheme, string, bool) {
	scheme, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return "", "", false
	}
	switch sc := Scheme(scheme); sc {
	case SchemeEnv, SchemeFile, SchemeRaw:
		return sc, value, true
	}
	return "", "", false
}

// IsRef reports whether s starts with env:, file: or raw:.
func IsRef(s string) bool {
	_, _, ok := splitRef(s)
	return ok
}

func ParseRef(s string) (Ref, error) {
	if strings.TrimSpace(s) == "" {
		return Ref{}, fmt.Errorf("%w: empty", ErrSecretRef)
	}
	scheme, value, ok := splitRef(s)
	if !ok {
		return Ref{}, fmt.Errorf("%w: unsupported scheme (use env:, file:, or raw:)", ErrSecretRef)
	}
	if scheme != SchemeRaw {
		value = strings.TrimSpace(value)
	}
	if value == "" {
		return Ref{}, fmt.Errorf("%w: %s reference has no value", ErrSecretRef, scheme)
	}
	return Ref{Scheme: scheme, Value: value}, nil
}

func ValidateRef(s string) error {
	_, err := ParseRef(s)
	return err
}

// Load reads the referenced secret. Env and file values must be non-empty;
// file contents are trimmed.
func (r Ref) Load() ([]byte, error) {
	switch r.Scheme {
	case SchemeEnv:
		v := os.Getenv(r.Value)
		if v == "" {
			return nil, fmt.Errorf("%w: env var %q is empty or missing", ErrSecretRef, r.Value)
		}
		return []byte(v), nil
	case SchemeFile:
		b, err := os.ReadFile(r.Value)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		v := strings.TrimSpace(string(b))
		if v == "" {
			return nil, fmt.Errorf("%w: file %q is empty", ErrSecretRef, r.Value)
		}
		return []byte(v), nil
	}
	return []byte(r.Value), nil
}

func LoadRef(s string) ([]byte, error) {
	ref, err := ParseRef(s)
	if err != nil {
		return nil, err
	}
	return ref.Load()
}

// Resolve returns s unchanged unless it is a reference.
func Resolve(s string) (string, error) {
	if !IsRef(s) {
		return s, nil
	}
	b, err := LoadRef(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
