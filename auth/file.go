package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/chatrelay/registry"
)

// FileEntry is one account in a tokens file.
type FileEntry struct {
	ID          int    `yaml:"id"`
	Username    string `yaml:"username"`
	TokenBcrypt string `yaml:"token_bcrypt"`
}

type tokensFile struct {
	Accounts []FileEntry `yaml:"accounts"`
}

// FileAuthenticator checks credentials against bcrypt hashes loaded from a
// YAML tokens file. Meant for development deployments without a token store.
type FileAuthenticator struct {
	entries []FileEntry
}

// NewFileAuthenticator validates entries and returns an authenticator.
//
// Returns:
//   - An error for duplicate ids, empty hashes, or usernames with line breaks
func NewFileAuthenticator(entries []FileEntry) (*FileAuthenticator, error) {
	seen := make(map[int]bool, len(entries))
	for i, e := range entries {
		switch {
		case seen[e.ID]:
			return nil, fmt.Errorf("account %d: duplicate id %d", i, e.ID)
		case e.TokenBcrypt == "":
			return nil, fmt.Errorf("account %d: token_bcrypt is required", i)
		case strings.ContainsAny(e.Username, "\r\n"):
			return nil, fmt.Errorf("account %d: username contains a line break", i)
		}
		seen[e.ID] = true
	}

	return &FileAuthenticator{entries: entries}, nil
}

// LoadFileAuthenticator reads a tokens file of the form
//
//	accounts:
//	  - id: 10
//	    username: el mau
//	    token_bcrypt: $2a$10$...
func LoadFileAuthenticator(path string) (*FileAuthenticator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokens file: %w", err)
	}

	var f tokensFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse tokens file %s: %w", path, err)
	}

	return NewFileAuthenticator(f.Accounts)
}

// Authenticate implements Authenticator.
func (a *FileAuthenticator) Authenticate(ctx context.Context, credential string) (registry.Identity, error) {
	if credential == "" {
		return registry.Identity{}, Reject()
	}

	for _, e := range a.entries {
		if err := ctx.Err(); err != nil {
			return registry.Identity{}, err
		}

		err := bcrypt.CompareHashAndPassword([]byte(e.TokenBcrypt), []byte(credential))
		if err == nil {
			return registry.Identity{ID: e.ID, Username: e.Username}, nil
		}
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return registry.Identity{}, fmt.Errorf("account %d: %w", e.ID, err)
		}
	}

	return registry.Identity{}, Reject()
}
