package plugin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AnonymousAuth decides on clients that send no username.
type AnonymousAuth struct {
	Allowed bool
}

func (a AnonymousAuth) Authenticate(_ context.Context, creds Credentials) (Decision, error) {
	if creds.HasUsername {
		return Abstain, nil
	}
	if a.Allowed {
		return Allow, nil
	}
	return Deny, nil
}

// FileAuth checks username and password against bcrypt hashes. Unknown users cost the
// same bcrypt comparison as known ones.
type FileAuth struct {
	users     map[string][]byte
	dummyHash []byte
}

// NewFileAuth reads "username:bcrypt-hash" lines. Blank lines and lines starting with '#' are skipped.
func NewFileAuth(path string) (*FileAuth, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error occured while opening password file: %w", err)
	}
	defer file.Close()

	users := make(map[string]string)
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		username, hash, ok := strings.Cut(text, ":")
		if !ok || username == "" || hash == "" {
			return nil, fmt.Errorf("password file line %d: expected username:hash", line)
		}
		users[username] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error occured while reading password file: %w", err)
	}
	return NewFileAuthFromHashes(users)
}

func NewFileAuthFromHashes(users map[string]string) (*FileAuth, error) {
	a := &FileAuth{users: make(map[string][]byte, len(users))}
	cost := bcrypt.DefaultCost
	for username, hash := range users {
		c, err := bcrypt.Cost([]byte(hash))
		if err != nil {
			return nil, fmt.Errorf("invalid password hash for %s: %w", username, err)
		}
		cost = c
		a.users[username] = []byte(hash)
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("life-stream-dummy-password"), cost)
	if err != nil {
		return nil, err
	}
	a.dummyHash = dummy
	return a, nil
}

func (a *FileAuth) Authenticate(_ context.Context, creds Credentials) (Decision, error) {
	if !creds.HasUsername {
		return Abstain, nil
	}
	hash, known := a.users[creds.Username]
	if !known {
		hash = a.dummyHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, creds.Password); err != nil || !known {
		return Deny, nil
	}
	return Allow, nil
}
