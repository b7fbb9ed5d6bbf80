package session

import (
	"errors"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// ErrNoCredentials is returned when a session has no stored credentials.
var ErrNoCredentials = errors.New("no credentials stored for session")

// Credentials holds the authenticated identity for a session. Token issuance
// happens elsewhere (the platform's login flow); the chat subsystem only
// reads what was stored.
type Credentials struct {
	Token       string `toml:"token"`
	UserID      int64  `toml:"user_id"`
	Name        string `toml:"name"`
	Mobile      string `toml:"mobile"`
	AccountType string `toml:"account_type"`
}

// LoadCredentials reads the credentials file for a session.
func LoadCredentials(name string) (*Credentials, error) {
	var creds Credentials
	_, err := toml.DecodeFile(CredentialsPath(name), &creds)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveCredentials writes the credentials file for a session with 0600 perms.
func SaveCredentials(name string, creds *Credentials) error {
	if err := EnsureDir(name); err != nil {
		return err
	}
	f, err := os.OpenFile(CredentialsPath(name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(creds)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
