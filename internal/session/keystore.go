package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// Keystore maps session ids to directories holding the provider's opaque
// pairing credentials. Only the connection manager touches it.
type Keystore struct {
	root string
}

// NewKeystore returns a keystore rooted at root.
func NewKeystore(root string) *Keystore {
	return &Keystore{root: root}
}

// Dir returns the keystore directory of a session.
func (k *Keystore) Dir(id string) string {
	return filepath.Join(k.root, id)
}

// Path returns the credential database path of a session.
func (k *Keystore) Path(id string) string {
	return filepath.Join(k.Dir(id), "keystore.db")
}

// Ensure creates the session's keystore directory and returns the
// credential database path.
func (k *Keystore) Ensure(id string) (string, error) {
	if err := ValidateName(id); err != nil {
		return "", err
	}
	if err := os.MkdirAll(k.Dir(id), 0700); err != nil {
		return "", fmt.Errorf("create keystore dir: %w", err)
	}
	return k.Path(id), nil
}

// Exists reports whether credentials were ever stored for the session.
func (k *Keystore) Exists(id string) bool {
	_, err := os.Stat(k.Path(id))
	return err == nil
}

// Wipe deletes the session's keystore directory in full.
func (k *Keystore) Wipe(id string) error {
	if err := ValidateName(id); err != nil {
		return err
	}
	if err := os.RemoveAll(k.Dir(id)); err != nil {
		return fmt.Errorf("wipe keystore: %w", err)
	}
	return nil
}

// List returns the ids of sessions that have a keystore directory.
func (k *Keystore) List() ([]string, error) {
	entries, err := os.ReadDir(k.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
