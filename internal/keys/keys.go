// Package keys loads per-user symmetric key material from disk and builds
// the acl.Table the core consults, bridging the configuration document to
// the in-memory user-with-key model.
package keys

import (
	"errors"
	"fmt"
	"os"

	"github.com/sergz72/smarthome-filestore/internal/acl"
	"github.com/sergz72/smarthome-filestore/internal/config"
)

// keyLength is the size in bytes of a user's symmetric key file.
const keyLength = 32

// ErrWrongKeyLength is returned when a key file's content is not exactly
// 32 bytes.
var ErrWrongKeyLength = errors.New("key file does not contain exactly 32 bytes")

// LoadUsers reads each configured user's key file and grant map, returning
// a fully built acl.Table. Any unreadable key file or invalid grant value
// fails the whole load — the process must not start with a partially
// loaded user table.
func LoadUsers(cfg *config.Config) (*acl.Table, error) {
	users := make([]*acl.User, 0, len(cfg.Users))
	for _, cu := range cfg.Users {
		key, err := loadKey(cu.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load key for user %d (%s): %w", cu.ID, cu.Name, err)
		}

		grants := make(map[string]acl.Grant, len(cu.Grants))
		for db, raw := range cu.Grants {
			grant, err := acl.ParseGrant(raw)
			if err != nil {
				return nil, fmt.Errorf("user %d (%s), database %q: %w", cu.ID, cu.Name, db, err)
			}
			grants[db] = grant
		}

		users = append(users, &acl.User{
			ID:     cu.ID,
			Name:   cu.Name,
			Key:    key,
			Grants: grants,
		})
	}
	return acl.NewTable(users), nil
}

func loadKey(path string) ([32]byte, error) {
	var key [32]byte
	data, err := os.ReadFile(path)
	if err != nil {
		return key, fmt.Errorf("read key file: %w", err)
	}
	if len(data) != keyLength {
		return key, fmt.Errorf("%s has %d bytes: %w", path, len(data), ErrWrongKeyLength)
	}
	copy(key[:], data)
	return key, nil
}
