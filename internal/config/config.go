// Package config loads and validates the server's JSON configuration:
// listen port, storage base folder, shard fan-out, and the list of
// configured users with their per-database grants.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Errors returned by Validate. Each names one required configuration
// condition.
var (
	ErrNoUsers          = errors.New("config: user list is empty")
	ErrZeroPort         = errors.New("config: port is zero")
	ErrEmptyBaseFolder  = errors.New("config: base folder is empty")
	ErrDuplicateUserID  = errors.New("config: duplicate user id")
	ErrEmptyUserName    = errors.New("config: user name is empty")
	ErrEmptyUserKeyPath = errors.New("config: user key path is empty")
	ErrInvalidGrant     = errors.New("config: invalid grant")
)

// User is one configured identity as it appears in the JSON document.
type User struct {
	ID      uint32            `json:"id"`
	Name    string            `json:"name"`
	KeyPath string            `json:"key_path"`
	Grants  map[string]string `json:"grants"`
}

// Config is the top-level configuration document.
type Config struct {
	Port        uint16 `json:"port"`
	BaseFolder  string `json:"base_folder"`
	HashDivider uint32 `json:"hash_divider"`
	Users       []User `json:"users"`
}

// Load reads and parses the JSON configuration at path, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if cfg.HashDivider == 0 {
		cfg.HashDivider = 1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces every rule required at load time: non-empty user
// list, non-zero port, non-empty base folder, unique user ids, non-empty
// user names and key paths, and well-formed grants.
func (c *Config) Validate() error {
	if len(c.Users) == 0 {
		return ErrNoUsers
	}
	if c.Port == 0 {
		return ErrZeroPort
	}
	if c.BaseFolder == "" {
		return ErrEmptyBaseFolder
	}

	seen := make(map[uint32]bool, len(c.Users))
	for _, u := range c.Users {
		if seen[u.ID] {
			return fmt.Errorf("user id %d: %w", u.ID, ErrDuplicateUserID)
		}
		seen[u.ID] = true

		if u.Name == "" {
			return fmt.Errorf("user id %d: %w", u.ID, ErrEmptyUserName)
		}
		if u.KeyPath == "" {
			return fmt.Errorf("user id %d: %w", u.ID, ErrEmptyUserKeyPath)
		}
		for db, grant := range u.Grants {
			if grant != "r" && grant != "rw" {
				return fmt.Errorf("user id %d, database %q, grant %q: %w", u.ID, db, grant, ErrInvalidGrant)
			}
		}
	}
	return nil
}
