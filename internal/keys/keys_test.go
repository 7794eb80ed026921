package keys

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sergz72/smarthome-filestore/internal/config"
)

func writeKeyFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.bin")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadUsersSuccess(t *testing.T) {
	keyBytes := bytes.Repeat([]byte{0x11}, 32)
	path := writeKeyFile(t, keyBytes)

	cfg := &config.Config{
		Users: []config.User{
			{ID: 1, Name: "alice", KeyPath: path, Grants: map[string]string{"d": "rw"}},
		},
	}

	table, err := LoadUsers(cfg)
	if err != nil {
		t.Fatalf("LoadUsers: %v", err)
	}
	u, ok := table.Lookup(1)
	if !ok {
		t.Fatalf("Lookup(1) not found")
	}
	if !bytes.Equal(u.Key[:], keyBytes) {
		t.Fatalf("loaded key mismatch: %v", u.Key)
	}
	if len(u.Grants) != 1 {
		t.Fatalf("Grants = %+v, want 1 entry", u.Grants)
	}
}

func TestLoadUsersWrongKeyLength(t *testing.T) {
	path := writeKeyFile(t, []byte("too short"))
	cfg := &config.Config{
		Users: []config.User{{ID: 1, Name: "alice", KeyPath: path}},
	}
	_, err := LoadUsers(cfg)
	if !errors.Is(err, ErrWrongKeyLength) {
		t.Fatalf("LoadUsers() error = %v, want ErrWrongKeyLength", err)
	}
}

func TestLoadUsersMissingKeyFile(t *testing.T) {
	cfg := &config.Config{
		Users: []config.User{{ID: 1, Name: "alice", KeyPath: filepath.Join(t.TempDir(), "missing")}},
	}
	if _, err := LoadUsers(cfg); err == nil {
		t.Fatalf("LoadUsers() succeeded with missing key file")
	}
}

func TestLoadUsersInvalidGrant(t *testing.T) {
	keyBytes := bytes.Repeat([]byte{0x22}, 32)
	path := writeKeyFile(t, keyBytes)
	cfg := &config.Config{
		Users: []config.User{
			{ID: 1, Name: "alice", KeyPath: path, Grants: map[string]string{"d": "invalid"}},
		},
	}
	if _, err := LoadUsers(cfg); err == nil {
		t.Fatalf("LoadUsers() succeeded with invalid grant")
	}
}
