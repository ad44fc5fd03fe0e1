// Package config loads cachecored's configuration: CLI-flag defaults with
// an optional JSON file override, in the teacher's own pattern
// (xtaci-kcptun/server/config.go's parseJSONConfig).
package config

import (
	"crypto/sha1" //nolint:gosec // pbkdf2 salt derivation, not used for confidentiality
	"encoding/json"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

// salt matches the teacher's own KCP-go derivation salt convention: a
// fixed, public, non-secret string mixed with the passphrase.
const salt = "cachecored"

// Config holds every knob cachecored's worker pool, listener, and admin
// server need at startup.
type Config struct {
	MemcacheListen string `json:"memcache_listen"`
	RespListen     string `json:"resp_listen"`
	AdminListen    string `json:"admin_listen"`
	Workers        int    `json:"workers"`
	QueueCap       int    `json:"queue_capacity"`
	PollTimeout    int    `json:"poll_timeout_ms"`
	MaxEvents      int    `json:"max_events"`
	AdminSecret    string `json:"admin_secret"`
	SnappyMinLen   int    `json:"snappy_min_len"`
	Log            string `json:"log"`
	Quiet          bool   `json:"quiet"`
}

// Default returns the built-in defaults, overridden by flags and
// optionally a JSON file in that order by the caller.
func Default() Config {
	return Config{
		MemcacheListen: ":11211",
		RespListen:     ":6380",
		AdminListen:    ":11212",
		Workers:        4,
		QueueCap:       2048,
		PollTimeout:    100, // ms, per spec.md §5's "commonly 100 ms" default
		MaxEvents:      1024,
		SnappyMinLen:   8192,
	}
}

// LoadJSON overrides fields in c from the JSON file at path.
func LoadJSON(c *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return json.NewDecoder(file).Decode(c)
}

// DeriveAdminKey derives a fixed-length key from the configured admin
// passphrase, the same pbkdf2/sha1 shape the teacher uses to turn its
// pre-shared "key" flag into a symmetric cipher key.
func DeriveAdminKey(passphrase string, keyLen int) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), 4096, keyLen, sha1.New)
}
