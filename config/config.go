// Package config holds endpoint settings: defaults first, with an
// optional TOML file overlaying only the keys it actually defines.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries the tunable parameters of a bus endpoint.
type Config struct {
	// Address is the transport endpoint, "network:address" form, for
	// example "unix:/run/bus/socket" or "tcp:127.0.0.1:7833".
	Address string

	// DefaultCallTimeout bounds calls whose context has no deadline.
	DefaultCallTimeout time.Duration

	// OutboundQueue is the per-connection send queue depth.
	OutboundQueue int

	// SubscriptionBuffer is the default signal delivery buffer.
	SubscriptionBuffer int

	// Mechanisms is the authentication mechanism order, by wire name.
	Mechanisms []string

	// KeyringDir overrides the cookie keyring location; empty means the
	// per-user default.
	KeyringDir string
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		DefaultCallTimeout: 25 * time.Second,
		OutboundQueue:      32,
		SubscriptionBuffer: 16,
		Mechanisms:         []string{"EXTERNAL", "DBUS_COOKIE_SHA1"},
	}
}

type fileConfig struct {
	Address            string   `toml:"address"`
	CallTimeout        string   `toml:"call_timeout"`
	OutboundQueue      int      `toml:"outbound_queue"`
	SubscriptionBuffer int      `toml:"subscription_buffer"`
	Mechanisms         []string `toml:"mechanisms"`
	KeyringDir         string   `toml:"keyring_dir"`
}

// Load reads a TOML file over the defaults. Keys absent from the file
// keep their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load bus config: %w", err)
	}

	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}

	if meta.IsDefined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.DefaultCallTimeout = d
	}

	if meta.IsDefined("outbound_queue") {
		if raw.OutboundQueue <= 0 {
			return Config{}, fmt.Errorf("outbound_queue must be positive, got %d", raw.OutboundQueue)
		}
		cfg.OutboundQueue = raw.OutboundQueue
	}

	if meta.IsDefined("subscription_buffer") {
		if raw.SubscriptionBuffer <= 0 {
			return Config{}, fmt.Errorf("subscription_buffer must be positive, got %d", raw.SubscriptionBuffer)
		}
		cfg.SubscriptionBuffer = raw.SubscriptionBuffer
	}

	if meta.IsDefined("mechanisms") {
		cfg.Mechanisms = normalizeMechanisms(raw.Mechanisms)
	}

	if meta.IsDefined("keyring_dir") {
		cfg.KeyringDir = strings.TrimSpace(raw.KeyringDir)
	}

	return cfg, nil
}

func normalizeMechanisms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, name := range in {
		v := strings.ToUpper(strings.TrimSpace(name))
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
