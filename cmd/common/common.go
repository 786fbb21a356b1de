// Package common provides shared helpers for the coordinator CLI binaries:
// key loading and attestation provider selection.
package common

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/crypto"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/tdx"
)

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// NewAttestationProvider selects a TEE provider from configuration flags.
// Returns the local or remote DCAP provider when useTDX is true, otherwise
// the dummy provider for environments without TEE hardware.
func NewAttestationProvider(useTDX bool, remoteTDXURL string) tdx.Provider {
	if useTDX {
		if remoteTDXURL != "" {
			return &tdx.RemoteDCAPProvider{URL: remoteTDXURL, Timeout: 30 * time.Second}
		}
		return &tdx.LocalProvider{}
	}
	return &tdx.DummyProvider{}
}

// NewLogger builds the process logger.
func NewLogger(json, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
