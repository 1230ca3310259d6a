// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessiontoken issues and verifies the short-lived tokens a
// receiver hands out to authorize a single publish session against
// one repository path. A token authenticates "the bearer may submit
// payloads under this path until this time" without the receiver
// needing to keep per-session server-side state beyond the signing
// key.
package sessiontoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// Token is an issued session token: its opaque public identifier, the
// path it authorizes, the expiry it carries, and the MAC binding them
// together.
type Token struct {
	PublicID string
	Path     string
	Expiry   int64 // Unix seconds
	mac      []byte
}

// Generate issues a new token authorizing path for maxLeaseSeconds
// starting at now (Unix seconds), signed with key. key is the
// receiver's per-repository secret; it never leaves the receiver.
func Generate(key []byte, path string, now, maxLeaseSeconds int64) (*Token, error) {
	if len(key) == 0 {
		return nil, errors.New("sessiontoken: key is empty")
	}
	if path == "" {
		return nil, errors.New("sessiontoken: path is empty")
	}
	if maxLeaseSeconds <= 0 {
		return nil, errors.New("sessiontoken: max lease time must be positive")
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("sessiontoken: generating public id: %w", err)
	}
	publicID := base64.RawURLEncoding.EncodeToString(idBytes)

	token := &Token{
		PublicID: publicID,
		Path:     path,
		Expiry:   now + maxLeaseSeconds,
	}
	token.mac = computeMAC(key, token.PublicID, token.Expiry, token.Path)
	return token, nil
}

func computeMAC(key []byte, publicID string, expiry int64, path string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(publicID))
	var expiryBytes [8]byte
	binary.BigEndian.PutUint64(expiryBytes[:], uint64(expiry))
	mac.Write(expiryBytes[:])
	mac.Write([]byte(path))
	return mac.Sum(nil)
}

// Encode produces the wire form of a token: publicID.expiry.path.mac,
// each field base64url-encoded except expiry.
func (t *Token) Encode() string {
	return fmt.Sprintf("%s.%d.%s.%s",
		t.PublicID, t.Expiry,
		base64.RawURLEncoding.EncodeToString([]byte(t.Path)),
		base64.RawURLEncoding.EncodeToString(t.mac))
}

// CheckResult classifies the outcome of verifying a token.
type CheckResult int

const (
	// CheckValid means the token's signature verified and it has not
	// expired.
	CheckValid CheckResult = iota
	// CheckExpired means the signature verified but now is past Expiry.
	CheckExpired
	// CheckInvalid means the signature did not verify (wrong key,
	// tampered field, or malformed encoding).
	CheckInvalid
)

// Check verifies an encoded token against key at time now. It
// recomputes the MAC before looking at expiry, so a forged token
// never reaches the expiry check.
func Check(key []byte, encoded string, now int64) (CheckResult, *Token, error) {
	publicID, expiry, path, mac, err := decode(encoded)
	if err != nil {
		return CheckInvalid, nil, err
	}

	expected := computeMAC(key, publicID, expiry, path)
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return CheckInvalid, nil, nil
	}

	token := &Token{PublicID: publicID, Path: path, Expiry: expiry, mac: mac}
	if now > expiry {
		return CheckExpired, token, nil
	}
	return CheckValid, token, nil
}

// GetPublicID extracts the public identifier from an encoded token
// without verifying its signature. Used to look up revocation state
// (the receiver blacklists by public id, not by the full token) before
// doing the more expensive MAC check.
func GetPublicID(encoded string) (string, error) {
	publicID, _, _, _, err := decode(encoded)
	if err != nil {
		return "", err
	}
	return publicID, nil
}

func decode(encoded string) (publicID string, expiry int64, path string, mac []byte, err error) {
	var pathEncoded, macEncoded string
	parts := splitN(encoded, '.', 4)
	if len(parts) != 4 {
		return "", 0, "", nil, errors.New("sessiontoken: malformed token encoding")
	}
	publicID = parts[0]
	if _, err := fmt.Sscanf(parts[1], "%d", &expiry); err != nil {
		return "", 0, "", nil, fmt.Errorf("sessiontoken: malformed expiry: %w", err)
	}
	pathEncoded = parts[2]
	macEncoded = parts[3]

	pathBytes, err := base64.RawURLEncoding.DecodeString(pathEncoded)
	if err != nil {
		return "", 0, "", nil, fmt.Errorf("sessiontoken: malformed path: %w", err)
	}
	mac, err = base64.RawURLEncoding.DecodeString(macEncoded)
	if err != nil {
		return "", 0, "", nil, fmt.Errorf("sessiontoken: malformed mac: %w", err)
	}

	return publicID, expiry, string(pathBytes), mac, nil
}

func splitN(s string, sep byte, n int) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s) && len(parts) < n-1; i++ {
		if s[i] == sep {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}
