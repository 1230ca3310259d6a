// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package receiveripc implements the length-prefixed request/reply
// protocol between a publish session and the receiver process that
// owns write access to a repository. Requests carry a 4-byte request
// code, a 4-byte body size, and a JSON body; replies carry a 4-byte
// body size and a JSON body.
package receiveripc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Request identifies the kind of call a session is making to the
// receiver.
type Request int32

const (
	RequestQuit Request = iota
	RequestEcho
	RequestGenerateToken
	RequestGetTokenID
	RequestCheckToken
	RequestSubmitPayload
	RequestError Request = -1
)

// ReadRequest reads one framed request from r: a 4-byte request code,
// a 4-byte body size, and the body itself. Returns RequestError if
// framing fails at any point (the caller should stop processing the
// connection).
func ReadRequest(r io.Reader) (Request, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return RequestError, nil, fmt.Errorf("receiveripc: reading request header: %w", err)
	}

	reqID := int32(binary.LittleEndian.Uint32(header[0:4]))
	size := int32(binary.LittleEndian.Uint32(header[4:8]))
	if size < 0 {
		return RequestError, nil, errors.New("receiveripc: negative request size")
	}

	if size == 0 {
		return Request(reqID), nil, nil
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return RequestError, nil, fmt.Errorf("receiveripc: reading request body: %w", err)
	}
	return Request(reqID), body, nil
}

// WriteRequest frames and writes one request to w.
func WriteRequest(w io.Writer, req Request, body []byte) error {
	header := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(header[0:4], uint32(req))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(body)))
	copy(header[8:], body)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("receiveripc: writing request: %w", err)
	}
	return nil
}

// ReadReply reads one framed reply from r: a 4-byte body size and the
// body itself.
func ReadReply(r io.Reader) ([]byte, error) {
	var sizeBytes [4]byte
	if _, err := io.ReadFull(r, sizeBytes[:]); err != nil {
		return nil, fmt.Errorf("receiveripc: reading reply size: %w", err)
	}
	size := int32(binary.LittleEndian.Uint32(sizeBytes[:]))
	if size < 0 {
		return nil, errors.New("receiveripc: negative reply size")
	}
	if size == 0 {
		return nil, nil
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("receiveripc: reading reply body: %w", err)
	}
	return body, nil
}

// WriteReply frames and writes one reply to w.
func WriteReply(w io.Writer, body []byte) error {
	header := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(body)))
	copy(header[4:], body)

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("receiveripc: writing reply: %w", err)
	}
	return nil
}

// generateTokenRequest and its reply/check-token counterparts mirror
// the receiver's wire JSON schema.
type generateTokenRequest struct {
	KeyID        string `json:"key_id"`
	Path         string `json:"path"`
	MaxLeaseTime int64  `json:"max_lease_time"`
}

type generateTokenReply struct {
	Token  string `json:"token"`
	ID     string `json:"id"`
	Secret string `json:"secret,omitempty"`
}

type getTokenIDReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	ID     string `json:"id,omitempty"`
}

type checkTokenRequest struct {
	Token  string `json:"token"`
	Secret string `json:"secret"`
}

type checkTokenReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Path   string `json:"path,omitempty"`
}

type submitPayloadRequest struct {
	Path             string `json:"path"`
	Digest           string `json:"digest"`
	CompressedSize   int64  `json:"compressed_size"`
	UncompressedSize int64  `json:"uncompressed_size"`
}

type submitPayloadReply struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// TokenIssuer generates and verifies session tokens. cmd/catalogd
// implements it over lib/sessiontoken with the receiver's signing key.
type TokenIssuer interface {
	Generate(keyID, path string, maxLeaseSeconds int64) (token, publicID, secret string, err error)
	GetPublicID(token string) (string, error)
	Check(token, secret string) (valid bool, expired bool, path string, err error)
}

// PayloadSink accepts a fully received payload submission. cmd/catalogd
// implements it by recording the payload's digest for its path, for a
// later add_file call to consume.
type PayloadSink interface {
	SubmitPayload(path string, digest string, compressedSize, uncompressedSize int64) error
}

// Handler dispatches framed requests to the receiver's token issuer
// and payload sink.
type Handler struct {
	Tokens   TokenIssuer
	Payloads PayloadSink
}

// Handle processes one request and returns the reply to send back
// ("ok" for Quit). The boolean return mirrors the original's
// "keep the connection open" signal: it is false for Quit and for an
// unknown request code.
func (h *Handler) Handle(req Request, body []byte) (reply []byte, keepGoing bool, err error) {
	switch req {
	case RequestQuit:
		return []byte("ok"), false, nil

	case RequestEcho:
		return body, true, nil

	case RequestGenerateToken:
		reply, err := h.handleGenerateToken(body)
		return reply, true, err

	case RequestGetTokenID:
		reply, err := h.handleGetTokenID(body)
		return reply, true, err

	case RequestCheckToken:
		reply, err := h.handleCheckToken(body)
		return reply, true, err

	case RequestSubmitPayload:
		reply, err := h.handleSubmitPayload(body)
		return reply, true, err

	default:
		return nil, false, fmt.Errorf("receiveripc: unknown request code %d", req)
	}
}

func (h *Handler) handleGenerateToken(body []byte) ([]byte, error) {
	var req generateTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("receiveripc: generate token: invalid request body: %w", err)
	}
	if req.KeyID == "" || req.Path == "" || req.MaxLeaseTime == 0 {
		return nil, errors.New("receiveripc: generate token: missing key_id, path, or max_lease_time")
	}

	token, id, secret, err := h.Tokens.Generate(req.KeyID, req.Path, req.MaxLeaseTime)
	if err != nil {
		return nil, fmt.Errorf("receiveripc: generating token: %w", err)
	}

	return json.Marshal(generateTokenReply{Token: token, ID: id, Secret: secret})
}

func (h *Handler) handleGetTokenID(body []byte) ([]byte, error) {
	id, err := h.Tokens.GetPublicID(string(body))
	if err != nil {
		return json.Marshal(getTokenIDReply{Status: "error", Reason: "invalid_token"})
	}
	return json.Marshal(getTokenIDReply{Status: "ok", ID: id})
}

func (h *Handler) handleCheckToken(body []byte) ([]byte, error) {
	var req checkTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("receiveripc: check token: invalid request body: %w", err)
	}

	valid, expired, path, err := h.Tokens.Check(req.Token, req.Secret)
	if err != nil {
		return json.Marshal(checkTokenReply{Status: "error", Reason: "invalid_token"})
	}
	if expired {
		return json.Marshal(checkTokenReply{Status: "error", Reason: "expired_token"})
	}
	if !valid {
		return json.Marshal(checkTokenReply{Status: "error", Reason: "invalid_token"})
	}
	return json.Marshal(checkTokenReply{Status: "ok", Path: path})
}

func (h *Handler) handleSubmitPayload(body []byte) ([]byte, error) {
	var req submitPayloadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("receiveripc: submit payload: invalid request body: %w", err)
	}

	if err := h.Payloads.SubmitPayload(req.Path, req.Digest, req.CompressedSize, req.UncompressedSize); err != nil {
		return json.Marshal(submitPayloadReply{Status: "error", Reason: err.Error()})
	}
	return json.Marshal(submitPayloadReply{Status: "ok"})
}
