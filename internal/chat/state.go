// Package chat owns the per-session state machine that connects credentials,
// an optional dataset, conversation memory and the agent.
package chat

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateNoCredentials means no API key has been supplied; sending is blocked.
	StateNoCredentials State = iota
	// StateReadyNoDataset means the agent runs without tools.
	StateReadyNoDataset
	// StateReadyWithDataset means the agent runs with SQL tools for the loaded dataset.
	StateReadyWithDataset
)

func (s State) String() string {
	switch s {
	case StateNoCredentials:
		return "NO_CREDENTIALS"
	case StateReadyNoDataset:
		return "READY_NO_DATASET"
	case StateReadyWithDataset:
		return "READY_WITH_DATASET"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateNoCredentials, StateReadyNoDataset, StateReadyWithDataset} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

var (
	// ErrMissingCredential is returned when an action needs an API key that was not supplied.
	ErrMissingCredential = errors.New("an API key is required")

	// ErrEmptyMessage is returned for blank chat input.
	ErrEmptyMessage = errors.New("message is empty")
)

// Upload is a file placed in the session's upload slot. Its ID identifies
// the upload: the same ID observed twice is the same file.
type Upload struct {
	ID       string
	FileName string
	Data     []byte
}

// NewUpload computes the upload identity from the file name and contents.
func NewUpload(fileName string, data []byte) *Upload {
	h := sha256.New()
	h.Write([]byte(fileName))
	h.Write([]byte{0})
	h.Write(data)
	return &Upload{
		ID:       hex.EncodeToString(h.Sum(nil)),
		FileName: fileName,
		Data:     data,
	}
}

// Reader returns a fresh reader over the upload contents.
func (u *Upload) Reader() io.Reader {
	return bytes.NewReader(u.Data)
}
