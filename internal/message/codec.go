package message

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrUnknownType = errors.New("unknown message type")
)

func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m, err)
	}
	return data, nil
}

// Decode parses a single frame and rejects messages without a known type.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, ErrEmptyFrame
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if !m.Type.Valid() {
		return Message{}, fmt.Errorf("%w %q", ErrUnknownType, m.Type)
	}
	return m, nil
}
