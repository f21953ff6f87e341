// Package proto implements the control-channel wire format: a 4-byte
// little-endian length prefix followed by a UTF-8 JSON object whose "type"
// field selects the message variant.
package proto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4
	// MaxFrameSize is the largest payload a peer may declare.
	MaxFrameSize = 1 << 20
)

var (
	// ErrFrameTooLarge is returned when a frame declares more than MaxFrameSize bytes.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrProtocol covers payloads that are not valid UTF-8 JSON of the expected shape.
	ErrProtocol = errors.New("protocol error")
	// ErrUnknownMessageType is returned for a type discriminant this package does not know.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMissingType is returned when the type field is absent. It matches
	// ErrUnknownMessageType under errors.Is.
	ErrMissingType = fmt.Errorf("%w: missing type field", ErrUnknownMessageType)
)

func unknownType(t Type) error {
	return fmt.Errorf("%w: %q", ErrUnknownMessageType, string(t))
}

// Encode returns the complete frame for m.
func Encode(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// WriteMessage writes one frame with a single Write call, so callers that
// serialize writers never interleave partial frames.
func WriteMessage(w io.Writer, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads exactly one frame from r. A stream that ends cleanly
// before a frame starts yields io.EOF; one that ends inside a frame yields
// io.ErrUnexpectedEOF. Any error leaves r at an unknown offset and the
// connection must be discarded.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, fmt.Errorf("read %d byte payload: %w", n, err)
	}
	return Decode(payload)
}

// field unmarshals the exact key k of obj into dst. Keys are matched
// case-sensitively; a null value counts as absent.
func field(obj map[string]json.RawMessage, k string, dst any) (bool, error) {
	raw, ok := obj[k]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%w: field %s: %v", ErrProtocol, k, err)
	}
	return true, nil
}

// Decode parses a single JSON payload (without length prefix).
func Decode(payload []byte) (Message, error) {
	if !utf8.Valid(payload) {
		return Message{}, fmt.Errorf("%w: payload is not valid UTF-8", ErrProtocol)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	var t Type
	ok, err := field(obj, "type", &t)
	if err != nil {
		return Message{}, err
	}
	if !ok || t == "" {
		return Message{}, ErrMissingType
	}
	switch t {
	case TypeTunnelRequest:
		var port uint16
		if ok, err := field(obj, "local_port", &port); err != nil {
			return Message{}, err
		} else if !ok {
			return Message{}, fmt.Errorf("%w: %s without local_port", ErrProtocol, t)
		}
		return NewTunnelRequest(port), nil
	case TypeTunnelResponse:
		var port uint16
		if ok, err := field(obj, "assigned_port", &port); err != nil {
			return Message{}, err
		} else if !ok {
			return Message{}, fmt.Errorf("%w: %s without assigned_port", ErrProtocol, t)
		}
		return NewTunnelResponse(port), nil
	case TypeCreateDataChannel:
		return CreateDataChannel(), nil
	case TypeHeartbeat:
		return Heartbeat(), nil
	default:
		return Message{}, unknownType(t)
	}
}
