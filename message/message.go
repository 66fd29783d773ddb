// Package message implements the multipart wire envelope shared by the
// reliable RPC Caller and Callee.
//
// A MultipartMessage is an ordered sequence of opaque frames. It carries its
// own address-envelope conventions (push/pop at the front, wrap/unwrap) so
// that routing identities can be stacked and stripped without the rest of
// the frame sequence caring how many hops deep it is.
package message

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
)

// identityFrameSize is the length ZeroMQ uses for its binary routing
// identities (one type byte followed by a 16-byte UUID).
const identityFrameSize = 17

// Sender is the subset of a fabric socket MultipartMessage needs to write a
// frame with an explicit "more" flag. goczmq's *Sock satisfies this.
type Sender interface {
	SendFrame(frame []byte, flag int) error
}

// Receiver is the subset of a fabric socket MultipartMessage needs to read
// one complete multipart datagram. goczmq's *Sock satisfies this.
type Receiver interface {
	RecvMessage() ([][]byte, error)
}

// Flag values mirror goczmq's SendFrame flags so callers never need to
// import the fabric package just to send a message.
const (
	FlagNone = 0
	FlagMore = 1
)

// MultipartMessage is an ordered sequence of frames.
type MultipartMessage struct {
	parts [][]byte
}

// New returns an empty message.
func New() *MultipartMessage {
	return &MultipartMessage{}
}

// Recv reads all frames of one multipart datagram from r. Any 17-byte frame
// starting with a zero byte (a ZeroMQ binary identity) is stored as its
// 33-character "@"-prefixed hex encoding so the rest of the system can treat
// addresses as printable strings.
func Recv(r Receiver) (*MultipartMessage, error) {
	raw, err := r.RecvMessage()
	if err != nil {
		return nil, fmt.Errorf("message: recv: %w", err)
	}
	m := &MultipartMessage{parts: make([][]byte, 0, len(raw))}
	for _, frame := range raw {
		if isIdentityFrame(frame) {
			m.parts = append(m.parts, []byte(encodeIdentity(frame)))
		} else {
			cp := make([]byte, len(frame))
			copy(cp, frame)
			m.parts = append(m.parts, cp)
		}
	}
	return m, nil
}

// Send writes every frame to s, setting FlagMore on all but the last frame.
// Any frame that looks like an "@"-prefixed 33-character hex identity is
// decoded back to its raw 17-byte form first. Send consumes m: callers must
// not reuse it afterward.
func Send(m *MultipartMessage, s Sender) error {
	for i, frame := range m.parts {
		out := frame
		if isEncodedIdentity(frame) {
			decoded, err := decodeIdentity(frame)
			if err != nil {
				return fmt.Errorf("message: send: %w", err)
			}
			out = decoded
		}
		flag := FlagMore
		if i == len(m.parts)-1 {
			flag = FlagNone
		}
		if err := s.SendFrame(out, flag); err != nil {
			return fmt.Errorf("message: send: %w", err)
		}
	}
	m.parts = nil
	return nil
}

// Push inserts a frame at the front of the message.
func (m *MultipartMessage) Push(frame []byte) {
	m.parts = append([][]byte{cloneFrame(frame)}, m.parts...)
}

// PushString is a convenience wrapper around Push for textual frames.
func (m *MultipartMessage) PushString(s string) {
	m.Push([]byte(s))
}

// Pop removes and returns the frame at the front of the message.
// It returns nil if the message is empty.
func (m *MultipartMessage) Pop() []byte {
	if len(m.parts) == 0 {
		return nil
	}
	frame := m.parts[0]
	m.parts = m.parts[1:]
	return frame
}

// Wrap pushes an address envelope onto the front of the message. When delim
// is non-nil (even if empty), it is pushed first so that unwrap can later
// tell a one-frame from a two-frame envelope apart: an empty delim produces
// a single empty delimiter frame ahead of the address; a non-empty delim
// produces a genuine two-frame prefix.
func (m *MultipartMessage) Wrap(address string, delim *string) {
	if delim != nil {
		m.PushString(*delim)
	}
	m.PushString(address)
}

// Unwrap pops one address frame off the front of the message, then discards
// the new front frame if it is empty (the delimiter left by Wrap). It
// returns the address as a string.
func (m *MultipartMessage) Unwrap() string {
	address := string(m.Pop())
	if len(m.parts) > 0 && len(m.parts[0]) == 0 {
		m.Pop()
	}
	return address
}

// Address returns the current front frame as a string without consuming it,
// or "" if the message is empty.
func (m *MultipartMessage) Address() string {
	if len(m.parts) == 0 {
		return ""
	}
	return string(m.parts[0])
}

// BodyGet returns the last frame as a string, or "" if the message is empty.
func (m *MultipartMessage) BodyGet() string {
	if len(m.parts) == 0 {
		return ""
	}
	return string(m.parts[len(m.parts)-1])
}

// BodySet replaces the last frame with body, or appends body as the only
// frame if the message is empty.
func (m *MultipartMessage) BodySet(body string) {
	if len(m.parts) == 0 {
		m.parts = append(m.parts, []byte(body))
		return
	}
	m.parts[len(m.parts)-1] = []byte(body)
}

// BodyFmt formats according to format and sets the result as the body.
func (m *MultipartMessage) BodyFmt(format string, args ...any) {
	m.BodySet(fmt.Sprintf(format, args...))
}

// Parts returns the number of frames currently in the message.
func (m *MultipartMessage) Parts() int {
	return len(m.parts)
}

// FrameAt returns a copy of the frame at index i, or nil if out of range.
func (m *MultipartMessage) FrameAt(i int) []byte {
	if i < 0 || i >= len(m.parts) {
		return nil
	}
	return cloneFrame(m.parts[i])
}

// Dump renders a hex/ASCII diagnostic view of the message to w, one line
// per frame, e.g. "[005] Hello" for printable frames or a hex dump for
// binary ones.
func (m *MultipartMessage) Dump(w io.Writer) {
	for _, frame := range m.parts {
		if isPrintable(frame) {
			fmt.Fprintf(w, "[%03d] %s\n", len(frame), frame)
		} else {
			fmt.Fprintf(w, "[%03d] %X\n", len(frame), frame)
		}
	}
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 32 || c > 127 {
			return false
		}
	}
	return true
}

func cloneFrame(frame []byte) []byte {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	return cp
}

func isIdentityFrame(frame []byte) bool {
	return len(frame) == identityFrameSize && frame[0] == 0x00
}

func isEncodedIdentity(frame []byte) bool {
	return len(frame) == 33 && frame[0] == '@'
}

const hexDigits = "0123456789ABCDEF"

// encodeIdentity renders a 17-byte ZeroMQ identity frame as a 33-character
// "@"-prefixed uppercase hex string, e.g. "@0011223344..." for human-readable
// address handling.
func encodeIdentity(frame []byte) string {
	buf := make([]byte, 33)
	buf[0] = '@'
	for i, b := range frame[1:] {
		buf[1+i*2] = hexDigits[b>>4]
		buf[2+i*2] = hexDigits[b&0x0f]
	}
	return string(buf)
}

// decodeIdentity reverses encodeIdentity, producing the original 17-byte
// frame (leading zero byte plus 16 decoded bytes).
func decodeIdentity(encoded []byte) ([]byte, error) {
	if len(encoded) != 33 || encoded[0] != '@' {
		return nil, fmt.Errorf("message: not an encoded identity frame")
	}
	raw := make([]byte, identityFrameSize)
	decoded, err := hex.DecodeString(string(bytes.ToUpper(encoded[1:])))
	if err != nil || len(decoded) != 16 {
		return nil, fmt.Errorf("message: invalid identity hex: %w", err)
	}
	copy(raw[1:], decoded)
	return raw, nil
}
