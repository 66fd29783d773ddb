package middleware

import "github.com/zfl-go/zfl/message"

// EncodeEnvelope renders e as the three body frames a CalleeCore-backed
// dispatcher exchanges with a Caller: service method, payload, error
// (empty when there is none). The caller's and callee's identity/address
// framing is added or stripped by message.MultipartMessage.Wrap/Unwrap
// around this, not here.
func EncodeEnvelope(e *Envelope) *message.MultipartMessage {
	m := message.New()
	m.Push([]byte(e.Error))
	m.Push(e.Payload)
	m.Push([]byte(e.ServiceMethod))
	return m
}

// DecodeEnvelope reverses EncodeEnvelope. It consumes m's remaining three
// front frames; callers must have already stripped any address envelope.
func DecodeEnvelope(m *message.MultipartMessage) *Envelope {
	return &Envelope{
		ServiceMethod: string(m.Pop()),
		Payload:       m.Pop(),
		Error:         string(m.Pop()),
	}
}
