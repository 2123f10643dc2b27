// message.go: Fixed-capacity serialized port call
//
// Copyright (c) 2025 AGILira
// Series: AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package fprime

// MaxPayloadBytes is the maximum serialized argument size of one message.
// Ports whose schema can exceed it are rejected when they are declared.
const MaxPayloadBytes = 256

// MaxArgs is the maximum number of arguments of one port.
const MaxArgs = 16

// Priority orders messages in a queue; higher values dequeue first.
type Priority int32

// messageKind separates user port calls from kernel control messages
type messageKind uint8

const (
	kindCall messageKind = iota
	kindExit
	kindPing
)

// Message is one serialized asynchronous port call. It is built on the
// caller's stack, copied into a preallocated queue slot and consumed by
// the owner's dispatch loop.
type Message struct {
	Opcode   uint16   // Index of the destination input port
	Priority Priority // Enqueue priority
	Seq      uint64   // Assigned by the queue at enqueue time
	Len      uint16   // Used bytes of Payload
	Buffer   Buffer   // Optional attached buffer, owned by the message
	kind     messageKind
	token    uint32 // Ping key for health messages
	Payload  [MaxPayloadBytes]byte
}

// Data returns the used part of the payload.
func (m *Message) Data() []byte {
	return m.Payload[:m.Len]
}

// SetData copies p into the payload, truncating nothing: it fails when p
// does not fit.
func (m *Message) SetData(p []byte) bool {
	if len(p) > MaxPayloadBytes {
		return false
	}
	m.Len = uint16(copy(m.Payload[:], p)) // #nosec G115 -- bounded by MaxPayloadBytes
	return true
}

// TakeBuffer moves the attached buffer out of the message. The message no
// longer owns it afterwards.
func (m *Message) TakeBuffer() Buffer {
	b := m.Buffer
	m.Buffer = Buffer{}
	return b
}

// IsControl reports whether the message is a kernel control message
// rather than a port call.
func (m *Message) IsControl() bool {
	return m.kind != kindCall
}

// reset clears the header fields; the payload is overwritten on reuse.
func (m *Message) reset() {
	m.Opcode = 0
	m.Priority = 0
	m.Seq = 0
	m.Len = 0
	m.Buffer = Buffer{}
	m.kind = kindCall
	m.token = 0
}
