// Package types contains the core domain types shared across all internal
// packages. It deliberately has zero imports of other packages in this module
// so that both the storage layer and the queue layer can import from it
// without creating import cycles.
package types

// ReceiptHandle is the opaque token a consumer must present to delete a
// pulled message or to identify it for redelivery.
//
// Callers must treat the handle as an opaque string. How it is minted is a
// backend concern: the log-file backend uses the entry's byte offset, the
// other backends use generated IDs. Keeping the token opaque means a backend
// can change its identity scheme without touching the queue layer.
type ReceiptHandle string

func (h ReceiptHandle) String() string { return string(h) }

// IsZero reports whether the handle is the zero value.
func (h ReceiptHandle) IsZero() bool { return h == "" }

// Message is one unit of data flowing through a queue.
//
// Design rules:
//   - Body bytes are owned by the producer; the queue never inspects them.
//   - ID mirrors ReceiptHandle for API symmetry with cloud queues: the value
//     returned as the message id on pull is the same token used to delete.
type Message struct {
	// ID identifies this delivery of the message.
	ID string `json:"id"`

	// ReceiptHandle is required to delete the message or requeue it early.
	ReceiptHandle ReceiptHandle `json:"receipt_handle"`

	// Body is the raw message payload. Producers own the encoding.
	Body []byte `json:"body"`
}

// Clone returns a copy of the message with its own body slice.
// Pulled messages hand their body to timer callbacks that may outlive the
// caller, so aliasing the original slice is not safe.
func (m *Message) Clone() *Message {
	c := *m
	c.Body = make([]byte, len(m.Body))
	copy(c.Body, m.Body)
	return &c
}
