package wire

// A ReplyFunc receives the outcome of an asynchronous method call.
// Exactly one of reply and err is non-nil. The ReplyFunc takes
// ownership of reply, and must Close it when done.
type ReplyFunc func(reply *Message, err error)

// A Slot is the registration of a pending asynchronous call with a
// bus client.
type Slot interface {
	// Close unregisters the call. Once Close returns, the client never
	// invokes the call's ReplyFunc, provided Close is not racing with
	// the client's message processing.
	Close()
}
