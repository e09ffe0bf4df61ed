package bus

import (
	"github.com/kestrelworks/embus/core/events"
)

// commandKind enumerates the dispatcher inbox payloads.
type commandKind uint8

const (
	cmdAttach commandKind = iota + 1
	cmdDetach
	cmdSubscribeOne
	cmdSubscribeMany
	cmdUnsubscribeOne
	cmdPublish
	cmdInvalidate
	cmdSnapshot
)

func (k commandKind) String() string {
	switch k {
	case cmdAttach:
		return "attach"
	case cmdDetach:
		return "detach"
	case cmdSubscribeOne:
		return "subscribe_one"
	case cmdSubscribeMany:
		return "subscribe_many"
	case cmdUnsubscribeOne:
		return "unsubscribe_one"
	case cmdPublish:
		return "publish"
	case cmdInvalidate:
		return "invalidate"
	case cmdSnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// command is one dispatcher inbox entry. reply is nil on the fire-and-forget
// path; otherwise the dispatcher acknowledges on it when processing completes.
type command struct {
	kind     commandKind
	listener *Listener
	topic    events.Topic
	topics   []events.Topic
	msg      *events.Message
	retain   bool

	reply    chan error
	snapshot chan *StateSnapshot
}
