package server

import "github.com/ehrlich-b/go-chatd/internal/protocol"

// Observer receives operational events from the event loop. Implementations
// must be cheap; the loop calls them inline. A nil observer is allowed.
type Observer interface {
	ClientConnected()
	ClientDisconnected()
	MessageReceived(t protocol.MsgType)
	ResponseSent(t protocol.MsgType)
	BytesReceived(n int)
	BytesSent(n int)
	ShortWrite()
	OrphanCompletion()
}
