// Package debug defines the introspection capability the runtime
// pushes named facts to, grounded on the source's DebugInterface. The
// source's own implementation writes "SET key value"/"DEL key" lines to
// a Redis instance; that collaborator is external and out of scope
// here, so this package ships only the Sink contract and a no-op
// default.
package debug

// Sink receives connection and server lifecycle facts as they change.
// Implementations must be safe to call from any goroutine: every
// caller in this module (tcp.Server, udp.Server, their Connections)
// invokes Sink methods from whichever goroutine owns the event that
// triggered the update.
type Sink interface {
	SetString(key, value string)
	SetInt(key string, value int32)
	Del(key string)
}

// NullSink discards every update. It's the default Sink when a
// Server/Client is constructed without WithDebugSink.
type NullSink struct{}

func (NullSink) SetString(string, string) {}
func (NullSink) SetInt(string, int32)     {}
func (NullSink) Del(string)               {}
