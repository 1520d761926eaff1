// File: api/handler.go
//
// Handler is the capability set the pool's higher layer injects at
// construction: setup/read/teardown/update hooks, modeled as an
// interface rather than the virtual methods the source library used
// (see spec §9's re-architecture note).

package api

// Handler receives the pool's lifecycle and data-ready notifications.
// Conn is declared as an opaque interface here to avoid a dependency
// cycle between api and the package that implements the connection;
// callers downcast to their concrete connection type if needed.
type Handler interface {
	// OnSetup fires once a connection is handed to a worker and, for
	// plaintext connections, is ready for data; for TLS connections
	// readiness for data is signalled later by UpdateConn(conn, true)
	// once the handshake completes.
	OnSetup(conn Conn)

	// OnRead fires after the recv buffer accumulates some data and no
	// more is currently available to read.
	OnRead(conn Conn)

	// OnTeardown fires exactly once per connection, on the dispatcher,
	// immediately after the connection is removed from the registry.
	OnTeardown(conn Conn)

	// UpdateConn fires with ready=true when a TLS handshake completes
	// and the connection is now safe to read/write application data.
	UpdateConn(conn Conn, ready bool)
}

// Conn is the subset of connection behavior visible to a Handler.
type Conn interface {
	FD() int
	PeerAddr() NetAddr
	Mode() ConnMode
	Send(p []byte) error
	// Recv drains and returns the oldest queued segment of data
	// received since the last Recv call, or nil if none is queued.
	// Call it repeatedly from OnRead until it returns nil.
	Recv() []byte
	PeerCertificate() *PeerCertificate
}

// HandlerFuncs adapts plain functions to the Handler interface; any
// nil field is treated as a no-op, letting callers implement only the
// hooks they care about.
type HandlerFuncs struct {
	Setup    func(Conn)
	Read     func(Conn)
	Teardown func(Conn)
	Update   func(Conn, bool)
}

func (h HandlerFuncs) OnSetup(c Conn) {
	if h.Setup != nil {
		h.Setup(c)
	}
}

func (h HandlerFuncs) OnRead(c Conn) {
	if h.Read != nil {
		h.Read(c)
	}
}

func (h HandlerFuncs) OnTeardown(c Conn) {
	if h.Teardown != nil {
		h.Teardown(c)
	}
}

func (h HandlerFuncs) UpdateConn(c Conn, ready bool) {
	if h.Update != nil {
		h.Update(c, ready)
	}
}
