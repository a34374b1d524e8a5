package ipc

import "net"

// SocketPackage is the transferable bundle described in spec §4.D: a raw
// connection handle plus enough of the originating Socket Handler's state
// that the destination process can reconstruct an identical handler and
// redispatch the in-flight request exactly once.
//
// FD is only meaningful on the sending side, where it is the live
// connection's file descriptor; the receiving side reconstructs a
// *net.TCPConn from the fd it receives over the fd-passing socket, not
// from this field (gob cannot carry a file descriptor across processes,
// only the OS's SCM_RIGHTS primitive can).
type SocketPackage struct {
	HandlerID string

	// Pending request fields, populated iff the handler had a
	// fully-parsed request in flight at the moment of halt().
	HasRequest bool
	Method     string
	Path       string
	Code       string
	Message    string
	Version    string
	Query      map[string]string
	Headers    map[string]string
	Body       []byte

	// FD is set by the sender immediately before transmission and is
	// meaningless once gob-decoded on the other end; the real descriptor
	// travels out-of-band via SCM_RIGHTS (processChannel).
	FD int

	// Conn is the live connection itself, used only by inprocChannel
	// (both ends share one address space, so the pointer is the
	// handoff). Never encoded: processChannel sends FD instead.
	Conn net.Conn `gob:"-"`
}
