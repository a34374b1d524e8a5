package ipc

import (
	"encoding/gob"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/xtaci/smux"

	"github.com/aeviox/osprey/internal/xerr"
	"github.com/aeviox/osprey/std"
)

// NewSocketpair creates a connected pair of unix-domain stream sockets.
// One end is returned as a *net.UnixConn for use in this process; the
// other is returned as an *os.File meant for exec.Cmd.ExtraFiles, so the
// child process inherits it at a fixed fd slot. Two pairs are needed per
// PipeChannel: one carries the smux-multiplexed control traffic, the
// other exists purely so SCM_RIGHTS ancillary data (which smux cannot
// carry) can ride alongside it.
func NewSocketpair() (here *net.UnixConn, there *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, xerr.Wrap(xerr.PipeClosed, "socketpair: "+err.Error())
	}
	hereFile := os.NewFile(uintptr(fds[0]), "ipc-local")
	thereFile := os.NewFile(uintptr(fds[1]), "ipc-remote")

	conn, err := net.FileConn(hereFile)
	hereFile.Close()
	if err != nil {
		thereFile.Close()
		return nil, nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		thereFile.Close()
		return nil, nil, xerr.Wrap(xerr.PipeClosed, "socketpair fd did not yield a unix conn")
	}
	return uc, thereFile, nil
}

// ExtractFD duplicates conn's underlying file descriptor as an *os.File
// suitable for sendFD/SCM_RIGHTS transfer. Per (*net.TCPConn).File()'s
// documented behavior the duplicate is independent of conn, but conn
// itself is switched to blocking mode as a side effect — acceptable here
// since the caller is about to hand conn off to another process anyway.
func ExtractFD(conn net.Conn) (*os.File, error) {
	type fileConn interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(fileConn)
	if !ok {
		return nil, xerr.Wrap(xerr.ProtocolError, "connection type does not support fd extraction")
	}
	return fc.File()
}

// processChannel is the real, cross-process PipeChannel (spec §4.C): a
// smux session multiplexed over a control unix socket carries gob-encoded
// Messages on one long-lived stream, while live connection handles ride
// a second, dedicated unix socket as SCM_RIGHTS ancillary data — smux
// streams cannot carry out-of-band data, so the fd transfer cannot live
// on the same socket as the typed messages.
type processChannel struct {
	sess   *smux.Session
	stream *smux.Stream
	fd     *net.UnixConn

	enc *gob.Encoder
	dec *gob.Decoder

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewProcessChannel builds one end of a PipeChannel. isServer selects
// which side performs the smux handshake as server versus client and
// which side accepts versus opens the control stream; exactly one of the
// two ends of a pair must pass true.
func NewProcessChannel(ctrl, fd *net.UnixConn, isServer bool) (Channel, error) {
	cfg, err := std.BuildSmuxConfig(std.SmuxConfigParams{
		Version:          2,
		MaxReceiveBuffer: 4 * 1024 * 1024,
		MaxStreamBuffer:  1024 * 1024,
		MaxFrameSize:     8192,
		KeepAliveSeconds: 10,
	})
	if err != nil {
		return nil, err
	}

	var sess *smux.Session
	var stream *smux.Stream
	if isServer {
		sess, err = smux.Server(ctrl, cfg)
		if err != nil {
			return nil, err
		}
		stream, err = sess.AcceptStream()
	} else {
		sess, err = smux.Client(ctrl, cfg)
		if err != nil {
			return nil, err
		}
		stream, err = sess.OpenStream()
	}
	if err != nil {
		sess.Close()
		return nil, err
	}

	return &processChannel{
		sess:   sess,
		stream: stream,
		fd:     fd,
		enc:    gob.NewEncoder(stream),
		dec:    gob.NewDecoder(stream),
		closed: make(chan struct{}),
	}, nil
}

// Send encodes msg onto the control stream. A KindSocketPackage message
// whose Package.FD names a live descriptor first hands that descriptor
// across the dedicated fd socket, then writes the message itself; the two
// writes are held under the same lock so a concurrent Send cannot
// interleave its own fd with this message's header.
func (c *processChannel) Send(msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.closed:
		return nil
	default:
	}

	if msg.Kind == KindSocketPackage && msg.Package != nil && msg.Package.FD > 0 {
		if err := sendFD(c.fd, msg.Package.FD); err != nil {
			return xerr.Wrap(xerr.PipeClosed, "send fd: "+err.Error())
		}
	}
	if err := c.enc.Encode(msg); err != nil {
		return xerr.Wrap(xerr.PipeClosed, "encode message: "+err.Error())
	}
	return nil
}

// Receive decodes the next message. For a KindSocketPackage message it
// blocks to pull the matching descriptor off the fd socket and wraps it
// as a net.Conn before returning.
func (c *processChannel) Receive() (Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		if err == io.EOF {
			return Message{Kind: KindClosed}, nil
		}
		select {
		case <-c.closed:
			return Message{Kind: KindClosed}, nil
		default:
		}
		return Message{}, xerr.Wrap(xerr.PipeClosed, "decode message: "+err.Error())
	}

	if msg.Kind == KindSocketPackage && msg.Package != nil {
		f, err := recvFD(c.fd)
		if err != nil {
			return Message{}, xerr.Wrap(xerr.PipeClosed, "receive fd: "+err.Error())
		}
		conn, err := net.FileConn(f)
		f.Close()
		if err != nil {
			return Message{}, xerr.Wrap(xerr.PipeClosed, "fd is not a connection: "+err.Error())
		}
		msg.Package.Conn = conn
	}
	return msg, nil
}

func (c *processChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.stream.Close()
		c.sess.Close()
		c.fd.Close()
	})
	return nil
}

// sendFD transmits one descriptor as SCM_RIGHTS ancillary data over conn.
func sendFD(conn *net.UnixConn, fd int) error {
	rights := syscall.UnixRights(fd)
	_, _, err := conn.WriteMsgUnix([]byte{0}, rights, nil)
	return err
}

// recvFD blocks for one descriptor arriving as SCM_RIGHTS ancillary data
// on conn and returns it as an *os.File owned by this process.
func recvFD(conn *net.UnixConn) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, syscall.CmsgSpace(4))
	_, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, err
	}
	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, xerr.Wrap(xerr.PipeClosed, "no ancillary data in fd message")
	}
	fds, err := syscall.ParseUnixRights(&msgs[0])
	if err != nil {
		return nil, err
	}
	if len(fds) == 0 {
		return nil, xerr.Wrap(xerr.PipeClosed, "no fd in ancillary data")
	}
	return os.NewFile(uintptr(fds[0]), "handed-off-socket"), nil
}
