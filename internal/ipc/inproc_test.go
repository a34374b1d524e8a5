package ipc

import (
	"net"
	"testing"
	"time"
)

func TestInprocChannelFIFO(t *testing.T) {
	host, worker := NewInprocPair(4)
	defer host.Close()
	defer worker.Close()

	host.Send(Message{Kind: KindSocketPackage, Package: &SocketPackage{HandlerID: "a"}})
	host.Send(Message{Kind: KindSocketPackage, Package: &SocketPackage{HandlerID: "b"}})

	m1, err := worker.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if m1.Package.HandlerID != "a" {
		t.Fatalf("got %q, want a (FIFO order)", m1.Package.HandlerID)
	}
	m2, err := worker.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if m2.Package.HandlerID != "b" {
		t.Fatalf("got %q, want b", m2.Package.HandlerID)
	}
}

func TestInprocChannelClosedSentinelRepeats(t *testing.T) {
	host, worker := NewInprocPair(1)
	host.Close()

	for i := 0; i < 3; i++ {
		msg, err := worker.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if msg.Kind != KindClosed {
			t.Fatalf("receive %d: got kind %v, want KindClosed", i, msg.Kind)
		}
	}
}

func TestInprocChannelCarriesLiveConn(t *testing.T) {
	host, worker := NewInprocPair(1)
	defer host.Close()
	defer worker.Close()

	c1, c2 := net.Pipe()
	defer c2.Close()

	host.Send(Message{Kind: KindSocketPackage, Package: &SocketPackage{
		HandlerID: "sock-1",
		Conn:      c1,
	}})

	got, err := worker.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if got.Package.Conn != c1 {
		t.Fatal("expected the same net.Conn to cross the in-process pipe")
	}

	go c1.Write([]byte("hi"))
	buf := make([]byte, 2)
	c2.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := c2.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hi" {
		t.Fatalf("got %q", buf)
	}
}

func TestInprocChannelShutdownToken(t *testing.T) {
	host, worker := NewInprocPair(1)
	defer host.Close()
	defer worker.Close()

	host.Send(Message{Kind: KindShutdown})
	msg, err := worker.Receive()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != KindShutdown {
		t.Fatalf("got kind %v, want KindShutdown", msg.Kind)
	}
}
