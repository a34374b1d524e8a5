package wire

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/aeviox/osprey/internal/xerr"
	"github.com/pkg/errors"
)

func roundTrip(t *testing.T, f *Frame) *Frame {
	t.Helper()
	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Parse(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return got
}

func TestRequestRoundTrip(t *testing.T) {
	f := NewRequest("SIGN_ON", "/")
	f.SetHeader("name", "sense-1")
	f.SetHeader("device", "pi-A")
	f.SetHeader("class", "SenseHandler")
	f.Body = []byte(`{"time":[1.0],"x":[0.1]}`)

	got := roundTrip(t, f)
	if got.Dir != Request || got.Method != "SIGN_ON" || got.Path != "/" {
		t.Fatalf("got = %+v", got)
	}
	if got.Header("name") != "sense-1" || got.Header("device") != "pi-A" || got.Header("class") != "SenseHandler" {
		t.Fatalf("headers lost: %+v", got.Headers)
	}
	if string(got.Body) != string(f.Body) {
		t.Fatalf("body = %q, want %q", got.Body, f.Body)
	}
	if got.Header("content-length") != "24" {
		t.Fatalf("content-length = %q", got.Header("content-length"))
	}
}

func TestResponseRoundTrip(t *testing.T) {
	f := NewResponse("200", "OK")
	got := roundTrip(t, f)
	if got.Dir != Response || got.Code != "200" || got.Message != "OK" {
		t.Fatalf("got = %+v", got)
	}
}

func TestQueryParsing(t *testing.T) {
	raw := "GET /stream?id=abc&mode=live OSPREY/1.0\r\n\r\n"
	f, err := Parse(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Path != "/stream" {
		t.Errorf("Path = %q", f.Path)
	}
	if f.Query["id"] != "abc" || f.Query["mode"] != "live" {
		t.Errorf("Query = %+v", f.Query)
	}
}

func TestHeaderKeyLowercased(t *testing.T) {
	raw := "GET / OSPREY/1.0\r\nContent-Type : text/plain\r\n\r\n"
	f, err := Parse(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Header("content-type") != "text/plain" {
		t.Errorf("Header(content-type) = %q", f.Header("content-type"))
	}
}

func TestOversizedStartLineRejected(t *testing.T) {
	raw := "GET " + strings.Repeat("a", 300) + " OSPREY/1.0\r\n\r\n"
	_, err := Parse(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for oversized start line")
	}
	if !errors.Is(err, xerr.ProtocolError) {
		t.Errorf("err = %v, want ProtocolError", err)
	}
}

func TestTooManyHeadersRejected(t *testing.T) {
	var b strings.Builder
	b.WriteString("GET / OSPREY/1.0\r\n")
	for i := 0; i < 40; i++ {
		b.WriteString("x : y\r\n")
	}
	b.WriteString("\r\n")
	_, err := Parse(bufio.NewReader(strings.NewReader(b.String())))
	if err == nil {
		t.Fatal("expected error for too many headers")
	}
}

func TestMissingColonRejected(t *testing.T) {
	raw := "GET / OSPREY/1.0\r\nbadheader\r\n\r\n"
	_, err := Parse(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for header missing colon")
	}
	if !errors.Is(err, xerr.ProtocolError) {
		t.Errorf("err = %v, want ProtocolError", err)
	}
}

func TestShortBodyIsProtocolError(t *testing.T) {
	raw := "GET / OSPREY/1.0\r\ncontent-length : 10\r\n\r\nabc"
	_, err := Parse(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for short body")
	}
	if !errors.Is(err, xerr.ProtocolError) {
		t.Errorf("err = %v, want ProtocolError", err)
	}
}

func TestWrongArityRejected(t *testing.T) {
	raw := "GET /only-two\r\n\r\n"
	_, err := Parse(bufio.NewReader(strings.NewReader(raw)))
	if err == nil {
		t.Fatal("expected error for wrong start-line arity")
	}
}
