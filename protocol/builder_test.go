package protocol

import (
	"testing"

	"github.com/valyala/bytebufferpool"
)

const testDate = "Mon, 02 Jan 2006 15:04:05 GMT"

func Test_encode_full_response(t *testing.T) {
	rb := NewResponseBuilder()
	rb.SetStatus(200)
	rb.AddHeader("Content-Type", "text/plain")
	rb.AddHeader("Connection", "keep-alive")
	rb.SetBody([]byte("hi"))

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	rb.EncodeHeaders(buf, testDate, false)
	rb.EncodeBody(buf)

	want := "HTTP/1.1 200 OK\r\n" +
		"Date: " + testDate + "\r\n" +
		"Content-Type: text/plain\r\n" +
		"Connection: keep-alive\r\n" +
		"Content-Length: 2\r\n" +
		"\r\n" +
		"hi"
	if got := buf.String(); got != want {
		t.Errorf("wire bytes:\ngot  %q\nwant %q", got, want)
	}
}

func Test_encode_chunked(t *testing.T) {
	rb := NewResponseBuilder()
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	rb.SetBody([]byte("hello, world"))
	rb.EncodeChunk(buf)
	if got := buf.String(); got != "c\r\nhello, world\r\n" {
		t.Errorf("chunk framing: got %q", got)
	}

	buf.Reset()
	rb.Headers = rb.Headers[:0]
	rb.AddHeader("X-Trailer", "done")
	rb.EncodeChunkEnd(buf)
	if got := buf.String(); got != "0\r\nX-Trailer: done\r\n\r\n" {
		t.Errorf("chunk end framing: got %q", got)
	}
}

func Test_status_table(t *testing.T) {
	cases := map[int]string{
		200: "OK",
		404: "Not Found",
		413: "Payload Too Large",
		503: "Service Unavailable",
		504: "Gateway Timeout",
		418: "",
	}
	for code, want := range cases {
		if got := StatusText(code); got != want {
			t.Errorf("StatusText(%d): got %q want %q", code, got, want)
		}
	}
}

func Test_status_out_of_range_coerced(t *testing.T) {
	rb := NewResponseBuilder()
	rb.SetStatus(42)
	if rb.Status != 500 {
		t.Errorf("status 42 should coerce to 500, got %d", rb.Status)
	}
	rb.SetStatus(604)
	if rb.Status != 500 {
		t.Errorf("status 604 should coerce to 500, got %d", rb.Status)
	}
}

func Test_builder_reset(t *testing.T) {
	rb := NewResponseBuilder()
	rb.SetStatus(404)
	rb.AddHeader("X", "y")
	rb.SetBody([]byte("gone"))
	rb.Reset()
	if rb.Status != 200 || len(rb.Headers) != 0 || rb.Body != nil {
		t.Errorf("reset left state behind: %+v", rb)
	}
}
