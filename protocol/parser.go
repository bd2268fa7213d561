package protocol

// Limits bounds the token parser. Exceeding MaxTokenLength or
// MaxHeaderCount yields a BAD_REQUEST parse error; exceeding
// MaxContentLength yields PAYLOAD_TOO_LARGE.
type Limits struct {
	MaxTokenLength   int
	MaxHeaderCount   int
	MaxContentLength int64
}

// DefaultLimits are the compile-time defaults: 8 KiB per token, 127
// headers, 8 MiB of declared body.
var DefaultLimits = Limits{
	MaxTokenLength:   8 * 1024,
	MaxHeaderCount:   127,
	MaxContentLength: 8 * 1024 * 1024,
}

type subState int

const (
	subNone subState = iota
	subLWS
	subCR
	subCRLF
)

const (
	flagSawContentLength uint8 = 1 << iota
	flagSawTransferEncoding
	flagIsChunked
)

const (
	contentLengthUp     = "CONTENT-LENGTH"
	contentLengthLow    = "content-length"
	transferEncodingUp  = "TRANSFER-ENCODING"
	transferEncodingLow = "transfer-encoding"
	chunkedUp           = "CHUNKED"
	chunkedLow          = "chunked"
)

// ParserState is a resumable HTTP/1.1 token parser. A single call to Parse
// (or ParseChunk, once in chunk mode) either emits one Token or exhausts
// the available bytes and returns a Kind == None sentinel; the next call
// picks up exactly where the last left off, so it does not matter how the
// input was split across reads.
type ParserState struct {
	State Kind
	Sub   subState

	ContentLength int64 // decimal during header parse, hex during chunk-size parse
	TokenStart    int
	Len           int
	Start         int // resume index for the next Parse/ParseChunk call
	BodyStart     int

	HeaderCount int
	cli         int8 // rolling match index against "content-length"
	tei         int8 // rolling match index against "transfer-encoding" / "chunked"

	Flags uint8

	limits Limits
}

// NewParserState returns a parser ready to read a request line.
func NewParserState(limits Limits) *ParserState {
	return &ParserState{State: Method, limits: limits}
}

// Reset returns the parser to its initial state, as if newly constructed,
// for reuse across keep-alive requests on the same session.
func (p *ParserState) Reset() {
	limits := p.limits
	*p = ParserState{State: Method, limits: limits}
}

// Chunked reports whether the parsed request declared
// Transfer-Encoding: chunked.
func (p *ParserState) Chunked() bool { return p.Flags&flagIsChunked != 0 }

func matchLiteral(c byte, up, low string, idx *int8) {
	i := int(*idx)
	if i < len(up) && (c == up[i] || c == low[i]) {
		*idx = int8(i + 1)
	}
}

func isLWSByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func (p *ParserState) fail(sub ErrSubtype) Token {
	p.Len = 0
	p.State = ParseError
	return Token{Index: int(sub), Kind: ParseError}
}

// Parse resumes header/request-line parsing over buf (whose length may
// have grown since the previous call) and returns the next token, or a
// None token if buf is exhausted without completing one.
func (p *ParserState) Parse(buf []byte) Token {
	n := len(buf)
	for i := p.Start; i < n; i++ {
		c := buf[i]
		switch p.State {
		case Method:
			if p.Len == 0 && (c == '\r' || c == '\n') {
				// Empty line(s) before the request line are ignored, per
				// RFC 7230 §3.5. This also absorbs the trailing CRLF of a
				// previous chunked request that straggled in after reuse.
				p.TokenStart = i + 1
				p.Start = i + 1
				continue
			}
			if c == ' ' {
				tok := Token{Index: p.TokenStart, Len: p.Len, Kind: Method}
				p.State = Target
				p.Len = 0
				p.TokenStart = i + 1
				p.Start = i + 1
				return tok
			}

		case Target:
			if c == ' ' {
				tok := Token{Index: p.TokenStart, Len: p.Len, Kind: Target}
				p.State = Version
				p.TokenStart = i + 1
				p.Len = 0
				p.Start = i + 1
				return tok
			}

		case Version:
			if c == '\r' {
				p.Sub = subCR
				tok := Token{Index: p.TokenStart, Len: p.Len, Kind: Version}
				p.Start = i + 1
				p.Len++
				return tok
			} else if p.Sub == subCR && c == '\n' {
				// Request line done. Land in HeaderEnd with a CRLF already
				// seen so a request with zero headers (bare CRLF next) is
				// recognized by the same blank-line logic as one with many.
				p.Sub = subCRLF
				p.Len = 0
				p.TokenStart = i + 1
				p.State = HeaderEnd
			}

		case HeaderKey:
			if c == ':' {
				p.State = HeaderValue
				p.Sub = subLWS
				if int(p.cli) == len(contentLengthLow) && p.Len == int(p.cli) {
					p.Flags |= flagSawContentLength
				} else if int(p.tei) == len(transferEncodingLow) && p.Len == int(p.tei) {
					p.Flags |= flagSawTransferEncoding
				}
				p.cli, p.tei = 0, 0
				tok := Token{Index: p.TokenStart, Len: p.Len, Kind: HeaderKey}
				p.Start = i + 1
				p.Len++
				return tok
			}
			matchLiteral(c, contentLengthUp, contentLengthLow, &p.cli)
			matchLiteral(c, transferEncodingUp, transferEncodingLow, &p.tei)

		case HeaderValue:
			switch {
			case p.Sub == subLWS && isLWSByte(c):
				// leading linear whitespace, skipped
			case p.Sub == subLWS:
				p.Sub = subNone
				p.Len = 0
				p.TokenStart = i
				if p.Flags&flagSawContentLength != 0 {
					p.ContentLength = p.ContentLength*10 + int64(c-'0')
				} else if p.Flags&flagSawTransferEncoding != 0 {
					matchLiteral(c, chunkedUp, chunkedLow, &p.tei)
				}
			case c == '\r':
				p.Sub = subCR
				p.State = HeaderEnd
				if p.Flags&flagSawTransferEncoding != 0 &&
					int(p.tei) == len(chunkedLow) && p.Len == int(p.tei) {
					p.Flags |= flagIsChunked
				}
				p.Flags &^= flagSawTransferEncoding | flagSawContentLength
				p.tei = 0
				if p.HeaderCount >= p.limits.MaxHeaderCount {
					return p.fail(ErrBadRequestSub)
				}
				p.HeaderCount++
				tok := Token{Index: p.TokenStart, Len: p.Len, Kind: HeaderValue}
				p.Start = i + 1
				p.Len++
				return tok
			case p.Flags&flagSawContentLength != 0:
				newLen := p.ContentLength*10 + int64(c-'0')
				if newLen > p.limits.MaxContentLength {
					return p.fail(ErrPayloadTooLargeSub)
				}
				p.ContentLength = newLen
			case p.Flags&flagSawTransferEncoding != 0:
				matchLiteral(c, chunkedUp, chunkedLow, &p.tei)
			}

		case HeaderEnd:
			switch {
			case p.Sub == subCR && c == '\n':
				p.Sub = subCRLF
			case p.Sub == subCRLF && c == '\r':
				// Blank line: the header block is over. The body starts
				// after the LF that closes this CRLF, which may not have
				// arrived yet; indices past the filled region self-correct
				// because the caller only acts once that many bytes exist.
				p.Sub = subNone
				p.State = Body
				tok := Token{Index: i + 2, Kind: Body}
				p.BodyStart = tok.Index
				if p.Flags&flagIsChunked != 0 {
					tok.Len = ChunkedLen
				} else {
					tok.Len = int(p.ContentLength)
				}
				p.Start = i + 2
				p.Len = 0
				return tok
			case p.Sub == subCRLF:
				// Not a blank line: this byte starts the next header's
				// key. Reprocess it in HeaderKey.
				p.Sub = subNone
				p.Len = 0
				p.TokenStart = i
				p.State = HeaderKey
				i--
				continue
			}
		}
		p.Len++
		if p.Len > p.limits.MaxTokenLength && p.State != Body {
			return p.fail(ErrBadRequestSub)
		}
	}
	p.Start = n
	return Token{Kind: None}
}

// StartChunkMode switches the parser from header-parsing to chunk-parsing,
// called once the Body token signals ChunkedLen.
func (p *ParserState) StartChunkMode() {
	p.TokenStart = p.Start
	p.ContentLength = 0
	p.State = ChunkSize
}

func (p *ParserState) genBodyToken() Token {
	tok := Token{Index: p.TokenStart, Len: int(p.ContentLength), Kind: ChunkBody}
	p.Start = p.TokenStart + int(p.ContentLength)
	p.State = ChunkBodyEnd
	return tok
}

func hexDigit(c byte) (int64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int64(c - '0'), true
	case c >= 'A' && c <= 'F':
		return int64(c-'A') + 10, true
	case c >= 'a' && c <= 'f':
		return int64(c-'a') + 10, true
	default:
		return 0, false
	}
}

// ParseChunk resumes chunk-body parsing. Valid only after StartChunkMode.
// Emits one ChunkBody token per declared chunk; a chunk declared with
// size 0 signals end of body. When the buffer is exhausted mid-chunk the
// caller should invoke Compact so the next read overwrites consumed
// chunk framing instead of growing the buffer without bound.
func (p *ParserState) ParseChunk(buf []byte) Token {
	n := len(buf)
	for p.Start < n {
		if p.State == ChunkBody {
			// The whole declared chunk must be contiguous before a token
			// is emitted; until then consume everything available.
			if int64(n-p.TokenStart) < p.ContentLength {
				p.Start = n
				return Token{Kind: None}
			}
			return p.genBodyToken()
		}
		c := buf[p.Start]
		p.Start++
		switch p.State {
		case ChunkSize:
			switch {
			case c == ';':
				p.State = ChunkExtn
			case c == '\n':
				p.TokenStart = p.Start
				p.State = ChunkBody
			case c == '\r':
				// ignored
			default:
				d, ok := hexDigit(c)
				if !ok {
					return p.fail(ErrBadRequestSub)
				}
				newLen := p.ContentLength*0x10 + d
				if newLen > p.limits.MaxContentLength {
					return p.fail(ErrPayloadTooLargeSub)
				}
				p.ContentLength = newLen
			}
		case ChunkExtn:
			if c == '\n' {
				p.TokenStart = p.Start
				p.State = ChunkBody
			}
		case ChunkBodyEnd:
			if c == '\n' {
				p.State = ChunkSize
				p.ContentLength = 0
				p.TokenStart = p.Start
			}
		}
	}
	// A ChunkBody whose bytes are all present already emits above even
	// when Start has caught up with the buffer end (zero-length final
	// chunk, or a chunk ending exactly at the fill line).
	if p.State == ChunkBody && int64(n-p.TokenStart) >= p.ContentLength {
		return p.genBodyToken()
	}
	return Token{Kind: None}
}

// Compact shifts a partially buffered chunk's bytes back to BodyStart
// once ParseChunk has drained the buffer without emitting a token, so
// subsequent reads overwrite already-consumed chunk framing. This bounds
// per-session memory during long chunked uploads. Returns the new filled
// length the caller must truncate its buffer to. Every token index other
// than the in-progress one is meaningless after this call; header tokens
// live below BodyStart and are unaffected.
func (p *ParserState) Compact(buf []byte) int {
	n := len(buf)
	if p.State == ChunkBody {
		if p.TokenStart <= p.BodyStart {
			return n
		}
		tail := n - p.TokenStart
		copy(buf[p.BodyStart:p.BodyStart+tail], buf[p.TokenStart:n])
		p.TokenStart = p.BodyStart
		p.Start = p.BodyStart + tail
		return p.Start
	}
	// Size-line, extension and trailing-CRLF bytes are consumed as they
	// are scanned (the hex accumulator holds their state), so nothing
	// needs to survive the shift.
	if p.Start > p.BodyStart {
		p.TokenStart = p.BodyStart
		p.Start = p.BodyStart
	}
	return p.Start
}
