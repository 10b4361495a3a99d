// Package parser implements the pull-based delimited parser for vendor
// extract files: headerless records with multi-character field and row
// separators, UTF-8 or UTF-16LE encoded, optionally carrying a BOM.
package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

// Sentinel errors for parse failures. Parse errors are per-file fatal; the
// parser makes no attempt to recover within a file.
var (
	// ErrParse is the root of the parse error taxonomy. Callers classify
	// with errors.Is(err, ErrParse).
	ErrParse = errors.New("parse error")

	// ErrRowTooLong is returned when a row exceeds MaxRowLength characters.
	ErrRowTooLong = errors.New("row exceeds maximum length")

	// ErrDecode is returned when a chunk cannot be decoded.
	ErrDecode = errors.New("failed to decode chunk")
)

// Defaults mirror the vendor feed contract.
const (
	DefaultFieldSeparator = "|^^|"
	DefaultRowSeparator   = "|~~|"
	DefaultMaxRowLength   = 10_000_000
	DefaultMaxFieldLength = 5_000

	defaultChunkSize = 64 * 1024
	maxKeptWarnings  = 100
)

type (
	// Config controls separators, limits and cleaning behaviour.
	Config struct {
		// FieldSeparator and RowSeparator are multi-character separator
		// strings, e.g. "|^^|" and "|~~|".
		FieldSeparator string
		RowSeparator   string

		// MaxRowLength fails the file when a single row exceeds it
		// (characters). Guards against a corrupted or missing row separator.
		MaxRowLength int

		// MaxFieldLength truncates over-length fields with a warning
		// (characters).
		MaxFieldLength int

		// SkipEmptyRows drops rows whose fields are all empty after
		// cleaning. Skipped rows do not consume a row number.
		SkipEmptyRows bool

		// ChunkSize is the read buffer size in bytes. Zero means default.
		ChunkSize int
	}

	// Record is one parsed row.
	Record struct {
		// RowNumber is 1-based and counts emitted rows only.
		RowNumber int64

		// Fields holds the cleaned field values in source order.
		Fields []string

		// Raw is the row text before field splitting (after decoding).
		Raw string
	}

	// Warning records a non-fatal parse anomaly, such as a truncated field.
	Warning struct {
		RowNumber int64
		Field     int
		Message   string
	}

	// Parser transforms a byte stream into a lazy sequence of Records.
	// Not safe for concurrent use.
	Parser struct {
		r   io.Reader
		cfg Config

		buf     []byte
		pending []byte // undecoded byte carried between UTF-16 chunks
		acc     string // decoded text awaiting a row separator
		queue   []string

		enc      contentEncoding
		encKnown bool

		rowNum  int64
		bytes   int64
		done    bool
		lastErr error

		warnings      []Warning
		warningsTotal int
	}

	contentEncoding int
)

const (
	encodingUTF8 contentEncoding = iota
	encodingUTF16LE
	// encodingUTF16Swapped covers FE FF BOMs: bytes are pair-swapped and
	// decoded as UTF-16LE, which round-trips BMP data produced by vendors
	// that emit a big-endian BOM ahead of little-endian content.
	encodingUTF16Swapped
)

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.FieldSeparator == "" {
		c.FieldSeparator = DefaultFieldSeparator
	}

	if c.RowSeparator == "" {
		c.RowSeparator = DefaultRowSeparator
	}

	if c.MaxRowLength <= 0 {
		c.MaxRowLength = DefaultMaxRowLength
	}

	if c.MaxFieldLength <= 0 {
		c.MaxFieldLength = DefaultMaxFieldLength
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}

	return c
}

// New creates a Parser over r. The configuration is normalised with
// WithDefaults.
func New(r io.Reader, cfg Config) *Parser {
	cfg = cfg.WithDefaults()

	return &Parser{
		r:   r,
		cfg: cfg,
		buf: make([]byte, cfg.ChunkSize),
	}
}

// Next returns the next record, or io.EOF when the stream is exhausted.
// Any other error is fatal for the file and wraps ErrParse.
func (p *Parser) Next() (*Record, error) {
	if p.lastErr != nil {
		return nil, p.lastErr
	}

	for {
		// Serve queued complete rows first.
		for len(p.queue) > 0 {
			raw := p.queue[0]
			p.queue = p.queue[1:]

			rec, ok := p.buildRecord(raw)
			if ok {
				return rec, nil
			}
		}

		if p.done {
			// Flush the accumulator as a final row.
			if p.acc != "" {
				raw := p.acc
				p.acc = ""

				if err := p.checkRowLength(raw); err != nil {
					p.lastErr = err

					return nil, err
				}

				if rec, ok := p.buildRecord(raw); ok {
					return rec, nil
				}

				continue
			}

			p.lastErr = io.EOF

			return nil, io.EOF
		}

		if err := p.fill(); err != nil {
			p.lastErr = err

			return nil, err
		}
	}
}

// BytesRead returns the number of source bytes consumed so far.
func (p *Parser) BytesRead() int64 {
	return p.bytes
}

// Warnings returns the recorded warnings. At most 100 are kept; the total
// count is available via WarningCount.
func (p *Parser) Warnings() []Warning {
	return p.warnings
}

// WarningCount returns the total number of warnings raised, including any
// dropped beyond the kept window.
func (p *Parser) WarningCount() int {
	return p.warningsTotal
}

// fill reads one chunk, decodes it and splits completed rows into the queue.
func (p *Parser) fill() error {
	n, err := p.r.Read(p.buf)
	if n > 0 {
		p.bytes += int64(n)

		text, decErr := p.decodeChunk(p.buf[:n])
		if decErr != nil {
			return decErr
		}

		p.acc += text

		// Split on the row separator: all but the last fragment are
		// complete rows; the last fragment stays in the accumulator.
		if strings.Contains(p.acc, p.cfg.RowSeparator) {
			parts := strings.Split(p.acc, p.cfg.RowSeparator)
			p.acc = parts[len(parts)-1]

			for _, row := range parts[:len(parts)-1] {
				if lenErr := p.checkRowLength(row); lenErr != nil {
					return lenErr
				}

				p.queue = append(p.queue, row)
			}
		}

		if lenErr := p.checkRowLength(p.acc); lenErr != nil {
			return lenErr
		}
	}

	if err != nil {
		if errors.Is(err, io.EOF) {
			p.done = true

			if len(p.pending) > 0 {
				return fmt.Errorf("%w: %w: truncated UTF-16 sequence at end of stream", ErrParse, ErrDecode)
			}

			return nil
		}

		return fmt.Errorf("%w: stream read failed: %w", ErrParse, err)
	}

	return nil
}

// decodeChunk converts raw bytes to text according to the detected encoding.
// Detection happens on the first non-empty chunk and sticks for the rest of
// the file; an odd trailing byte of a UTF-16 chunk is carried into the next.
func (p *Parser) decodeChunk(chunk []byte) (string, error) {
	if !p.encKnown {
		p.enc = detectEncoding(chunk)
		p.encKnown = true
	}

	if p.enc == encodingUTF8 {
		return string(chunk), nil
	}

	data := chunk
	if len(p.pending) > 0 {
		data = append(p.pending, chunk...) //nolint:gocritic // pending is consumed below
		p.pending = nil
	}

	if len(data)%2 != 0 {
		p.pending = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}

	if p.enc == encodingUTF16Swapped {
		swapped := make([]byte, len(data))
		for i := 0; i+1 < len(data); i += 2 {
			swapped[i] = data[i+1]
			swapped[i+1] = data[i]
		}

		data = swapped
	}

	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

	text, err := decoder.Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: %w: %w", ErrParse, ErrDecode, err)
	}

	return string(text), nil
}

func (p *Parser) checkRowLength(row string) error {
	// MaxRowLength is in characters; decoded rows may be multi-byte.
	if n := utf8.RuneCountInString(row); n > p.cfg.MaxRowLength {
		return fmt.Errorf("%w: %w: %d characters exceeds limit %d",
			ErrParse, ErrRowTooLong, n, p.cfg.MaxRowLength)
	}

	return nil
}

// buildRecord splits a raw row into cleaned fields. Returns ok=false when
// the row is skipped under SkipEmptyRows.
func (p *Parser) buildRecord(raw string) (*Record, bool) {
	parts := strings.Split(raw, p.cfg.FieldSeparator)
	fields := make([]string, len(parts))

	empty := true

	for i, part := range parts {
		field := CleanField(part)

		if truncated, cut := truncateField(field, p.cfg.MaxFieldLength); cut {
			field = truncated
			p.warn(p.rowNum+1, i, fmt.Sprintf("field truncated to %d characters", p.cfg.MaxFieldLength))
		}

		if field != "" {
			empty = false
		}

		fields[i] = field
	}

	if empty && p.cfg.SkipEmptyRows {
		return nil, false
	}

	p.rowNum++

	return &Record{
		RowNumber: p.rowNum,
		Fields:    fields,
		Raw:       raw,
	}, true
}

func (p *Parser) warn(rowNumber int64, field int, message string) {
	p.warningsTotal++

	if len(p.warnings) < maxKeptWarnings {
		p.warnings = append(p.warnings, Warning{
			RowNumber: rowNumber,
			Field:     field,
			Message:   message,
		})
	}
}

// detectEncoding inspects a chunk and picks the content encoding:
//
//  1. BOM FF FE: UTF-16LE.
//  2. BOM FE FF: UTF-16 with swapped byte pairs (decoded as LE after
//     swapping; see encodingUTF16Swapped).
//  3. Even-length chunk whose zero bytes sit predominantly in odd
//     positions: UTF-16LE without BOM.
//  4. Otherwise UTF-8.
func detectEncoding(chunk []byte) contentEncoding {
	if len(chunk) >= 2 {
		if chunk[0] == 0xFF && chunk[1] == 0xFE {
			return encodingUTF16LE
		}

		if chunk[0] == 0xFE && chunk[1] == 0xFF {
			return encodingUTF16Swapped
		}
	}

	if len(chunk) >= 4 && len(chunk)%2 == 0 {
		oddZeros, evenZeros := 0, 0

		for i, b := range chunk {
			if b == 0x00 {
				if i%2 == 1 {
					oddZeros++
				} else {
					evenZeros++
				}
			}
		}

		// ASCII-heavy UTF-16LE text has a zero high byte for most code
		// units; require a clear majority before committing.
		if oddZeros > evenZeros && oddZeros*4 >= len(chunk) {
			return encodingUTF16LE
		}
	}

	return encodingUTF8
}

// CleanField applies the documented field cleaning: whitespace trim, removal
// of NUL and C0 control characters except tab, line feed and carriage
// return, and removal of U+FFFD (replacement character) and U+FEFF (BOM).
func CleanField(field string) string {
	field = strings.TrimSpace(field)

	if !needsCleaning(field) {
		return field
	}

	var b strings.Builder

	b.Grow(len(field))

	for _, r := range field {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			continue
		}

		if r == utf8.RuneError || r == '\uFEFF' {
			continue
		}

		b.WriteRune(r)
	}

	return strings.TrimSpace(b.String())
}

func needsCleaning(field string) bool {
	for _, r := range field {
		if (r < 0x20 && r != '\t' && r != '\n' && r != '\r') || r == utf8.RuneError || r == '\uFEFF' {
			return true
		}
	}

	return false
}

// truncateField cuts a field to max runes. Returns the (possibly shortened)
// field and whether truncation happened.
func truncateField(field string, max int) (string, bool) {
	if utf8.RuneCountInString(field) <= max {
		return field, false
	}

	runes := []rune(field)

	return string(runes[:max]), true
}
