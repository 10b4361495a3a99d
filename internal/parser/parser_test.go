package parser

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// utf16le encodes ASCII text as UTF-16LE, optionally with a BOM.
func utf16le(s string, bom bool) []byte {
	var b bytes.Buffer

	if bom {
		b.Write([]byte{0xFF, 0xFE})
	}

	for _, r := range s {
		b.WriteByte(byte(r))
		b.WriteByte(byte(r >> 8))
	}

	return b.Bytes()
}

// utf16swapped encodes ASCII text as byte-pair-swapped UTF-16 behind an
// FE FF BOM, matching the vendor feeds that emit a big-endian BOM ahead of
// little-endian content.
func utf16swapped(s string) []byte {
	var b bytes.Buffer

	b.Write([]byte{0xFE, 0xFF})

	for _, r := range s {
		b.WriteByte(byte(r >> 8))
		b.WriteByte(byte(r))
	}

	return b.Bytes()
}

func readAll(t *testing.T, p *Parser) []*Record {
	t.Helper()

	var records []*Record

	for {
		rec, err := p.Next()
		if errors.Is(err, io.EOF) {
			return records
		}

		require.NoError(t, err)
		records = append(records, rec)
	}
}

func TestParser_Next_TwoRows(t *testing.T) {
	input := "1|^^|2|^^|3|~~|4|^^|5|^^|6"
	p := New(strings.NewReader(input), Config{})

	records := readAll(t, p)

	require.Len(t, records, 2)
	assert.Equal(t, []string{"1", "2", "3"}, records[0].Fields)
	assert.Equal(t, []string{"4", "5", "6"}, records[1].Fields)
	assert.Equal(t, int64(1), records[0].RowNumber)
	assert.Equal(t, int64(2), records[1].RowNumber)
	assert.Equal(t, int64(len(input)), p.BytesRead())
}

func TestParser_Next_EmptyFile(t *testing.T) {
	p := New(strings.NewReader(""), Config{})

	records := readAll(t, p)

	assert.Empty(t, records)
	assert.Zero(t, p.WarningCount())
}

func TestParser_Next_TrailingRowSeparator(t *testing.T) {
	p := New(strings.NewReader("a|^^|b|~~|"), Config{SkipEmptyRows: true})

	records := readAll(t, p)

	require.Len(t, records, 1)
	assert.Equal(t, []string{"a", "b"}, records[0].Fields)
}

func TestParser_Next_SkipEmptyRows(t *testing.T) {
	input := "a|^^|b|~~||^^||~~|c|^^|d"
	p := New(strings.NewReader(input), Config{SkipEmptyRows: true})

	records := readAll(t, p)

	require.Len(t, records, 2)
	assert.Equal(t, []string{"a", "b"}, records[0].Fields)
	assert.Equal(t, []string{"c", "d"}, records[1].Fields)

	// Skipped rows do not consume row numbers.
	assert.Equal(t, int64(2), records[1].RowNumber)
}

func TestParser_Next_RowSeparatorSplitAcrossChunks(t *testing.T) {
	// A two-byte chunk size forces the multi-character separators to span
	// chunk boundaries.
	input := "first|^^|row|~~|second|^^|row"
	p := New(strings.NewReader(input), Config{ChunkSize: 2})

	records := readAll(t, p)

	require.Len(t, records, 2)
	assert.Equal(t, []string{"first", "row"}, records[0].Fields)
	assert.Equal(t, []string{"second", "row"}, records[1].Fields)
}

func TestParser_Next_UTF16LEWithBOM(t *testing.T) {
	p := New(bytes.NewReader(utf16le("1|^^|2|^^|3|~~|4|^^|5|^^|6", true)), Config{})

	records := readAll(t, p)

	require.Len(t, records, 2)
	assert.Equal(t, []string{"1", "2", "3"}, records[0].Fields)
	assert.Equal(t, []string{"4", "5", "6"}, records[1].Fields)
}

func TestParser_Next_UTF16LEWithoutBOM(t *testing.T) {
	p := New(bytes.NewReader(utf16le("1|^^|2|^^|3|~~|4|^^|5|^^|6", false)), Config{})

	records := readAll(t, p)

	require.Len(t, records, 2)
	assert.Equal(t, []string{"1", "2", "3"}, records[0].Fields)
	assert.Equal(t, []string{"4", "5", "6"}, records[1].Fields)
}

func TestParser_Next_UTF16SwappedBOM(t *testing.T) {
	p := New(bytes.NewReader(utf16swapped("1|^^|2|~~|3|^^|4")), Config{})

	records := readAll(t, p)

	require.Len(t, records, 2)
	assert.Equal(t, []string{"1", "2"}, records[0].Fields)
	assert.Equal(t, []string{"3", "4"}, records[1].Fields)
}

func TestParser_Next_UTF16OddChunkBoundary(t *testing.T) {
	// An odd chunk size splits UTF-16 code units across reads; the pending
	// byte must carry over.
	p := New(bytes.NewReader(utf16le("ab|^^|cd|~~|ef|^^|gh", true)), Config{ChunkSize: 3})

	records := readAll(t, p)

	require.Len(t, records, 2)
	assert.Equal(t, []string{"ab", "cd"}, records[0].Fields)
	assert.Equal(t, []string{"ef", "gh"}, records[1].Fields)
}

func TestParser_Next_EmbeddedNULStripped(t *testing.T) {
	// An embedded NUL inside field b survives decoding and is stripped by
	// field cleaning, leaving the intact substring.
	input := utf16le("1|^^|he\x00llo|^^|3", true)
	p := New(bytes.NewReader(input), Config{})

	records := readAll(t, p)

	require.Len(t, records, 1)
	assert.Equal(t, []string{"1", "hello", "3"}, records[0].Fields)
}

func TestParser_Next_FieldTruncation(t *testing.T) {
	long := strings.Repeat("x", 20)
	p := New(strings.NewReader("short|^^|"+long), Config{MaxFieldLength: 10})

	records := readAll(t, p)

	require.Len(t, records, 1)
	assert.Equal(t, "short", records[0].Fields[0])
	assert.Equal(t, strings.Repeat("x", 10), records[0].Fields[1])

	require.Equal(t, 1, p.WarningCount())
	assert.Equal(t, 1, p.Warnings()[0].Field)
	assert.Equal(t, int64(1), p.Warnings()[0].RowNumber)
}

func TestParser_Next_RowLengthCountsCharacters(t *testing.T) {
	// 40 two-byte characters: 80 bytes, but only 40 characters and so
	// within the limit.
	row := strings.Repeat("ā", 40)

	p := New(strings.NewReader(row), Config{MaxRowLength: 40})

	rec, err := p.Next()

	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, row, rec.Fields[0])
}

func TestParser_Next_RowTooLong(t *testing.T) {
	p := New(strings.NewReader(strings.Repeat("x", 100)), Config{MaxRowLength: 50})

	_, err := p.Next()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrParse)
	assert.ErrorIs(t, err, ErrRowTooLong)
}

func TestParser_Next_TruncatedUTF16Stream(t *testing.T) {
	// Odd total byte count means the final code unit is incomplete.
	data := utf16le("ab", true)
	p := New(bytes.NewReader(data[:len(data)-1]), Config{})

	_, err := p.Next()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestParser_Next_ErrorSticks(t *testing.T) {
	p := New(strings.NewReader(strings.Repeat("x", 100)), Config{MaxRowLength: 50})

	_, first := p.Next()
	_, second := p.Next()

	require.Error(t, first)
	assert.Equal(t, first, second)
}

func TestCleanField_ControlCharacters(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello", "hello"},
		{"trims whitespace", "  hello  ", "hello"},
		{"strips nul", "he\x00llo", "hello"},
		{"strips c0 controls", "he\x01\x02llo", "hello"},
		{"keeps tab", "a\tb", "a\tb"},
		{"strips replacement char", "he�llo", "hello"},
		{"strips bom", "\uFEFFhello", "hello"},
		{"empty after cleaning", "\x00\x01", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanField(tt.input))
		})
	}
}

func TestDetectEncoding_Heuristic(t *testing.T) {
	assert.Equal(t, encodingUTF16LE, detectEncoding([]byte{0xFF, 0xFE, 'a', 0x00}))
	assert.Equal(t, encodingUTF16Swapped, detectEncoding([]byte{0xFE, 0xFF, 0x00, 'a'}))
	assert.Equal(t, encodingUTF16LE, detectEncoding(utf16le("abcdef", false)))
	assert.Equal(t, encodingUTF8, detectEncoding([]byte("plain text")))
	assert.Equal(t, encodingUTF8, detectEncoding([]byte{}))
}
