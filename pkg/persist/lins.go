package persist

import (
	"bytes"
	"fmt"
	"strconv"
	"unicode"

	"github.com/KevoDB/qstorage/pkg/block"
)

// Separators of a key index record:
//
//	<key>-<count>|<offset>+<offset>+...+<offset>/
const (
	headSplit   = '-'
	listSplit   = '|'
	offsetSplit = '+'
	recordEnd   = '/'
	escape      = '\\'
)

// Record is one decoded key index entry
type Record struct {
	Key   string
	Entry block.Entry
}

func isSpecial(c byte) bool {
	switch c {
	case headSplit, listSplit, offsetSplit, recordEnd, escape:
		return true
	}
	return false
}

// AppendRecord appends the encoded form of one entry to dst. Separator
// characters inside the key are prefixed with a backslash; keys without
// them are written verbatim.
func AppendRecord(dst []byte, key string, e block.Entry) []byte {
	for i := 0; i < len(key); i++ {
		if isSpecial(key[i]) {
			dst = append(dst, escape)
		}
		dst = append(dst, key[i])
	}
	dst = append(dst, headSplit)
	dst = strconv.AppendUint(dst, e.Count, 10)
	dst = append(dst, listSplit)
	for i, off := range e.Blocks {
		if i > 0 {
			dst = append(dst, offsetSplit)
		}
		dst = strconv.AppendInt(dst, off, 10)
	}
	return append(dst, recordEnd)
}

// EncodeIndex encodes every entry of the allocator, keys in sorted order
func EncodeIndex(a *block.Allocator) []byte {
	var buf []byte
	a.Range(func(key string, e block.Entry) bool {
		buf = AppendRecord(buf, key, e)
		return true
	})
	return buf
}

// DecodeIndex parses a key index file. Bytes are accumulated until an
// unescaped record terminator and the span is then parsed on its own.
func DecodeIndex(data []byte) ([]Record, error) {
	var records []Record

	start := 0
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		switch {
		case escaped:
			escaped = false
		case c == escape:
			escaped = true
		case c == recordEnd:
			rec, err := parseRecord(data[start:i])
			if err != nil {
				return nil, fmt.Errorf("%w: record %d: %v", ErrCorruptIndex, len(records), err)
			}
			records = append(records, rec)
			start = i + 1
		}
	}

	if tail := bytes.TrimFunc(data[start:], unicode.IsSpace); len(tail) > 0 {
		return nil, fmt.Errorf("%w: unterminated record %q", ErrCorruptIndex, tail)
	}
	return records, nil
}

// lastUnescaped returns the index of the last unescaped sep in span
func lastUnescaped(span []byte, sep byte) int {
	pos := -1
	escaped := false
	for i, c := range span {
		switch {
		case escaped:
			escaped = false
		case c == escape:
			escaped = true
		case c == sep:
			pos = i
		}
	}
	return pos
}

func unescapeKey(raw []byte) string {
	out := make([]byte, 0, len(raw))
	escaped := false
	for _, c := range raw {
		if !escaped && c == escape {
			escaped = true
			continue
		}
		escaped = false
		out = append(out, c)
	}
	return string(out)
}

// parseRecord splits on the last unescaped separators so that records
// written without escaping (by older writers) still decode when the key
// contains '-' or '|': count and offsets never contain them.
func parseRecord(span []byte) (Record, error) {
	var rec Record

	list := lastUnescaped(span, listSplit)
	if list < 0 {
		return rec, fmt.Errorf("missing %q", listSplit)
	}
	head := span[:list]

	dash := lastUnescaped(head, headSplit)
	if dash < 0 {
		return rec, fmt.Errorf("missing %q", headSplit)
	}

	count, err := strconv.ParseUint(string(head[dash+1:]), 10, 64)
	if err != nil {
		return rec, fmt.Errorf("bad byte count: %v", err)
	}

	blocks, err := parseOffsets(span[list+1:])
	if err != nil {
		return rec, err
	}

	rec.Key = unescapeKey(head[:dash])
	rec.Entry = block.Entry{Count: count, Blocks: blocks}
	return rec, nil
}

// parseOffsets parses '+' separated offsets, skipping empty tokens
func parseOffsets(data []byte) ([]int64, error) {
	offsets := make([]int64, 0, bytes.Count(data, []byte{offsetSplit})+1)
	for _, tok := range bytes.Split(data, []byte{offsetSplit}) {
		tok = bytes.TrimSpace(tok)
		if len(tok) == 0 {
			continue
		}
		off, err := strconv.ParseInt(string(tok), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad offset %q: %v", tok, err)
		}
		offsets = append(offsets, off)
	}
	return offsets, nil
}

// EncodeFree joins free offsets with '+' in reuse order
func EncodeFree(offsets []int64) []byte {
	var buf []byte
	for i, off := range offsets {
		if i > 0 {
			buf = append(buf, offsetSplit)
		}
		buf = strconv.AppendInt(buf, off, 10)
	}
	return buf
}

// DecodeFree parses a free list file. A trailing '+' is accepted.
func DecodeFree(data []byte) ([]int64, error) {
	offsets, err := parseOffsets(data)
	if err != nil {
		return nil, fmt.Errorf("%w: free list: %v", ErrCorruptIndex, err)
	}
	return offsets, nil
}
