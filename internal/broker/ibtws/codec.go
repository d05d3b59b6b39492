package ibtws

import (
	"fmt"
	"strconv"
	"strings"
)

// The v100+ wire format frames every message as a 4-byte big-endian
// length followed by null-separated fields. maxFrameSize bounds a single
// frame so a corrupt length prefix cannot make us buffer unboundedly.
const maxFrameSize = 1 << 20

// frame prepends the 4-byte big-endian length to a message body.
func frame(msg string) []byte {
	size := len(msg)
	out := make([]byte, 4+size)
	out[0] = byte(size >> 24)
	out[1] = byte(size >> 16)
	out[2] = byte(size >> 8)
	out[3] = byte(size)
	copy(out[4:], msg)
	return out
}

// frameLen decodes the length prefix. The caller guarantees len(b) >= 4.
func frameLen(b []byte) int {
	return int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
}

// message builds a null-terminated field sequence from mixed values.
func message(fields ...any) string {
	var sb strings.Builder
	for _, f := range fields {
		switch v := f.(type) {
		case string:
			sb.WriteString(v)
		case int:
			sb.WriteString(strconv.Itoa(v))
		case int64:
			sb.WriteString(strconv.FormatInt(v, 10))
		default:
			sb.WriteString(fmt.Sprint(v))
		}
		sb.WriteByte(0)
	}
	return sb.String()
}

// fieldScanner walks the null-separated fields of one inbound frame.
// Reads past the end return zero values rather than panicking, so
// handlers can decode best-effort against version drift.
type fieldScanner struct {
	fields [][]byte
	pos    int
}

func newFieldScanner(fields [][]byte) *fieldScanner {
	return &fieldScanner{fields: fields}
}

func (s *fieldScanner) next() string {
	if s.pos >= len(s.fields) {
		return ""
	}
	f := s.fields[s.pos]
	s.pos++
	return string(f)
}

func (s *fieldScanner) nextInt() int {
	v, _ := strconv.Atoi(s.next())
	return v
}

func (s *fieldScanner) nextInt64() int64 {
	v, _ := strconv.ParseInt(s.next(), 10, 64)
	return v
}

func (s *fieldScanner) nextFloat() float64 {
	v, _ := strconv.ParseFloat(s.next(), 64)
	return v
}

func (s *fieldScanner) skip(n int) {
	s.pos += n
}

func (s *fieldScanner) remaining() int {
	return len(s.fields) - s.pos
}
