package ibtws

import (
	"bytes"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	body := message(3, "abc", int64(42))
	framed := frame(body)

	if got := frameLen(framed); got != len(body) {
		t.Errorf("frameLen = %d, want %d", got, len(body))
	}
	if string(framed[4:]) != body {
		t.Errorf("frame body = %q, want %q", framed[4:], body)
	}
}

func TestFrame_LengthPrefixIsBigEndian(t *testing.T) {
	framed := frame("xy")
	want := []byte{0, 0, 0, 2, 'x', 'y'}
	if !bytes.Equal(framed, want) {
		t.Errorf("frame = %v, want %v", framed, want)
	}
}

func TestMessage_NullTerminatesEveryField(t *testing.T) {
	got := message(5, "BUY", int64(10), "")
	want := "5\x00BUY\x0010\x00\x00"
	if got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

func TestFieldScanner_TypedReads(t *testing.T) {
	fields := bytes.Split([]byte("AAPL\x007\x00100.25\x00skipme\x00tail"), []byte{0})
	s := newFieldScanner(fields)

	if got := s.next(); got != "AAPL" {
		t.Errorf("next = %q, want AAPL", got)
	}
	if got := s.nextInt64(); got != 7 {
		t.Errorf("nextInt64 = %d, want 7", got)
	}
	if got := s.nextFloat(); got != 100.25 {
		t.Errorf("nextFloat = %v, want 100.25", got)
	}
	s.skip(1)
	if got := s.remaining(); got != 1 {
		t.Errorf("remaining = %d, want 1", got)
	}
	if got := s.next(); got != "tail" {
		t.Errorf("next = %q, want tail", got)
	}
}

func TestFieldScanner_PastEndReturnsZeroValues(t *testing.T) {
	s := newFieldScanner([][]byte{[]byte("only")})
	s.skip(5)

	if got := s.next(); got != "" {
		t.Errorf("next past end = %q, want empty", got)
	}
	if got := s.nextInt(); got != 0 {
		t.Errorf("nextInt past end = %d, want 0", got)
	}
	if got := s.nextFloat(); got != 0 {
		t.Errorf("nextFloat past end = %v, want 0", got)
	}
}

func TestFieldScanner_MalformedNumberReadsAsZero(t *testing.T) {
	s := newFieldScanner([][]byte{[]byte("not-a-number")})
	if got := s.nextInt(); got != 0 {
		t.Errorf("nextInt = %d, want 0 for malformed field", got)
	}
}
