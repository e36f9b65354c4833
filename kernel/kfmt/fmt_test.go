package kfmt

import (
	"bytes"
	"testing"
)

func TestFprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no verbs", nil, "no verbs"},
		{"%s", []interface{}{"hello"}, "hello"},
		{"%8s|", []interface{}{"pad"}, "     pad|"},
		{"%s", []interface{}{[]byte("bytes")}, "bytes"},
		{"%d", []interface{}{42}, "42"},
		{"%d", []interface{}{-42}, "-42"},
		{"%5d|", []interface{}{7}, "    7|"},
		{"%x", []interface{}{uint64(0xbadf00d)}, "badf00d"},
		{"%8x|", []interface{}{uint32(0xff)}, "000000ff|"},
		{"%o", []interface{}{uint8(8)}, "10"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"%c", []interface{}{byte('k')}, "k"},
		{"100%%", nil, "100%"},
		{"%d", nil, "%!(MISSING)"},
		{"%d", []interface{}{"nope"}, "%!(WRONGTYPE)"},
		{"ok", []interface{}{1}, "ok%!(EXTRA)"},
		{"%q", []interface{}{1}, "%!(NOVERB)"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)
		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestEarlyBufferDrain(t *testing.T) {
	defer func() {
		earlyBuf = ringBuffer{}
		sink = nil
	}()
	sink = nil
	earlyBuf = ringBuffer{}

	Printf("early %d\n", 1)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	defer SetOutputSink(nil)

	if got := buf.String(); got != "early 1\n" {
		t.Fatalf("expected early output to be drained to the sink; got %q", got)
	}

	Printf("late")
	if got := buf.String(); got != "early 1\nlate" {
		t.Fatalf("expected direct output after sink registration; got %q", got)
	}
}
