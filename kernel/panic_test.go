package kernel

import (
	"bytes"
	"strings"
	"testing"

	"hikos/kernel/kfmt"
)

func TestPanic(t *testing.T) {
	defer func(origHalt func()) {
		cpuHaltFn = origHalt
		kfmt.SetOutputSink(nil)
	}(cpuHaltFn)

	halts := 0
	cpuHaltFn = func() { halts++ }

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	t.Run("kernel error", func(t *testing.T) {
		buf.Reset()
		Panic(&Error{Module: "pmm", Message: "accounting mismatch"})

		out := buf.String()
		if !strings.Contains(out, "[pmm] unrecoverable error: accounting mismatch") {
			t.Fatalf("expected error banner; got %q", out)
		}
		if !strings.Contains(out, "kernel panic: system halted") {
			t.Fatalf("expected halt banner; got %q", out)
		}
	})

	t.Run("string cause", func(t *testing.T) {
		buf.Reset()
		Panic("bad state")
		if !strings.Contains(buf.String(), "[rt] unrecoverable error: bad state") {
			t.Fatalf("expected runtime banner; got %q", buf.String())
		}
	})

	if halts != 2 {
		t.Fatalf("expected the CPU halted per panic; got %d", halts)
	}
}

func TestErrorInterface(t *testing.T) {
	err := &Error{Module: "vmm", Message: "boom"}
	var asErr error = err
	if asErr.Error() != "boom" {
		t.Fatalf("expected message via error interface; got %q", asErr.Error())
	}
}
