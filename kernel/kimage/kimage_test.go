package kimage

import "testing"

type headerBuilder struct {
	data []byte
}

func newHeader() *headerBuilder {
	b := &headerBuilder{data: make([]byte, HeaderSize)}
	b.putU64(0, Signature)
	b.putU32(8, 1)
	return b
}

func (b *headerBuilder) putU32(off int, v uint32) *headerBuilder {
	b.data[off] = byte(v)
	b.data[off+1] = byte(v >> 8)
	b.data[off+2] = byte(v >> 16)
	b.data[off+3] = byte(v >> 24)
	return b
}

func (b *headerBuilder) putU64(off int, v uint64) *headerBuilder {
	b.putU32(off, uint32(v))
	b.putU32(off+4, uint32(v>>32))
	return b
}

func TestParse(t *testing.T) {
	raw := newHeader().
		putU32(12, FlagSigned).
		putU64(16, 0x1000).   // entry
		putU64(24, 0x1000).   // code offset
		putU64(32, 0x8000).   // code size
		putU64(40, 0x9000).   // data offset
		putU64(48, 0x2000).   // data size
		putU64(56, 0xB000).   // config offset
		putU64(64, 0x200).    // config size
		putU64(72, 0xB200).   // signature offset
		putU64(80, 0x180).    // signature size
		data

	hdr, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Version != 1 || !hdr.Signed() {
		t.Fatalf("unexpected header %+v", hdr)
	}
	if hdr.EntryPoint != 0x1000 || hdr.CodeOffset != 0x1000 || hdr.CodeSize != 0x8000 {
		t.Fatalf("unexpected code geometry %+v", hdr)
	}
	if hdr.SignatureOffset != 0xB200 || hdr.SignatureSize != 0x180 {
		t.Fatalf("unexpected signature geometry %+v", hdr)
	}

	if err := hdr.Validate(0x10000); err != nil {
		t.Fatalf("expected geometry to validate; got %v", err)
	}
}

func TestParseFailures(t *testing.T) {
	if _, err := Parse(make([]byte, 16)); err != ErrTruncated {
		t.Fatalf("expected truncated header rejected; got %v", err)
	}

	bad := newHeader().putU64(0, 0x1234).data
	if _, err := Parse(bad); err != ErrBadSignature {
		t.Fatalf("expected bad signature rejected; got %v", err)
	}
}

func TestValidateGeometry(t *testing.T) {
	// Code section extending past the image.
	hdr, err := Parse(newHeader().putU64(24, 0x8000).putU64(32, 0x9000).data)
	if err != nil {
		t.Fatal(err)
	}
	if err := hdr.Validate(0x10000); err != ErrBadGeometry {
		t.Fatalf("expected out-of-bounds section rejected; got %v", err)
	}

	// Entry point outside the image.
	hdr, _ = Parse(newHeader().putU64(16, 0x20000).data)
	if err := hdr.Validate(0x10000); err != ErrBadGeometry {
		t.Fatalf("expected out-of-image entry rejected; got %v", err)
	}

	// Signed flag without a signature region.
	hdr, _ = Parse(newHeader().putU32(12, FlagSigned).data)
	if err := hdr.Validate(0x10000); err != ErrUnsignedImage {
		t.Fatalf("expected signed-without-signature rejected; got %v", err)
	}
}
