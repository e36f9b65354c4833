// Package kimage decodes the kernel image header. The bootloader is the
// authority that verifies a signed image before transferring control; the
// kernel re-reads the header of its own image at boot to locate its code,
// data, config and signature regions.
package kimage

import (
	"unsafe"

	"hikos/kernel"
)

const (
	// Signature is "HIK\0" in the image header.
	Signature uint64 = 0x48494B00

	// FlagSigned marks an image carrying an RSA-3072/PSS-SHA-384
	// signature that the bootloader must verify.
	FlagSigned uint32 = 0x00000001

	// HeaderSize is the packed on-disk header size including the
	// reserved tail.
	HeaderSize = 120
)

// Header is the decoded kernel image header.
type Header struct {
	Version uint32
	Flags   uint32

	EntryPoint uint64

	CodeOffset uint64
	CodeSize   uint64
	DataOffset uint64
	DataSize   uint64

	ConfigOffset uint64
	ConfigSize   uint64

	SignatureOffset uint64
	SignatureSize   uint64
}

var (
	// ErrBadSignature is returned when the header does not start with
	// the image magic.
	ErrBadSignature = &kernel.Error{Module: "kimage", Message: "kernel image signature mismatch"}

	// ErrTruncated is returned when fewer than HeaderSize bytes are
	// available.
	ErrTruncated = &kernel.Error{Module: "kimage", Message: "kernel image header truncated"}

	// ErrBadGeometry is returned when a section extends past the image.
	ErrBadGeometry = &kernel.Error{Module: "kimage", Message: "kernel image section out of bounds"}

	// ErrUnsignedImage is returned when the signed flag is set but the
	// signature region is empty.
	ErrUnsignedImage = &kernel.Error{Module: "kimage", Message: "signed image without signature region"}
)

func u32(p []byte, off int) uint32 {
	return uint32(p[off]) | uint32(p[off+1])<<8 | uint32(p[off+2])<<16 | uint32(p[off+3])<<24
}

func u64(p []byte, off int) uint64 {
	return uint64(u32(p, off)) | uint64(u32(p, off+4))<<32
}

// Parse decodes an image header from raw bytes.
func Parse(raw []byte) (*Header, *kernel.Error) {
	if len(raw) < HeaderSize {
		return nil, ErrTruncated
	}
	if u64(raw, 0) != Signature {
		return nil, ErrBadSignature
	}

	return &Header{
		Version:         u32(raw, 8),
		Flags:           u32(raw, 12),
		EntryPoint:      u64(raw, 16),
		CodeOffset:      u64(raw, 24),
		CodeSize:        u64(raw, 32),
		DataOffset:      u64(raw, 40),
		DataSize:        u64(raw, 48),
		ConfigOffset:    u64(raw, 56),
		ConfigSize:      u64(raw, 64),
		SignatureOffset: u64(raw, 72),
		SignatureSize:   u64(raw, 80),
	}, nil
}

// HeaderAt decodes the image header located at a physical address, as the
// kernel does for its own loaded image.
func HeaderAt(addr uintptr) (*Header, *kernel.Error) {
	raw := unsafe.Slice((*byte)(unsafe.Pointer(addr)), HeaderSize)
	return Parse(raw)
}

// Signed reports whether the image declares a signature the bootloader had
// to verify.
func (h *Header) Signed() bool {
	return h.Flags&FlagSigned != 0
}

// Validate checks the section geometry against the loaded image size.
func (h *Header) Validate(imageSize uint64) *kernel.Error {
	sections := [...][2]uint64{
		{h.CodeOffset, h.CodeSize},
		{h.DataOffset, h.DataSize},
		{h.ConfigOffset, h.ConfigSize},
		{h.SignatureOffset, h.SignatureSize},
	}
	for _, s := range sections {
		if s[0] > imageSize || s[1] > imageSize-s[0] {
			return ErrBadGeometry
		}
	}
	if h.EntryPoint >= imageSize {
		return ErrBadGeometry
	}
	if h.Signed() && h.SignatureSize == 0 {
		return ErrUnsignedImage
	}
	return nil
}
