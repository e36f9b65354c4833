// Package kfmt provides a minimal, allocation-free Printf implementation
// that is safe to use from any kernel path, including the panic path and
// code that runs before the memory subsystems are initialized. Output
// produced before a sink is registered accumulates in a ring buffer and is
// replayed once SetOutputSink is called.
package kfmt

import "io"

var (
	errNoVerb       = []byte("%!(NOVERB)")
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyBuf buffers Printf output generated before a sink is attached.
	earlyBuf ringBuffer

	// sink is the destination for Printf output; nil redirects to earlyBuf.
	sink io.Writer

	// scratch is a shared one-byte window for emitting format literals
	// without triggering a string-to-slice allocation.
	scratch = []byte{0}

	// numBuf holds digits while integers are formatted (enough for a
	// 64-bit value in base 8).
	numBuf [22]byte
)

// SetOutputSink directs future Printf output to w and drains any output that
// accumulated in the early boot buffer.
func SetOutputSink(w io.Writer) {
	sink = w
	if w != nil {
		io.Copy(w, &earlyBuf)
	}
}

// GetOutputSink returns the currently registered output sink or the early
// boot buffer when no sink has been attached yet.
func GetOutputSink() io.Writer {
	if sink == nil {
		return &earlyBuf
	}
	return sink
}

// Printf formats its arguments to the active output sink. The supported verb
// subset is %s, %d, %x, %o, %t and %c with an optional decimal width
// immediately before the verb. Strings and base-10 integers shorter than the
// width are left-padded with spaces, base-16 integers with zeroes. Pointer
// formatting and reflection-based verbs are deliberately absent; they require
// runtime facilities the kernel cannot rely on during early boot.
func Printf(format string, args ...interface{}) {
	Fprintf(GetOutputSink(), format, args...)
}

// Fprintf behaves like Printf writing to the supplied io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		i        int
	)

	for i < len(format) {
		c := format[i]
		if c != '%' {
			emitByte(w, c)
			i++
			continue
		}

		// Scan the optional width and the verb.
		i++
		pad := 0
		for i < len(format) && format[i] >= '0' && format[i] <= '9' {
			pad = pad*10 + int(format[i]-'0')
			i++
		}

		if i >= len(format) {
			write(w, errNoVerb)
			break
		}

		verb := format[i]
		i++

		if verb == '%' {
			emitByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			write(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			emitInt(w, args[argIndex], 10, pad)
		case 'x':
			emitInt(w, args[argIndex], 16, pad)
		case 'o':
			emitInt(w, args[argIndex], 8, pad)
		case 's':
			emitString(w, args[argIndex], pad)
		case 't':
			emitBool(w, args[argIndex])
		case 'c':
			emitChar(w, args[argIndex])
		default:
			write(w, errNoVerb)
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		write(w, errExtraArg)
	}
}

func write(w io.Writer, p []byte) {
	if w != nil {
		w.Write(p)
	}
}

// emitByte writes a single byte through the shared scratch window.
func emitByte(w io.Writer, b byte) {
	scratch[0] = b
	write(w, scratch)
}

func emitRepeat(w io.Writer, b byte, count int) {
	for ; count > 0; count-- {
		emitByte(w, b)
	}
}

func emitString(w io.Writer, v interface{}, pad int) {
	switch s := v.(type) {
	case string:
		emitRepeat(w, ' ', pad-len(s))
		// Converting the string to a byte slice would allocate; emit a
		// byte at a time instead.
		for i := 0; i < len(s); i++ {
			emitByte(w, s[i])
		}
	case []byte:
		emitRepeat(w, ' ', pad-len(s))
		write(w, s)
	default:
		write(w, errWrongArgType)
	}
}

func emitBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	if !ok {
		write(w, errWrongArgType)
		return
	}
	if b {
		write(w, trueValue)
		return
	}
	write(w, falseValue)
}

func emitChar(w io.Writer, v interface{}) {
	switch c := v.(type) {
	case byte:
		emitByte(w, c)
	case rune:
		emitByte(w, byte(c))
	default:
		write(w, errWrongArgType)
	}
}

func emitInt(w io.Writer, v interface{}, base uint64, pad int) {
	var (
		val      uint64
		negative bool
	)

	switch x := v.(type) {
	case uint8:
		val = uint64(x)
	case uint16:
		val = uint64(x)
	case uint32:
		val = uint64(x)
	case uint64:
		val = x
	case uint:
		val = uint64(x)
	case uintptr:
		val = uint64(x)
	case int8:
		negative, val = x < 0, abs64(int64(x))
	case int16:
		negative, val = x < 0, abs64(int64(x))
	case int32:
		negative, val = x < 0, abs64(int64(x))
	case int64:
		negative, val = x < 0, abs64(x)
	case int:
		negative, val = x < 0, abs64(int64(x))
	default:
		write(w, errWrongArgType)
		return
	}

	const digits = "0123456789abcdef"
	pos := len(numBuf)
	for {
		pos--
		numBuf[pos] = digits[val%base]
		val /= base
		if val == 0 {
			break
		}
	}
	if negative {
		pos--
		numBuf[pos] = '-'
	}

	padByte := byte(' ')
	if base == 16 {
		padByte = '0'
	}
	emitRepeat(w, padByte, pad-(len(numBuf)-pos))
	write(w, numBuf[pos:])
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}
