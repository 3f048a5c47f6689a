// Package wire implements the command framing contract: a
// tag-then-payload binary encoding of the checkpoint/restore command
// stream. Variable-length fields are length-prefixed; byte order and
// integer widths are fixed by this package alone, emitter and acceptor
// must be built from the same version of it.
//
// Writer and Reader intentionally do NOT wrap their underlying
// io.Writer/io.Reader in a bufio buffer: a Mapping command's raw
// payload bytes are streamed directly against the same io.Writer by
// internal/memio immediately after WriteMappingHeader returns, and an
// intervening buffer would risk reordering the header relative to the
// payload, or holding payload bytes back past a point the other side
// is already blocked reading them. Header struct and mapping bytes
// must land on the same raw stream, unbuffered, in sequence.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/thundergolfer-labs/telefork/internal/fdscan"
	"github.com/thundergolfer-labs/telefork/internal/telerr"
)

// Tag identifies which command follows on the wire.
type Tag byte

const (
	TagProcessState Tag = iota + 1
	TagRemap
	TagMapping
	TagFileDescriptors
	TagResumeWithRegisters
)

func (t Tag) String() string {
	switch t {
	case TagProcessState:
		return "ProcessState"
	case TagRemap:
		return "Remap"
	case TagMapping:
		return "Mapping"
	case TagFileDescriptors:
		return "FileDescriptors"
	case TagResumeWithRegisters:
		return "ResumeWithRegisters"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

const (
	permReadable = 1 << iota
	permWritable
	permExecutable
)

// MappingHeader is the fixed portion of a Mapping command; its payload
// (exactly Size bytes) follows immediately on the wire and is not
// framed by this package.
type MappingHeader struct {
	Pathname   string
	Readable   bool
	Writable   bool
	Executable bool
	Addr       uint64
	Size       uint64
}

// Writer frames outbound commands directly onto an unbuffered
// io.Writer.
type Writer struct {
	w io.Writer
}

// NewWriter wraps w. w is never buffered internally by this package.
func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) writeByte(b byte) error {
	_, err := w.w.Write([]byte{b})
	return err
}

func (w *Writer) writeUint64(v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.w.Write(buf[:])
	return err
}

func (w *Writer) writeUint32(v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.w.Write(buf[:])
	return err
}

func (w *Writer) writeInt64(v int64) error { return w.writeUint64(uint64(v)) }

func (w *Writer) writeString(s string) error {
	if err := w.writeUint32(uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w.w, s)
	return err
}

// WriteProcessState emits the single ProcessState command carrying the
// donor's program-break address.
func (w *Writer) WriteProcessState(brk uint64) error {
	if err := w.writeByte(byte(TagProcessState)); err != nil {
		return &telerr.IOError{Op: "write ProcessState tag", Err: err}
	}
	if err := w.writeUint64(brk); err != nil {
		return &telerr.IOError{Op: "write ProcessState brk", Err: err}
	}
	return nil
}

// WriteRemap emits a Remap directive for a kernel-managed map. name
// must be one of [vdso], [vsyscall], [vvar].
func (w *Writer) WriteRemap(name string, addr, size uint64) error {
	if err := w.writeByte(byte(TagRemap)); err != nil {
		return &telerr.IOError{Op: "write Remap tag", Err: err}
	}
	if err := w.writeString(name); err != nil {
		return &telerr.IOError{Op: "write Remap name", Err: err}
	}
	if err := w.writeUint64(addr); err != nil {
		return &telerr.IOError{Op: "write Remap addr", Err: err}
	}
	if err := w.writeUint64(size); err != nil {
		return &telerr.IOError{Op: "write Remap size", Err: err}
	}
	return nil
}

// WriteMappingHeader emits a Mapping command's fixed header. The
// caller must follow this, on the same underlying writer, with exactly
// h.Size raw bytes (see internal/memio.StreamOut) before writing
// anything else.
func (w *Writer) WriteMappingHeader(h MappingHeader) error {
	if err := w.writeByte(byte(TagMapping)); err != nil {
		return &telerr.IOError{Op: "write Mapping tag", Err: err}
	}
	if err := w.writeString(h.Pathname); err != nil {
		return &telerr.IOError{Op: "write Mapping pathname", Err: err}
	}
	var perm byte
	if h.Readable {
		perm |= permReadable
	}
	if h.Writable {
		perm |= permWritable
	}
	if h.Executable {
		perm |= permExecutable
	}
	if err := w.writeByte(perm); err != nil {
		return &telerr.IOError{Op: "write Mapping perms", Err: err}
	}
	if err := w.writeUint64(h.Addr); err != nil {
		return &telerr.IOError{Op: "write Mapping addr", Err: err}
	}
	if err := w.writeUint64(h.Size); err != nil {
		return &telerr.IOError{Op: "write Mapping size", Err: err}
	}
	return nil
}

// WriteFileDescriptors emits the single FileDescriptors command.
func (w *Writer) WriteFileDescriptors(cm fdscan.ConnectionMap) error {
	if err := w.writeByte(byte(TagFileDescriptors)); err != nil {
		return &telerr.IOError{Op: "write FileDescriptors tag", Err: err}
	}
	if err := w.writeUint32(uint32(len(cm))); err != nil {
		return &telerr.IOError{Op: "write FileDescriptors count", Err: err}
	}
	for fd, d := range cm {
		if err := w.writeUint32(uint32(fd)); err != nil {
			return &telerr.IOError{Op: "write descriptor fd", Err: err}
		}
		if err := w.writeByte(byte(d.Kind)); err != nil {
			return &telerr.IOError{Op: "write descriptor kind", Err: err}
		}
		switch d.Kind {
		case fdscan.KindRegularFile:
			if err := w.writeString(d.Pathname); err != nil {
				return &telerr.IOError{Op: "write descriptor pathname", Err: err}
			}
			if err := w.writeInt64(d.Offset); err != nil {
				return &telerr.IOError{Op: "write descriptor offset", Err: err}
			}
		case fdscan.KindDirectory:
			if err := w.writeString(d.Pathname); err != nil {
				return &telerr.IOError{Op: "write descriptor pathname", Err: err}
			}
		case fdscan.KindSocket:
			if err := w.writeString(d.LocalAddr); err != nil {
				return &telerr.IOError{Op: "write descriptor local addr", Err: err}
			}
			if err := w.writeString(d.RemoteAddr); err != nil {
				return &telerr.IOError{Op: "write descriptor remote addr", Err: err}
			}
		}
	}
	return nil
}

// WriteResumeWithRegistersHeader emits the length prefix of the
// terminating ResumeWithRegisters command. The caller must follow this
// with exactly length raw register bytes.
func (w *Writer) WriteResumeWithRegistersHeader(length uint32) error {
	if err := w.writeByte(byte(TagResumeWithRegisters)); err != nil {
		return &telerr.IOError{Op: "write ResumeWithRegisters tag", Err: err}
	}
	return w.writeUint32(length)
}

// Reader parses inbound commands from an unbuffered io.Reader, for the
// same reason Writer does not buffer: Mapping payload bytes follow a
// header on the same stream and must be consumed by internal/memio
// immediately, in lockstep with the sender.
type Reader struct {
	r io.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// Raw exposes the underlying, unbuffered reader so that a Mapping
// payload or a ResumeWithRegisters register blob — neither of which is
// framed by this package — can be streamed directly by the caller
// (internal/memio, or a direct io.ReadFull) immediately after reading
// the preceding header, in lockstep with the writer.
func (r *Reader) Raw() io.Reader { return r.r }

func (r *Reader) readByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *Reader) readUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (r *Reader) readUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (r *Reader) readInt64() (int64, error) {
	v, err := r.readUint64()
	return int64(v), err
}

func (r *Reader) readString() (string, error) {
	n, err := r.readUint32()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadTag reads the next command's discriminator.
func (r *Reader) ReadTag() (Tag, error) {
	b, err := r.readByte()
	if err != nil {
		return 0, &telerr.IOError{Op: "read tag", Err: err}
	}
	t := Tag(b)
	switch t {
	case TagProcessState, TagRemap, TagMapping, TagFileDescriptors, TagResumeWithRegisters:
		return t, nil
	default:
		return 0, &telerr.FramingError{Reason: fmt.Sprintf("unrecognized tag %d", b)}
	}
}

// ReadProcessState reads a ProcessState payload (the tag must already
// have been consumed via ReadTag).
func (r *Reader) ReadProcessState() (uint64, error) {
	brk, err := r.readUint64()
	if err != nil {
		return 0, &telerr.IOError{Op: "read ProcessState brk", Err: err}
	}
	return brk, nil
}

// ReadRemap reads a Remap payload.
func (r *Reader) ReadRemap() (name string, addr, size uint64, err error) {
	if name, err = r.readString(); err != nil {
		return "", 0, 0, &telerr.IOError{Op: "read Remap name", Err: err}
	}
	if addr, err = r.readUint64(); err != nil {
		return "", 0, 0, &telerr.IOError{Op: "read Remap addr", Err: err}
	}
	if size, err = r.readUint64(); err != nil {
		return "", 0, 0, &telerr.IOError{Op: "read Remap size", Err: err}
	}
	return name, addr, size, nil
}

// ReadMappingHeader reads a Mapping command's fixed header. The caller
// must then consume exactly the returned Size bytes from the same
// underlying reader before calling ReadTag again.
func (r *Reader) ReadMappingHeader() (MappingHeader, error) {
	var h MappingHeader
	var err error
	if h.Pathname, err = r.readString(); err != nil {
		return h, &telerr.IOError{Op: "read Mapping pathname", Err: err}
	}
	perm, err := r.readByte()
	if err != nil {
		return h, &telerr.IOError{Op: "read Mapping perms", Err: err}
	}
	h.Readable = perm&permReadable != 0
	h.Writable = perm&permWritable != 0
	h.Executable = perm&permExecutable != 0
	if h.Addr, err = r.readUint64(); err != nil {
		return h, &telerr.IOError{Op: "read Mapping addr", Err: err}
	}
	if h.Size, err = r.readUint64(); err != nil {
		return h, &telerr.IOError{Op: "read Mapping size", Err: err}
	}
	if h.Size == 0 || h.Size%4096 != 0 {
		return h, &telerr.FramingError{Reason: fmt.Sprintf("mapping size %d is not a positive multiple of 4096", h.Size)}
	}
	return h, nil
}

// ReadFileDescriptors reads the FileDescriptors command.
func (r *Reader) ReadFileDescriptors() (fdscan.ConnectionMap, error) {
	count, err := r.readUint32()
	if err != nil {
		return nil, &telerr.IOError{Op: "read FileDescriptors count", Err: err}
	}
	cm := make(fdscan.ConnectionMap, count)
	for i := uint32(0); i < count; i++ {
		fd32, err := r.readUint32()
		if err != nil {
			return nil, &telerr.IOError{Op: "read descriptor fd", Err: err}
		}
		kindByte, err := r.readByte()
		if err != nil {
			return nil, &telerr.IOError{Op: "read descriptor kind", Err: err}
		}
		d := fdscan.Descriptor{FD: int(fd32), Kind: fdscan.Kind(kindByte)}
		switch d.Kind {
		case fdscan.KindRegularFile:
			if d.Pathname, err = r.readString(); err != nil {
				return nil, &telerr.IOError{Op: "read descriptor pathname", Err: err}
			}
			if d.Offset, err = r.readInt64(); err != nil {
				return nil, &telerr.IOError{Op: "read descriptor offset", Err: err}
			}
		case fdscan.KindDirectory:
			if d.Pathname, err = r.readString(); err != nil {
				return nil, &telerr.IOError{Op: "read descriptor pathname", Err: err}
			}
		case fdscan.KindSocket:
			if d.LocalAddr, err = r.readString(); err != nil {
				return nil, &telerr.IOError{Op: "read descriptor local addr", Err: err}
			}
			if d.RemoteAddr, err = r.readString(); err != nil {
				return nil, &telerr.IOError{Op: "read descriptor remote addr", Err: err}
			}
		}
		cm[d.FD] = d
	}
	return cm, nil
}

// ReadResumeWithRegistersHeader reads the length prefix of the
// terminating ResumeWithRegisters command. The caller must then read
// exactly length raw bytes from the same underlying reader.
func (r *Reader) ReadResumeWithRegistersHeader() (uint32, error) {
	length, err := r.readUint32()
	if err != nil {
		return 0, &telerr.IOError{Op: "read ResumeWithRegisters length", Err: err}
	}
	return length, nil
}
