package replication

import "encoding/binary"

// Range is a half-open byte span [Start, End) into a SerializedData arena.
type Range struct {
	Start int
	End   int
}

// Len returns the number of bytes the range covers.
func (r Range) Len() int {
	return r.End - r.Start
}

// SerializedData is the append-only byte arena shared by one receiver's
// staging structures during a send pass. Staged records reference it by
// Range so serialized bytes are not copied until final packing. Reset keeps
// the capacity so steady-state passes do not allocate.
type SerializedData struct {
	buf []byte
}

// Mark returns the current write position, to be paired with Since.
func (s *SerializedData) Mark() int {
	return len(s.buf)
}

// Since returns the range of everything appended after mark.
func (s *SerializedData) Since(mark int) Range {
	return Range{Start: mark, End: len(s.buf)}
}

func (s *SerializedData) AppendByte(v byte) {
	s.buf = append(s.buf, v)
}

func (s *SerializedData) AppendUint16(v uint16) {
	s.buf = binary.LittleEndian.AppendUint16(s.buf, v)
}

func (s *SerializedData) AppendUint32(v uint32) {
	s.buf = binary.LittleEndian.AppendUint32(s.buf, v)
}

func (s *SerializedData) AppendBytes(b []byte) Range {
	mark := s.Mark()
	s.buf = append(s.buf, b...)
	return s.Since(mark)
}

// Bytes returns the arena bytes covered by r. The slice aliases the arena
// and is only valid until the next Reset.
func (s *SerializedData) Bytes(r Range) []byte {
	return s.buf[r.Start:r.End]
}

// Len returns the total number of bytes in the arena.
func (s *SerializedData) Len() int {
	return len(s.buf)
}

// Reset clears the arena for the next send pass, keeping capacity.
func (s *SerializedData) Reset() {
	s.buf = s.buf[:0]
}
