package storage

// Packet is an owned copy of the bytes produced by one read, placed at an
// absolute position of the logical stream.
type Packet struct {
	Position int64
	Data     []byte
	Length   int
}

// NewPacket copies data[:length] so the caller can reuse its buffer.
func NewPacket(position int64, data []byte, length int) *Packet {
	buf := make([]byte, length)
	copy(buf, data[:length])
	return &Packet{Position: position, Data: buf, Length: length}
}

func (p *Packet) End() int64 {
	return p.Position + int64(p.Length)
}

// Merge appends q when it starts exactly where p ends and reports whether it
// did. q is left untouched.
func (p *Packet) Merge(q *Packet) bool {
	if q == nil || q.Position != p.End() {
		return false
	}
	p.Data = append(p.Data[:p.Length:p.Length], q.Data[:q.Length]...)
	p.Length += q.Length
	return true
}
