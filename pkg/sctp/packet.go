package sctp

import (
	"encoding/binary"
	"hash/crc32"
)

const commonHeaderSize = 12

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// packet is an SCTP common header and its chunks.
type packet struct {
	srcPort         uint16
	dstPort         uint16
	verificationTag uint32
	chunks          []chunk
}

func (p *packet) marshal() []byte {
	size := commonHeaderSize
	for _, c := range p.chunks {
		size += chunkLen(c)
	}
	b := make([]byte, commonHeaderSize, size)
	binary.BigEndian.PutUint16(b, p.srcPort)
	binary.BigEndian.PutUint16(b[2:], p.dstPort)
	binary.BigEndian.PutUint32(b[4:], p.verificationTag)
	for _, c := range p.chunks {
		b = appendChunk(b, c)
	}
	// The CRC32c is written least significant byte first (RFC 4960
	// Appendix B).
	binary.LittleEndian.PutUint32(b[8:], crc32.Checksum(b, castagnoli))
	return b
}

func (p *packet) unmarshal(b []byte) error {
	if len(b) < commonHeaderSize {
		return errPacketTooShort
	}
	want := binary.LittleEndian.Uint32(b[8:])
	crc := crc32.Update(0, castagnoli, b[:8])
	crc = crc32.Update(crc, castagnoli, []byte{0, 0, 0, 0})
	crc = crc32.Update(crc, castagnoli, b[commonHeaderSize:])
	if crc != want {
		return errChecksumMismatch
	}

	p.srcPort = binary.BigEndian.Uint16(b)
	p.dstPort = binary.BigEndian.Uint16(b[2:])
	p.verificationTag = binary.BigEndian.Uint32(b[4:])
	p.chunks = p.chunks[:0]

	rest := b[commonHeaderSize:]
	for len(rest) > 0 {
		c, n, err := parseChunk(rest)
		if err != nil {
			return err
		}
		p.chunks = append(p.chunks, c)
		rest = rest[n:]
	}
	if len(p.chunks) == 0 {
		return errChunkTooShort
	}
	for _, c := range p.chunks {
		if c.typ() == ctInit && len(p.chunks) > 1 {
			return errInitChunkBundled
		}
	}
	return nil
}
