// Package frame implements the shared-memory wire framing for MediaSegment
// records: a metadata prefix declaring count and per-frame
// offsets/encryption fields, followed by a payload region of raw bytes.
// Writers fail with ShmExhausted when metadata+payload doesn't fit the
// slot; readers drop individual corrupt segments rather than failing the
// whole round — since the client is an untrusted peer,
// the server defensively copies and re-validates everything it reads
// rather than trusting offsets twice.
package frame

import (
	"encoding/binary"

	"rialto/internal/errs"
)

// SubSample is one clear/encrypted span within an encrypted segment's
// payload.
type SubSample struct {
	ClearBytes     uint16
	EncryptedBytes uint32
}

// EncryptionPattern is the segment's crypt/skip pattern for pattern-based
// encryption schemes.
type EncryptionPattern struct {
	Crypt uint32
	Skip  uint32
}

// CipherMode enumerates the cipher modes a descriptor can carry.
type CipherMode uint8

const (
	CipherNone CipherMode = iota
	CipherAesCtr
	CipherAesCbc
)

func (m CipherMode) String() string {
	switch m {
	case CipherAesCtr:
		return "AES_CTR"
	case CipherAesCbc:
		return "AES_CBC"
	default:
		return "NONE"
	}
}

func cipherModeFromString(s string) CipherMode {
	switch s {
	case "AES_CTR":
		return CipherAesCtr
	case "AES_CBC":
		return CipherAesCbc
	default:
		return CipherNone
	}
}

// Segment is the decoded, defensively-copied form of a client-written
// MediaSegment. Data/KeyID/InitVector/CodecData are always
// copies out of shared memory, never slices aliasing the shm region, so
// they remain valid after the client's next NeedData round starts
// overwriting the slot.
type Segment struct {
	SourceID    int32
	TimestampNs int64
	DurationNs  int64
	Data        []byte

	IsEncrypted       bool
	KeyID             []byte
	InitVector        []byte
	SubSamples        []SubSample
	MediaKeySessionID string
	InitWithLast15    bool
	CipherMode        string
	Pattern           EncryptionPattern

	// Audio-specific.
	ClippingStart uint64
	ClippingEnd   uint64

	// Video-specific.
	Width     int32
	Height    int32
	FrameRate float64 // frames/sec

	CodecData []byte
}

// descriptorBytes is the fixed-width row describing one segment in the
// metadata prefix. Variable-length payloads (sample data, key id, iv,
// subsamples, key session id, codec data) live in the trailer that
// follows the last descriptor; each descriptor carries a trailer-relative
// offset + length for each of its variable fields.
const descriptorBytes = 112

type descriptor struct {
	sourceID       int32
	timestampNs    int64
	durationNs     int64
	dataOffset     uint32
	dataLength     uint32
	isEncrypted    bool
	keyIDOffset    uint32
	keyIDLength    uint32
	ivOffset       uint32
	ivLength       uint32
	subSamplesOffset uint32
	subSamplesCount  uint32
	keySessionIDOffset uint32
	keySessionIDLength uint32
	initWithLast15 bool
	cipherMode     CipherMode
	crypt          uint32
	skip           uint32
	clippingStart  uint64
	clippingEnd    uint64
	width          int32
	height         int32
	frameRateMilliHz uint32
	codecDataOffset uint32
	codecDataLength uint32
}

func encodeDescriptor(b []byte, d descriptor) {
	c := cursor{buf: b}
	c.putI32(d.sourceID)
	c.putI64(d.timestampNs)
	c.putI64(d.durationNs)
	c.putU32(d.dataOffset)
	c.putU32(d.dataLength)
	c.putBool(d.isEncrypted)
	c.putU32(d.keyIDOffset)
	c.putU32(d.keyIDLength)
	c.putU32(d.ivOffset)
	c.putU32(d.ivLength)
	c.putU32(d.subSamplesOffset)
	c.putU32(d.subSamplesCount)
	c.putU32(d.keySessionIDOffset)
	c.putU32(d.keySessionIDLength)
	c.putBool(d.initWithLast15)
	c.putU8(uint8(d.cipherMode))
	c.putU32(d.crypt)
	c.putU32(d.skip)
	c.putU64(d.clippingStart)
	c.putU64(d.clippingEnd)
	c.putI32(d.width)
	c.putI32(d.height)
	c.putU32(d.frameRateMilliHz)
	c.putU32(d.codecDataOffset)
	c.putU32(d.codecDataLength)
}

func decodeDescriptor(b []byte) descriptor {
	c := cursor{buf: b}
	var d descriptor
	d.sourceID = c.getI32()
	d.timestampNs = c.getI64()
	d.durationNs = c.getI64()
	d.dataOffset = c.getU32()
	d.dataLength = c.getU32()
	d.isEncrypted = c.getBool()
	d.keyIDOffset = c.getU32()
	d.keyIDLength = c.getU32()
	d.ivOffset = c.getU32()
	d.ivLength = c.getU32()
	d.subSamplesOffset = c.getU32()
	d.subSamplesCount = c.getU32()
	d.keySessionIDOffset = c.getU32()
	d.keySessionIDLength = c.getU32()
	d.initWithLast15 = c.getBool()
	d.cipherMode = CipherMode(c.getU8())
	d.crypt = c.getU32()
	d.skip = c.getU32()
	d.clippingStart = c.getU64()
	d.clippingEnd = c.getU64()
	d.width = c.getI32()
	d.height = c.getI32()
	d.frameRateMilliHz = c.getU32()
	d.codecDataOffset = c.getU32()
	d.codecDataLength = c.getU32()
	return d
}

// cursor is a tiny little-endian read/write head over a fixed-size byte
// span, used to keep the descriptor (de)serialization free of hand-rolled
// offset arithmetic.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) putU8(v uint8)   { c.buf[c.pos] = v; c.pos++ }
func (c *cursor) getU8() uint8    { v := c.buf[c.pos]; c.pos++; return v }
func (c *cursor) putBool(v bool) {
	if v {
		c.putU8(1)
	} else {
		c.putU8(0)
	}
}
func (c *cursor) getBool() bool { return c.getU8() != 0 }

func (c *cursor) putU32(v uint32) {
	binary.LittleEndian.PutUint32(c.buf[c.pos:c.pos+4], v)
	c.pos += 4
}
func (c *cursor) getU32() uint32 {
	v := binary.LittleEndian.Uint32(c.buf[c.pos : c.pos+4])
	c.pos += 4
	return v
}
func (c *cursor) putI32(v int32) { c.putU32(uint32(v)) }
func (c *cursor) getI32() int32  { return int32(c.getU32()) }

func (c *cursor) putU64(v uint64) {
	binary.LittleEndian.PutUint64(c.buf[c.pos:c.pos+8], v)
	c.pos += 8
}
func (c *cursor) getU64() uint64 {
	v := binary.LittleEndian.Uint64(c.buf[c.pos : c.pos+8])
	c.pos += 8
	return v
}
func (c *cursor) putI64(v int64) { c.putU64(uint64(v)) }
func (c *cursor) getI64() int64  { return int64(c.getU64()) }

// Writer serializes Segments into a shm slot. Used by the test suite and
// by component tests standing in for the client side of the protocol.
type Writer struct {
	slot []byte
}

// NewWriter wraps the raw bytes of a designated slot.
func NewWriter(slot []byte) *Writer { return &Writer{slot: slot} }

// Write serializes segments into the slot, metadata prefix first followed
// by a payload trailer, failing with ShmExhausted if it doesn't fit.
func (w *Writer) Write(segments []Segment) error {
	metaSize := 4 + len(segments)*descriptorBytes
	var trailer []byte
	descs := make([]descriptor, len(segments))

	for i, s := range segments {
		d := descriptor{
			sourceID:         s.SourceID,
			timestampNs:      s.TimestampNs,
			durationNs:       s.DurationNs,
			dataOffset:       uint32(len(trailer)),
			dataLength:       uint32(len(s.Data)),
			isEncrypted:      s.IsEncrypted,
			initWithLast15:   s.InitWithLast15,
			cipherMode:       cipherModeFromString(s.CipherMode),
			crypt:            s.Pattern.Crypt,
			skip:             s.Pattern.Skip,
			clippingStart:    s.ClippingStart,
			clippingEnd:      s.ClippingEnd,
			width:            s.Width,
			height:           s.Height,
			frameRateMilliHz: uint32(s.FrameRate * 1000),
		}
		trailer = append(trailer, s.Data...)

		if s.IsEncrypted {
			d.keyIDOffset = uint32(len(trailer))
			d.keyIDLength = uint32(len(s.KeyID))
			trailer = append(trailer, s.KeyID...)

			d.ivOffset = uint32(len(trailer))
			d.ivLength = uint32(len(s.InitVector))
			trailer = append(trailer, s.InitVector...)

			d.subSamplesOffset = uint32(len(trailer))
			d.subSamplesCount = uint32(len(s.SubSamples))
			for _, ss := range s.SubSamples {
				var b [6]byte
				binary.LittleEndian.PutUint16(b[0:2], ss.ClearBytes)
				binary.LittleEndian.PutUint32(b[2:6], ss.EncryptedBytes)
				trailer = append(trailer, b[:]...)
			}

			d.keySessionIDOffset = uint32(len(trailer))
			d.keySessionIDLength = uint32(len(s.MediaKeySessionID))
			trailer = append(trailer, []byte(s.MediaKeySessionID)...)
		}

		if len(s.CodecData) > 0 {
			d.codecDataOffset = uint32(len(trailer))
			d.codecDataLength = uint32(len(s.CodecData))
			trailer = append(trailer, s.CodecData...)
		}

		descs[i] = d
	}

	total := metaSize + len(trailer)
	if total > len(w.slot) {
		return errs.Wrapf(errs.ShmExhausted, "frame write needs %d bytes, slot has %d", total, len(w.slot))
	}

	binary.LittleEndian.PutUint32(w.slot[0:4], uint32(len(segments)))
	pos := 4
	for _, d := range descs {
		encodeDescriptor(w.slot[pos:pos+descriptorBytes], d)
		pos += descriptorBytes
	}
	copy(w.slot[pos:], trailer)
	return nil
}

// Reader parses Segments back out of a shm slot.
type Reader struct {
	slot        []byte
	trailerBase int
}

// NewReader wraps the raw bytes of a designated slot.
func NewReader(slot []byte) *Reader { return &Reader{slot: slot} }

// ReadN parses up to n segments, matching the "server reads only numFrames
// records and ignores bytes beyond" contract. A segment whose
// offsets don't fit the slot is dropped rather than failing the whole
// round; ReadN only returns an error if the metadata prefix
// itself is unparseable.
func (r *Reader) ReadN(n int) ([]Segment, error) {
	if len(r.slot) < 4 {
		return nil, errs.New(errs.BadArgument, "slot too small for metadata prefix")
	}
	available := int(binary.LittleEndian.Uint32(r.slot[0:4]))
	if n > available {
		n = available
	}
	if n < 0 {
		return nil, errs.New(errs.BadArgument, "corrupt metadata: negative frame count")
	}
	need := 4 + n*descriptorBytes
	if need > len(r.slot) {
		return nil, errs.Wrapf(errs.BadArgument, "corrupt metadata: need %d bytes, have %d", need, len(r.slot))
	}
	r.trailerBase = 4 + available*descriptorBytes
	if r.trailerBase > len(r.slot) {
		return nil, errs.New(errs.BadArgument, "corrupt metadata: trailer base beyond slot")
	}

	out := make([]Segment, 0, n)
	pos := 4
	for i := 0; i < n; i++ {
		d := decodeDescriptor(r.slot[pos : pos+descriptorBytes])
		pos += descriptorBytes
		seg, err := r.materialize(d)
		if err != nil {
			continue // segment-parse errors are dropped, not fatal
		}
		out = append(out, seg)
	}
	return out, nil
}

func (r *Reader) materialize(d descriptor) (Segment, error) {
	data, err := r.span(d.dataOffset, d.dataLength)
	if err != nil {
		return Segment{}, err
	}
	seg := Segment{
		SourceID:       d.sourceID,
		TimestampNs:    d.timestampNs,
		DurationNs:     d.durationNs,
		Data:           append([]byte(nil), data...),
		IsEncrypted:    d.isEncrypted,
		InitWithLast15: d.initWithLast15,
		CipherMode:     d.cipherMode.String(),
		Pattern:        EncryptionPattern{Crypt: d.crypt, Skip: d.skip},
		ClippingStart:  d.clippingStart,
		ClippingEnd:    d.clippingEnd,
		Width:          d.width,
		Height:         d.height,
		FrameRate:      float64(d.frameRateMilliHz) / 1000,
	}
	if d.isEncrypted {
		keyID, err := r.span(d.keyIDOffset, d.keyIDLength)
		if err != nil {
			return Segment{}, err
		}
		iv, err := r.span(d.ivOffset, d.ivLength)
		if err != nil {
			return Segment{}, err
		}
		seg.KeyID = append([]byte(nil), keyID...)
		seg.InitVector = append([]byte(nil), iv...)

		subs, err := r.span(d.subSamplesOffset, d.subSamplesCount*6)
		if err != nil {
			return Segment{}, err
		}
		seg.SubSamples = make([]SubSample, d.subSamplesCount)
		for i := range seg.SubSamples {
			off := i * 6
			seg.SubSamples[i] = SubSample{
				ClearBytes:     binary.LittleEndian.Uint16(subs[off : off+2]),
				EncryptedBytes: binary.LittleEndian.Uint32(subs[off+2 : off+6]),
			}
		}

		sessID, err := r.span(d.keySessionIDOffset, d.keySessionIDLength)
		if err != nil {
			return Segment{}, err
		}
		seg.MediaKeySessionID = string(sessID)
	}
	if d.codecDataLength > 0 {
		cd, err := r.span(d.codecDataOffset, d.codecDataLength)
		if err != nil {
			return Segment{}, err
		}
		seg.CodecData = append([]byte(nil), cd...)
	}
	return seg, nil
}

// span resolves a trailer-relative [offset, offset+length) region,
// rejecting anything that would read outside the slot — the client's
// offsets are untrusted input.
func (r *Reader) span(offset, length uint32) ([]byte, error) {
	lo := r.trailerBase + int(offset)
	hi := lo + int(length)
	if lo < r.trailerBase || hi > len(r.slot) {
		return nil, errs.Wrapf(errs.BadArgument, "corrupt span [%d,%d) exceeds slot of %d bytes", lo, hi, len(r.slot))
	}
	return r.slot[lo:hi], nil
}
