// Package shm implements the single partitioned shared-memory region that
// SessionServerManager creates once when the server becomes ACTIVE, hands
// to PlaybackService, and exposes to clients by fd.
//
// An anonymous, fd-shareable region is obtained without cgo using
// golang.org/x/sys/unix's memfd_create + mmap on Linux (shm_linux.go);
// other platforms fall back to an in-process region with no real fd
// (shm_other.go).
package shm

import (
	"fmt"

	"rialto/internal/errs"
)

// SourceType is the coarse media kind a slot is reserved for.
type SourceType int

const (
	SourceAudio SourceType = iota
	SourceVideo
	SourceSubtitle
	numSourceTypes
)

// PlaybackType distinguishes the two partition families laid out in the
// buffer: playback sessions and web-audio sessions.
type PlaybackType int

const (
	Playback PlaybackType = iota
	WebAudio
)

// Sizes configures the fixed per-slot byte budgets used to lay out the
// buffer. SessionServerManager receives them once, at construction
// (serverstate.New), and passes them to New on entry to ACTIVE;
// SetConfiguration does not change them.
type Sizes struct {
	PlaybackAudioBytes    uint32
	PlaybackVideoBytes    uint32
	PlaybackSubtitleBytes uint32
	WebAudioBytes         uint32
}

// DefaultSizes is the default partition layout, used by cmd/rialto-server
// and by the component tests.
var DefaultSizes = Sizes{
	PlaybackAudioBytes:    5 * 1024 * 1024,
	PlaybackVideoBytes:    7 * 1024 * 1024,
	PlaybackSubtitleBytes: 1 * 1024 * 1024,
	WebAudioBytes:         2 * 1024 * 1024,
}

func (s Sizes) playbackPartitionBytes() uint32 {
	return s.PlaybackAudioBytes + s.PlaybackVideoBytes + s.PlaybackSubtitleBytes
}

func (s Sizes) slotBytes(t SourceType) uint32 {
	switch t {
	case SourceAudio:
		return s.PlaybackAudioBytes
	case SourceVideo:
		return s.PlaybackVideoBytes
	case SourceSubtitle:
		return s.PlaybackSubtitleBytes
	default:
		return 0
	}
}

func (s Sizes) slotOffsetWithinPartition(t SourceType) uint32 {
	switch t {
	case SourceAudio:
		return 0
	case SourceVideo:
		return s.PlaybackAudioBytes
	case SourceSubtitle:
		return s.PlaybackAudioBytes + s.PlaybackVideoBytes
	default:
		return 0
	}
}

// Buffer is the single mapped shared-memory region. Its fd/base/size are
// constant after creation. Clients write only into the slot a
// NeedMediaDataEvent designated for them, metadata prefix and payload
// both; the server side only reads from the region.
type Buffer struct {
	fd             int
	base           []byte
	size           uint32
	sizes          Sizes
	numPlaybacks   int
	numWebAudios   int

	// entityID -> partition index, for each PlaybackType.
	playbackPartitions map[int32]int
	webAudioPartitions map[int32]int
}

// New creates the anonymous shared memory region sized for
// numPlaybacks*playbackPartition + numWebAudios*webAudioPartition, and
// mmaps it read-write into this process.
func New(numPlaybacks, numWebAudios int, sizes Sizes) (*Buffer, error) {
	if numPlaybacks < 0 || numWebAudios < 0 {
		return nil, errs.New(errs.BadArgument, "negative partition count")
	}
	total := uint64(numPlaybacks)*uint64(sizes.playbackPartitionBytes()) +
		uint64(numWebAudios)*uint64(sizes.WebAudioBytes)
	if total == 0 {
		total = 1 // memfd/mmap need a non-zero length even for a degenerate config
	}

	fd, base, err := newRegion(uint32(total))
	if err != nil {
		return nil, err
	}

	return &Buffer{
		fd:                  fd,
		base:                base,
		size:                uint32(total),
		sizes:               sizes,
		numPlaybacks:        numPlaybacks,
		numWebAudios:        numWebAudios,
		playbackPartitions:  make(map[int32]int),
		webAudioPartitions:  make(map[int32]int),
	}, nil
}

// FD returns the shareable file descriptor and the region size, handed to
// clients once per process.
func (b *Buffer) FD() (fd int, size uint32) { return b.fd, b.size }

// Close unmaps the region and closes the backing fd. The fd survives
// session teardown — only SessionServerManager leaving ACTIVE (for
// INACTIVE or NOT_RUNNING) calls this.
func (b *Buffer) Close() error {
	base := b.base
	b.base = nil
	return closeRegion(b.fd, base)
}

// MapPartition binds entityID (a sessionId or a web-audio handle) to the
// next free partition index of the given type. Returns BadArgument if no
// partition slots remain — PlaybackService is expected to enforce
// maxPlaybacks/maxWebAudio before ever calling this, so exhaustion here
// indicates a caller bug rather than ordinary capacity pressure.
func (b *Buffer) MapPartition(pt PlaybackType, entityID int32) error {
	switch pt {
	case Playback:
		if _, ok := b.playbackPartitions[entityID]; ok {
			return nil // already mapped; an entity's slot never moves
		}
		used := make(map[int]bool, len(b.playbackPartitions))
		for _, idx := range b.playbackPartitions {
			used[idx] = true
		}
		for i := 0; i < b.numPlaybacks; i++ {
			if !used[i] {
				b.playbackPartitions[entityID] = i
				return nil
			}
		}
		return errs.New(errs.BadArgument, "no free playback partition")
	case WebAudio:
		if _, ok := b.webAudioPartitions[entityID]; ok {
			return nil
		}
		used := make(map[int]bool, len(b.webAudioPartitions))
		for _, idx := range b.webAudioPartitions {
			used[idx] = true
		}
		for i := 0; i < b.numWebAudios; i++ {
			if !used[i] {
				b.webAudioPartitions[entityID] = i
				return nil
			}
		}
		return errs.New(errs.BadArgument, "no free web-audio partition")
	default:
		return errs.New(errs.BadArgument, "unknown playback type")
	}
}

// UnmapPartition releases entityID's partition binding.
func (b *Buffer) UnmapPartition(pt PlaybackType, entityID int32) {
	switch pt {
	case Playback:
		delete(b.playbackPartitions, entityID)
	case WebAudio:
		delete(b.webAudioPartitions, entityID)
	}
}

func (b *Buffer) webAudioBase() uint32 {
	return uint32(b.numPlaybacks) * b.sizes.playbackPartitionBytes()
}

// GetDataOffset returns the fixed byte offset for (playbackType,
// sessionIndex/handle, sourceType) within the mapped region.
func (b *Buffer) GetDataOffset(pt PlaybackType, entityID int32, sourceType SourceType) (uint32, error) {
	switch pt {
	case Playback:
		idx, ok := b.playbackPartitions[entityID]
		if !ok {
			return 0, errs.New(errs.UnknownID, "entity not mapped")
		}
		return uint32(idx)*b.sizes.playbackPartitionBytes() + b.sizes.slotOffsetWithinPartition(sourceType), nil
	case WebAudio:
		idx, ok := b.webAudioPartitions[entityID]
		if !ok {
			return 0, errs.New(errs.UnknownID, "entity not mapped")
		}
		return b.webAudioBase() + uint32(idx)*b.sizes.WebAudioBytes, nil
	default:
		return 0, errs.New(errs.BadArgument, "unknown playback type")
	}
}

// GetMaxDataLen returns the fixed slot capacity for (playbackType,
// sourceType).
func (b *Buffer) GetMaxDataLen(pt PlaybackType, sourceType SourceType) uint32 {
	switch pt {
	case Playback:
		return b.sizes.slotBytes(sourceType)
	case WebAudio:
		return b.sizes.WebAudioBytes
	default:
		return 0
	}
}

// Slice returns the raw bytes of a slot, for FrameReader/FrameWriter to
// operate over. The server must defensively copy anything it acts on
// — callers must not retain this slice past the operation that
// requested it, since the client may write into it concurrently.
func (b *Buffer) Slice(offset, length uint32) ([]byte, error) {
	if uint64(offset)+uint64(length) > uint64(len(b.base)) {
		return nil, errs.Wrapf(errs.ShmExhausted, "slice [%d,%d) exceeds buffer of %d bytes", offset, offset+length, len(b.base))
	}
	return b.base[offset : offset+length], nil
}

// ClearData is a byte-level no-op, defined only for test reproducibility
//: it lets tests assert a slot was "cleared" between rounds
// without the implementation needing to actually zero memory it is about
// to overwrite anyway.
func (b *Buffer) ClearData(entityID int32, sourceType SourceType) {}

func (st SourceType) String() string {
	switch st {
	case SourceAudio:
		return "AUDIO"
	case SourceVideo:
		return "VIDEO"
	case SourceSubtitle:
		return "SUBTITLE"
	default:
		return fmt.Sprintf("SourceType(%d)", int(st))
	}
}
