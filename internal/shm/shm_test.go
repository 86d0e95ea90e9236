package shm

import "testing"

func TestPartitionsDisjoint(t *testing.T) {
	b, err := New(3, 2, DefaultSizes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	type rng struct {
		lo, hi uint32
	}
	var ranges []rng

	for sid := int32(0); sid < 3; sid++ {
		if err := b.MapPartition(Playback, sid); err != nil {
			t.Fatalf("MapPartition(playback, %d): %v", sid, err)
		}
		for _, st := range []SourceType{SourceAudio, SourceVideo, SourceSubtitle} {
			off, err := b.GetDataOffset(Playback, sid, st)
			if err != nil {
				t.Fatalf("GetDataOffset: %v", err)
			}
			length := b.GetMaxDataLen(Playback, st)
			ranges = append(ranges, rng{off, off + length})
		}
	}
	for h := int32(0); h < 2; h++ {
		if err := b.MapPartition(WebAudio, h); err != nil {
			t.Fatalf("MapPartition(webaudio, %d): %v", h, err)
		}
		off, err := b.GetDataOffset(WebAudio, h, SourceAudio)
		if err != nil {
			t.Fatalf("GetDataOffset: %v", err)
		}
		ranges = append(ranges, rng{off, off + b.GetMaxDataLen(WebAudio, SourceAudio)})
	}

	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			a, c := ranges[i], ranges[j]
			if a.lo < c.hi && c.lo < a.hi {
				t.Fatalf("ranges overlap: [%d,%d) and [%d,%d)", a.lo, a.hi, c.lo, c.hi)
			}
		}
	}
}

func TestMapPartitionStableUntilUnmap(t *testing.T) {
	b, err := New(2, 0, DefaultSizes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if err := b.MapPartition(Playback, 42); err != nil {
		t.Fatalf("MapPartition: %v", err)
	}
	off1, _ := b.GetDataOffset(Playback, 42, SourceAudio)
	if err := b.MapPartition(Playback, 42); err != nil {
		t.Fatalf("re-MapPartition: %v", err)
	}
	off2, _ := b.GetDataOffset(Playback, 42, SourceAudio)
	if off1 != off2 {
		t.Fatalf("offset changed across idempotent MapPartition: %d != %d", off1, off2)
	}

	b.UnmapPartition(Playback, 42)
	if _, err := b.GetDataOffset(Playback, 42, SourceAudio); err == nil {
		t.Fatal("expected error after unmap")
	}
}

func TestMapPartitionExhaustion(t *testing.T) {
	b, err := New(1, 0, DefaultSizes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	if err := b.MapPartition(Playback, 1); err != nil {
		t.Fatalf("MapPartition: %v", err)
	}
	if err := b.MapPartition(Playback, 2); err == nil {
		t.Fatal("expected exhaustion error")
	}
}
