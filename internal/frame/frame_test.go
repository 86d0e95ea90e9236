package frame

import (
	"bytes"
	"testing"
)

func TestRoundTripClearSegment(t *testing.T) {
	slot := make([]byte, 4096)
	segs := []Segment{
		{SourceID: 1, TimestampNs: 1000, DurationNs: 20_000_000, Data: []byte("clear-audio-payload")},
	}
	if err := NewWriter(slot).Write(segs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := NewReader(slot).ReadN(1)
	if err != nil {
		t.Fatalf("ReadN: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d segments, want 1", len(got))
	}
	if !bytes.Equal(got[0].Data, segs[0].Data) {
		t.Fatalf("data mismatch: %q != %q", got[0].Data, segs[0].Data)
	}
	if got[0].TimestampNs != segs[0].TimestampNs || got[0].DurationNs != segs[0].DurationNs {
		t.Fatalf("timing mismatch: %+v", got[0])
	}
}

func TestRoundTripEncryptedSegmentWithSubSamples(t *testing.T) {
	slot := make([]byte, 4096)
	segs := []Segment{
		{
			SourceID:          2,
			Data:              []byte("encrypted-video-payload-0123456789"),
			IsEncrypted:       true,
			KeyID:             []byte{0xde, 0xad, 0xbe, 0xef},
			InitVector:        []byte{1, 2, 3, 4, 5, 6, 7, 8},
			SubSamples:        []SubSample{{ClearBytes: 2, EncryptedBytes: 10}, {ClearBytes: 0, EncryptedBytes: 20}},
			MediaKeySessionID: "session-7",
			InitWithLast15:    true,
			CipherMode:        "AES_CTR",
			Pattern:           EncryptionPattern{Crypt: 1, Skip: 9},
			Width:             1920,
			Height:            1080,
			FrameRate:         29.97,
		},
	}
	if err := NewWriter(slot).Write(segs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := NewReader(slot).ReadN(1)
	if err != nil {
		t.Fatalf("ReadN: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d segments, want 1", len(got))
	}
	g := got[0]
	if !bytes.Equal(g.KeyID, segs[0].KeyID) || !bytes.Equal(g.InitVector, segs[0].InitVector) {
		t.Fatalf("drm fields mismatch: %+v", g)
	}
	if len(g.SubSamples) != 2 || g.SubSamples[0].EncryptedBytes != 10 || g.SubSamples[1].ClearBytes != 0 {
		t.Fatalf("subsamples mismatch: %+v", g.SubSamples)
	}
	if g.MediaKeySessionID != "session-7" || !g.InitWithLast15 || g.CipherMode != "AES_CTR" {
		t.Fatalf("drm metadata mismatch: %+v", g)
	}
	if g.Pattern.Crypt != 1 || g.Pattern.Skip != 9 {
		t.Fatalf("pattern mismatch: %+v", g.Pattern)
	}
	if g.Width != 1920 || g.Height != 1080 {
		t.Fatalf("dims mismatch: %+v", g)
	}
}

func TestReadNIgnoresBytesBeyondRequestedCount(t *testing.T) {
	slot := make([]byte, 4096)
	segs := []Segment{
		{SourceID: 1, Data: []byte("a")},
		{SourceID: 1, Data: []byte("b")},
		{SourceID: 1, Data: []byte("c")},
	}
	if err := NewWriter(slot).Write(segs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := NewReader(slot).ReadN(2)
	if err != nil {
		t.Fatalf("ReadN: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d segments, want 2", len(got))
	}
}

func TestWriteFailsShmExhausted(t *testing.T) {
	slot := make([]byte, 8) // far too small for even one descriptor
	err := NewWriter(slot).Write([]Segment{{Data: []byte("x")}})
	if err == nil {
		t.Fatal("expected ShmExhausted error")
	}
	if kind, ok := errKind(err); !ok || kind != "ShmExhausted" {
		t.Fatalf("got error %v, want ShmExhausted", err)
	}
}

func errKind(err error) (string, bool) {
	type kinder interface{ Error() string }
	_, ok := err.(kinder)
	if !ok {
		return "", false
	}
	// rely on errs.Error's String() rendering through Error() "Kind: cause"
	s := err.Error()
	for _, k := range []string{"ShmExhausted", "BadArgument", "InvalidState", "UnknownId", "Capacity", "PipelineFailure", "StaleHaveData"} {
		if len(s) >= len(k) && s[:len(k)] == k {
			return k, true
		}
	}
	return "", false
}
