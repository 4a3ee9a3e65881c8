package dlm

import "testing"

func TestChunkIsFinished(t *testing.T) {
	tests := []struct {
		name           string
		slotsSupported bool
		length         int64
		originalLength int64
		loaded         int64
		want           bool
	}{
		{"slots, unfinished", true, 100, 100, 50, false},
		{"slots, finished", true, 100, 100, 100, true},
		{"slots, unknown length", true, Unknown, Unknown, 50, false},
		{"no slots, finished", false, 100, 100, 100, true},
		{"no slots, unknown original length", false, 100, Unknown, 50, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunk(nil, 0, tt.originalLength)
			c.length = tt.length
			c.loaded = tt.loaded
			if got := c.IsFinished(tt.slotsSupported); got != tt.want {
				t.Errorf("IsFinished() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestChunkAddLoadedFiresOnFirstByteOnce(t *testing.T) {
	c := NewChunk(nil, 0, 100)
	calls := 0
	c.setOnFirstByte(func() { calls++ })

	c.AddLoaded(0)
	if calls != 0 {
		t.Fatalf("AddLoaded(0) should not fire onFirstByte, got %d calls", calls)
	}

	c.AddLoaded(10)
	if calls != 1 {
		t.Fatalf("AddLoaded(10) should fire onFirstByte once, got %d calls", calls)
	}

	c.AddLoaded(10)
	if calls != 1 {
		t.Fatalf("second AddLoaded should not refire onFirstByte, got %d calls", calls)
	}
}

func TestChunkAdjustOffset(t *testing.T) {
	c := NewChunk(nil, 0, 100)

	c.adjustOffset(30)
	if c.Offset() != 30 || c.Length() != 70 {
		t.Fatalf("after adjustOffset(30): offset=%d length=%d, want 30/70", c.Offset(), c.Length())
	}

	c.adjustOffset(70)
	if c.Length() != 0 || c.OriginalLength() != 0 {
		t.Fatalf("overlap consuming the whole chunk should zero both lengths, got length=%d originalLength=%d", c.Length(), c.OriginalLength())
	}
}

func TestChunkGrowLengthNeverShrinks(t *testing.T) {
	c := NewChunk(nil, 0, 50)
	c.growLength(30)
	if c.Length() != 50 {
		t.Fatalf("growLength(30) on a length-50 chunk should not shrink it, got %d", c.Length())
	}
	c.growLength(80)
	if c.Length() != 80 {
		t.Fatalf("growLength(80) should grow to 80, got %d", c.Length())
	}
}

func TestChunkUnfinishedBytesLeft(t *testing.T) {
	c := NewChunk(nil, 0, 100)
	c.loaded = 40

	left, ok := c.unfinishedBytesLeft(true)
	if !ok || left != 60 {
		t.Fatalf("unfinishedBytesLeft() = (%d, %v); want (60, true)", left, ok)
	}

	c.loaded = 100
	if _, ok := c.unfinishedBytesLeft(true); ok {
		t.Fatalf("a finished chunk should report ok=false")
	}
}

func TestChunkParentChildLinkage(t *testing.T) {
	parent := NewChunk(nil, 0, 100)
	child := NewChunk(parent, 50, 50)

	if child.Parent() != parent {
		t.Fatalf("child.Parent() should be the parent chunk")
	}
	children := parent.Children()
	if len(children) != 1 || children[0] != child {
		t.Fatalf("parent.Children() should contain exactly the new child")
	}
}
