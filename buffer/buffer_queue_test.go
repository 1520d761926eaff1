package buffer

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/arcwire/connpool/api"
)

func TestQueue_PushMovePop(t *testing.T) {
	q := New(0)
	q.Push([]byte("abc"))
	q.Push([]byte("def"))
	if got := q.Len(); got != 6 {
		t.Fatalf("Len() = %d, want 6", got)
	}
	if got := string(q.MovePop()); got != "abc" {
		t.Fatalf("MovePop() = %q, want %q", got, "abc")
	}
	if got := string(q.MovePop()); got != "def" {
		t.Fatalf("MovePop() = %q, want %q", got, "def")
	}
	if seg := q.MovePop(); seg != nil {
		t.Fatalf("MovePop() on empty queue = %v, want nil", seg)
	}
}

func TestQueue_CapacityExhausted(t *testing.T) {
	q := New(4)
	if err := q.Push([]byte("ab")); err != nil {
		t.Fatalf("Push() within capacity: %v", err)
	}
	if err := q.Push([]byte("abc")); err != api.ErrResourceExhausted {
		t.Fatalf("Push() over capacity = %v, want ErrResourceExhausted", err)
	}
}

func TestQueue_RewindBypassesCapacity(t *testing.T) {
	q := New(4)
	seg := []byte("abcd")
	if err := q.Push(seg); err != nil {
		t.Fatalf("Push: %v", err)
	}
	popped := q.MovePop()
	// The producer refills the queue to capacity while the write is in
	// flight.
	if err := q.Push([]byte("wxyz")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	// Simulate a partial write: only the first 2 bytes were delivered.
	// Rewinding them takes the queue past its capacity of 4.
	remaining := popped[2:]
	q.Rewind(remaining)
	if got := q.Len(); got != 6 {
		t.Fatalf("Len() after rewind = %d, want 6", got)
	}
	if got := string(q.MovePop()); got != "cd" {
		t.Fatalf("MovePop() after rewind = %q, want %q", got, "cd")
	}
}

func TestQueue_RewindOrdersAheadOfExistingSegments(t *testing.T) {
	q := New(0)
	q.Push([]byte("second"))
	q.Rewind([]byte("first"))
	var out bytes.Buffer
	for {
		seg := q.MovePop()
		if seg == nil {
			break
		}
		out.Write(seg)
	}
	if got := out.String(); got != "firstsecond" {
		t.Fatalf("drain order = %q, want %q", got, "firstsecond")
	}
}

// TestQueue_PropertyBased performs randomized push/pop/rewind sequences
// and checks that Len() always matches the sum of queued bytes.
func TestQueue_PropertyBased(t *testing.T) {
	for seed := int64(0); seed < 10; seed++ {
		r := rand.New(rand.NewSource(seed))
		q := New(0)
		want := 0
		for i := 0; i < 2000; i++ {
			switch r.Intn(3) {
			case 0:
				n := r.Intn(32)
				seg := make([]byte, n)
				if err := q.Push(seg); err != nil {
					t.Fatalf("unexpected Push error: %v", err)
				}
				want += n
			case 1:
				seg := q.MovePop()
				want -= len(seg)
			case 2:
				n := r.Intn(32)
				q.Rewind(make([]byte, n))
				want += n
			}
			if got := q.Len(); got != want {
				t.Fatalf("seed %d, iter %d: Len() = %d, want %d", seed, i, got, want)
			}
			if want < 0 {
				t.Fatalf("seed %d, iter %d: want went negative: %d", seed, i, want)
			}
		}
	}
}
