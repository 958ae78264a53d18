package swarm

import "testing"

func TestBufferWriteBackAndFront(t *testing.T) {
	b := NewBuffer(8)
	b.WriteBack([]byte("world"))
	b.WriteFront([]byte("hello "))

	if got := string(b.Bytes()); got != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestBufferGrowBeyondCapacity(t *testing.T) {
	b := NewBuffer(4)
	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.WriteBack(payload)

	if b.Len() != len(payload) {
		t.Fatalf("len = %d, want %d", b.Len(), len(payload))
	}
	got := b.Bytes()
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d corrupted after grow", i)
		}
	}
}

func TestBufferConsume(t *testing.T) {
	b := NewBuffer(8)
	b.WriteBack([]byte("abcdef"))

	head, err := b.Consume(3)
	if err != nil {
		t.Fatal(err)
	}
	if string(head) != "abc" {
		t.Fatalf("got %q, want abc", head)
	}
	if string(b.Bytes()) != "def" {
		t.Fatalf("remaining = %q, want def", b.Bytes())
	}
}

func TestBufferConsumeUnderflow(t *testing.T) {
	b := NewBuffer(8)
	b.WriteBack([]byte("ab"))
	if _, err := b.Consume(3); err != ErrBufferUnderflow {
		t.Fatalf("err = %v, want ErrBufferUnderflow", err)
	}
}

func TestBufferClone(t *testing.T) {
	b := NewBuffer(8)
	b.WriteBack([]byte("abc"))
	clone := b.Clone()
	clone.WriteBack([]byte("d"))

	if b.Len() != 3 {
		t.Fatalf("original mutated by clone write: len=%d", b.Len())
	}
	if clone.Len() != 4 {
		t.Fatalf("clone len = %d, want 4", clone.Len())
	}
}

func TestBufferRepeatedFrontWritesExhaustHeadroom(t *testing.T) {
	b := NewBuffer(8)
	for i := 0; i < 64; i++ {
		b.WriteFront([]byte{byte(i)})
	}
	if b.Len() != 64 {
		t.Fatalf("len = %d, want 64", b.Len())
	}
}
