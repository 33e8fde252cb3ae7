package buffer

import "testing"

func TestGetReturnsConfiguredCapacity(t *testing.T) {
	bp := NewBufferPool(64 * 1024)
	buf := bp.Get()
	defer bp.Put(buf)

	if len(buf.B) != 0 {
		t.Errorf("len(B) = %d, want 0", len(buf.B))
	}
	if got := len(Scratch(buf)); got < 64*1024 {
		t.Errorf("scratch size = %d, want >= %d", got, 64*1024)
	}
}

func TestReusedBufferIsReset(t *testing.T) {
	bp := NewBufferPool(1024)
	buf := bp.Get()
	buf.B = append(buf.B, "leftover"...)
	bp.Put(buf)

	again := bp.Get()
	defer bp.Put(again)
	if len(again.B) != 0 {
		t.Errorf("reused buffer not reset: %q", again.B)
	}
}

func TestDefaultSize(t *testing.T) {
	if got := NewBufferPool(0).Size(); got != 32*1024 {
		t.Errorf("Size() = %d, want default 32KiB", got)
	}
}
