package registry

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"
)

type nopSession struct{ closed bool }

func (s *nopSession) Send(context.Context, string, any) error { return nil }
func (s *nopSession) Close() error                            { s.closed = true; return nil }

func TestEnsureDeviceMintsID(t *testing.T) {
	r := NewMemoryRegistry()

	d, err := r.EnsureDevice(context.Background(), "")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if !regexp.MustCompile(`^[a-z]+-[a-z]+-\d{2}$`).MatchString(d.ID) {
		t.Errorf("minted id %q does not match word-word-NN", d.ID)
	}

	// A named device comes back unchanged, and repeat calls are stable.
	d2, _ := r.EnsureDevice(context.Background(), "dev1")
	d3, _ := r.EnsureDevice(context.Background(), "dev1")
	if d2.ID != "dev1" || d3.ID != d2.ID || !d3.CreatedAt.Equal(d2.CreatedAt) {
		t.Errorf("EnsureDevice not stable: %v vs %v", d2, d3)
	}
}

func TestGetDeviceReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	r.EnsureDevice(ctx, "dev1")

	before, err := r.GetDevice(ctx, "dev1")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if err := r.EnablePin(ctx, "dev1", "123456"); err != nil {
		t.Fatalf("EnablePin: %v", err)
	}

	// The earlier snapshot is unaffected by later mutation.
	if before.PinEnabled() {
		t.Error("snapshot changed after EnablePin")
	}
	after, _ := r.GetDevice(ctx, "dev1")
	if !after.PinEnabled() {
		t.Error("fresh read missing the enabled PIN")
	}
}

func TestConcurrentReadsAndBinds(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	r.EnsureDevice(ctx, "dev1")

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			s := &nopSession{}
			r.BindSession("dev1", s)
			r.UnbindSession("dev1", s)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if d, err := r.GetDevice(ctx, "dev1"); err == nil {
				_ = d.LastSeen
				_ = d.PinEnabled()
			}
			if i%2 == 0 {
				r.VerifyPin(ctx, "dev1", "123456")
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			r.EnablePin(ctx, "dev1", "123456")
			r.DisablePin(ctx, "dev1")
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(done)
	wg.Wait()
}

func TestPinGate(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	r.EnsureDevice(ctx, "dev1")

	// No PIN set: anything passes, including no credential at all.
	if err := r.VerifyPin(ctx, "dev1", ""); err != nil {
		t.Fatalf("VerifyPin without PIN: %v", err)
	}
	if err := r.VerifyPin(ctx, "dev1", "000000"); err != nil {
		t.Fatalf("VerifyPin with stray credential: %v", err)
	}

	if err := r.EnablePin(ctx, "dev1", "123456"); err != nil {
		t.Fatalf("EnablePin: %v", err)
	}
	if err := r.VerifyPin(ctx, "dev1", ""); !errors.Is(err, ErrPinRequired) {
		t.Errorf("missing PIN error = %v, want ErrPinRequired", err)
	}
	if err := r.VerifyPin(ctx, "dev1", "654321"); !errors.Is(err, ErrPinRequired) {
		t.Errorf("wrong PIN error = %v, want ErrPinRequired", err)
	}
	if err := r.VerifyPin(ctx, "dev1", "123456"); err != nil {
		t.Errorf("exact PIN rejected: %v", err)
	}
}

func TestPinPolicy(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	r.EnsureDevice(ctx, "dev1")

	for _, bad := range []string{"", "12345", "1234567", "abcdef", "12 456"} {
		if err := r.EnablePin(ctx, "dev1", bad); err == nil {
			t.Errorf("EnablePin(%q) accepted a non-6-digit PIN", bad)
		}
	}
}

func TestChangePin(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRegistry()
	r.EnsureDevice(ctx, "dev1")
	r.EnablePin(ctx, "dev1", "123456")

	if err := r.ChangePin(ctx, "dev1", "000000", "111111"); !errors.Is(err, ErrPinRequired) {
		t.Errorf("ChangePin with wrong current PIN = %v, want ErrPinRequired", err)
	}
	if err := r.ChangePin(ctx, "dev1", "123456", "111111"); err != nil {
		t.Fatalf("ChangePin: %v", err)
	}
	if err := r.VerifyPin(ctx, "dev1", "111111"); err != nil {
		t.Errorf("new PIN rejected: %v", err)
	}

	if err := r.DisablePin(ctx, "dev1"); err != nil {
		t.Fatalf("DisablePin: %v", err)
	}
	if err := r.VerifyPin(ctx, "dev1", ""); err != nil {
		t.Errorf("VerifyPin after disable: %v", err)
	}
}

func TestSessionRouting(t *testing.T) {
	r := NewMemoryRegistry()
	r.EnsureDevice(context.Background(), "dev1")

	if r.Connected("dev1") {
		t.Fatal("fresh device should not be connected")
	}

	first := &nopSession{}
	r.BindSession("dev1", first)
	if !r.Connected("dev1") {
		t.Fatal("device should be connected after bind")
	}

	// A reconnect replaces and closes the stale session.
	second := &nopSession{}
	r.BindSession("dev1", second)
	if !first.closed {
		t.Error("stale session was not closed on reconnect")
	}

	// Unbinding the stale handle must not drop the live one.
	r.UnbindSession("dev1", first)
	if !r.Connected("dev1") {
		t.Fatal("live session removed by stale unbind")
	}

	r.UnbindSession("dev1", second)
	if r.Connected("dev1") {
		t.Fatal("device still connected after unbind")
	}
}
