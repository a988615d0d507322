package pcsc

import (
	"context"
	"testing"
	"time"
)

func newTestClient() (*Client, *MockKeySession) {
	session := NewMockSession()
	layer := NewLayer(session, WithPollInterval(5*time.Millisecond))
	return NewClient(layer), session
}

func TestEstablishAndReleaseContext(t *testing.T) {
	client, _ := newTestClient()

	h, rc := client.EstablishContext()
	if rc != Success {
		t.Fatalf("EstablishContext() = %#x, want success", rc)
	}
	if h == NoContext {
		t.Fatal("EstablishContext returned the zero sentinel as a handle")
	}

	if rc := client.ReleaseContext(h); rc != Success {
		t.Errorf("ReleaseContext(%d) = %#x, want success", h, rc)
	}
	if rc := client.ReleaseContext(h); rc != ErrInvalidHandle {
		t.Errorf("double release = %#x, want SCARD_E_INVALID_HANDLE", rc)
	}
}

func TestEstablishContextAtCapacity(t *testing.T) {
	client, _ := newTestClient()

	handles := make([]int32, 0, MaxContexts)
	for i := 0; i < MaxContexts; i++ {
		h, rc := client.EstablishContext()
		if rc != Success {
			t.Fatalf("EstablishContext #%d = %#x, want success", i+1, rc)
		}
		handles = append(handles, h)
	}

	if _, rc := client.EstablishContext(); rc != ErrNoMemory {
		t.Errorf("EstablishContext beyond capacity = %#x, want SCARD_E_NO_MEMORY", rc)
	}

	// Releasing one frees a slot
	client.ReleaseContext(handles[0])
	if _, rc := client.EstablishContext(); rc != Success {
		t.Errorf("EstablishContext after release = %#x, want success", rc)
	}
}

func TestConnectNeedsValidContext(t *testing.T) {
	client, _ := newTestClient()

	if _, rc := client.Connect(12345); rc != ErrInvalidHandle {
		t.Errorf("Connect with unknown context = %#x, want SCARD_E_INVALID_HANDLE", rc)
	}
}

func TestConnectTransmitDisconnect(t *testing.T) {
	client, session := newTestClient()
	session.WithResponse("00a40400", []byte{0x6A, 0x82})

	hContext, rc := client.EstablishContext()
	if rc != Success {
		t.Fatal("EstablishContext failed")
	}

	hCard, rc := client.Connect(hContext)
	if rc != Success {
		t.Fatalf("Connect() = %#x, want success", rc)
	}
	if hCard == 0 {
		t.Fatal("Connect returned a zero card handle")
	}

	rsp, rc := client.Transmit(hCard, []byte{0x00, 0xA4, 0x04, 0x00})
	if rc != Success {
		t.Fatalf("Transmit() = %#x, want success", rc)
	}
	if len(rsp) != 2 || rsp[0] != 0x6A {
		t.Errorf("response = %x", rsp)
	}

	if rc := client.Disconnect(hCard); rc != Success {
		t.Errorf("Disconnect() = %#x, want success", rc)
	}
	if rc := client.Disconnect(hCard); rc != ErrInvalidHandle {
		t.Errorf("double disconnect = %#x, want SCARD_E_INVALID_HANDLE", rc)
	}
}

func TestTransmitValidation(t *testing.T) {
	client, _ := newTestClient()

	if _, rc := client.Transmit(999, []byte{0x00}); rc != ErrInvalidHandle {
		t.Errorf("Transmit with unknown card = %#x, want SCARD_E_INVALID_HANDLE", rc)
	}

	hContext, _ := client.EstablishContext()
	hCard, _ := client.Connect(hContext)

	if _, rc := client.Transmit(hCard, nil); rc != ErrInvalidParam {
		t.Errorf("Transmit with empty command = %#x, want SCARD_E_INVALID_PARAMETER", rc)
	}
}

func TestReconnect(t *testing.T) {
	client, _ := newTestClient()

	if rc := client.Reconnect(999); rc != ErrInvalidHandle {
		t.Errorf("Reconnect with unknown card = %#x, want SCARD_E_INVALID_HANDLE", rc)
	}

	hContext, _ := client.EstablishContext()
	hCard, _ := client.Connect(hContext)
	if rc := client.Reconnect(hCard); rc != Success {
		t.Errorf("Reconnect() = %#x, want success", rc)
	}
}

func TestStatus(t *testing.T) {
	client, _ := newTestClient()

	hContext, _ := client.EstablishContext()
	hCard, _ := client.Connect(hContext)

	status, rc := client.Status(hCard)
	if rc != Success {
		t.Fatalf("Status() = %#x, want success", rc)
	}
	if status.Reader != "Yubico YubiKey OTP+FIDO+CCID" {
		t.Errorf("reader = %q", status.Reader)
	}
	if status.State != StateSpecific {
		t.Errorf("state = %d, want %d", status.State, StateSpecific)
	}
	if status.Serial != "14397034" {
		t.Errorf("serial = %q", status.Serial)
	}
	if len(status.ATR) == 0 {
		t.Error("ATR should not be empty with a key present")
	}
}

func TestStatusInvalidHandle(t *testing.T) {
	client, _ := newTestClient()

	if _, rc := client.Status(999); rc != ErrInvalidHandle {
		t.Errorf("Status with unknown card = %#x, want SCARD_E_INVALID_HANDLE", rc)
	}
}

func TestGetStatusChange(t *testing.T) {
	client, session := newTestClient()

	if rc := client.GetStatusChange(context.Background(), 999); rc != ErrInvalidHandle {
		t.Errorf("GetStatusChange with unknown context = %#x, want SCARD_E_INVALID_HANDLE", rc)
	}

	hContext, _ := client.EstablishContext()

	done := make(chan int64, 1)
	go func() {
		done <- client.GetStatusChange(context.Background(), hContext)
	}()

	time.Sleep(20 * time.Millisecond)
	session.SetPresent(false)

	select {
	case rc := <-done:
		if rc != Success {
			t.Errorf("GetStatusChange() = %#x, want success", rc)
		}
	case <-time.After(time.Second):
		t.Fatal("GetStatusChange did not observe the removal")
	}
}

func TestClientListReaders(t *testing.T) {
	client, _ := newTestClient()

	if _, rc := client.ListReaders(999); rc != ErrInvalidHandle {
		t.Errorf("ListReaders with unknown context = %#x, want SCARD_E_INVALID_HANDLE", rc)
	}

	hContext, _ := client.EstablishContext()
	name, rc := client.ListReaders(hContext)
	if rc != Success {
		t.Fatalf("ListReaders() = %#x, want success", rc)
	}
	if name == "" {
		t.Error("reader name should not be empty")
	}
}

func TestHandlesAreDistinct(t *testing.T) {
	client, _ := newTestClient()

	seen := make(map[int32]bool)
	for i := 0; i < MaxContexts; i++ {
		h, rc := client.EstablishContext()
		if rc != Success {
			t.Fatal("EstablishContext failed")
		}
		if h == NoContext {
			t.Fatal("handle collided with the zero sentinel")
		}
		if seen[h] {
			t.Fatalf("handle %d issued twice", h)
		}
		seen[h] = true
	}
}
