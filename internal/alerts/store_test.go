package alerts

import (
	"testing"
	"time"

	"telemetrygate/internal/model"
)

func TestStoreRingKeepsNewest(t *testing.T) {
	s := NewStore(3)
	for i := 1; i <= 5; i++ {
		s.Add(model.Alert{DeviceID: uint64(i)})
	}
	got := s.List(0)
	if len(got) != 3 || got[0].DeviceID != 3 || got[2].DeviceID != 5 {
		t.Fatalf("unexpected ring contents: %+v", got)
	}
	if last := s.List(1); len(last) != 1 || last[0].DeviceID != 5 {
		t.Fatalf("List(1) = %+v", last)
	}
}

func TestStoreSinceAndForDevice(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewStore(10)
	s.Add(model.Alert{DeviceID: 1, Timestamp: base, AlertType: "integrity_failure"})
	s.Add(model.Alert{DeviceID: 2, Timestamp: base.Add(time.Minute)})
	s.Add(model.Alert{DeviceID: 1, Timestamp: base.Add(2 * time.Minute), AlertType: "suspicious_device"})

	if got := s.Since(base.Add(time.Minute)); len(got) != 2 {
		t.Fatalf("Since returned %d alerts", len(got))
	}
	dev := s.ForDevice(1, 0)
	if len(dev) != 2 || dev[0].AlertType != "integrity_failure" || dev[1].AlertType != "suspicious_device" {
		t.Fatalf("ForDevice = %+v", dev)
	}
	if latest := s.ForDevice(1, 1); len(latest) != 1 || latest[0].AlertType != "suspicious_device" {
		t.Fatalf("ForDevice limit = %+v", latest)
	}
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}
