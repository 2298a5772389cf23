package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/store"
)

func newTestSupervisor(t *testing.T, cfg Config) (*Supervisor, *registry.Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"), nil)
	if err != nil {
		t.Fatalf("store.Open() error: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg := registry.New(100)
	return New(cfg, reg, st, nil, nil), reg, st
}

func TestTimeoutScanPersistsOffline(t *testing.T) {
	s, reg, st := newTestSupervisor(t, Config{DeviceTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	reg.UpsertCapabilities("dev1", registry.Capabilities{Sensors: []string{"temperature"}})
	if err := st.RegisterDevice(ctx, store.Device{ID: "dev1"}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	s.scanTimeouts(ctx)

	d, _ := reg.Get("dev1")
	if d.Online {
		t.Error("device still online after timeout scan")
	}
	row, err := st.GetDevice(ctx, "dev1")
	if err != nil || row == nil {
		t.Fatalf("catalog row = %v, %v", row, err)
	}
	if row.Status != "offline" {
		t.Errorf("persisted status = %q, want offline", row.Status)
	}
}

func TestTimeoutScanSkipsFreshDevices(t *testing.T) {
	s, reg, st := newTestSupervisor(t, Config{DeviceTimeout: time.Hour})
	ctx := context.Background()

	reg.UpsertCapabilities("dev1", registry.Capabilities{})
	if err := st.RegisterDevice(ctx, store.Device{ID: "dev1"}); err != nil {
		t.Fatal(err)
	}

	s.scanTimeouts(ctx)

	d, _ := reg.Get("dev1")
	if !d.Online {
		t.Error("fresh device flipped offline")
	}
}

func TestSnapshotMetrics(t *testing.T) {
	s, reg, st := newTestSupervisor(t, Config{})
	ctx := context.Background()

	reg.UpsertCapabilities("dev1", registry.Capabilities{})
	reg.RecordSensorReading("dev1", "temperature", registry.Reading{Value: 1, Timestamp: time.Now()})
	reg.NoteCommandSent("dev1")

	s.snapshotMetrics(ctx)

	rows, err := st.GetMetrics(ctx, "dev1")
	if err != nil || len(rows) != 1 {
		t.Fatalf("metrics rows = %v, %v", rows, err)
	}
	// Capabilities + reading = 2 inbound messages.
	if rows[0].MessagesReceived != 2 {
		t.Errorf("MessagesReceived = %d, want 2", rows[0].MessagesReceived)
	}
	if rows[0].MessagesSent != 1 {
		t.Errorf("MessagesSent = %d, want 1", rows[0].MessagesSent)
	}

	// Latest-wins on the next snapshot.
	reg.NoteCommandSent("dev1")
	s.snapshotMetrics(ctx)
	rows, _ = st.GetMetrics(ctx, "dev1")
	if rows[0].MessagesSent != 2 {
		t.Errorf("MessagesSent after second snapshot = %d, want 2", rows[0].MessagesSent)
	}
}

func TestCleanupSweep(t *testing.T) {
	s, _, st := newTestSupervisor(t, Config{
		SensorRetention: 24 * time.Hour,
		ErrorRetention:  24 * time.Hour,
	})
	ctx := context.Background()

	if err := st.StoreSensorData(ctx, "dev1", "temperature", 1.0, "", time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := st.StoreSensorData(ctx, "dev1", "temperature", 2.0, "", time.Now()); err != nil {
		t.Fatal(err)
	}

	s.cleanup(ctx)

	rows, err := st.GetSensorData(ctx, "dev1", "temperature", 0, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("surviving rows = %v, %v", rows, err)
	}
	if rows[0].Value != 2.0 {
		t.Errorf("surviving value = %v", rows[0].Value)
	}
}

func TestLoopsStopOnCancel(t *testing.T) {
	s, _, _ := newTestSupervisor(t, Config{
		DeviceTimeout:       time.Minute,
		TimeoutScanInterval: 5 * time.Millisecond,
		MetricsInterval:     5 * time.Millisecond,
		CleanupInterval:     5 * time.Millisecond,
		SensorRetention:     time.Hour,
		ErrorRetention:      time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	// Let the loops tick a few times, then cancel.
	time.Sleep(25 * time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor loops did not stop after cancel")
	}
}
