package ingest

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
)

func waitFrame(t *testing.T, out <-chan model.Frame) model.Frame {
	t.Helper()
	select {
	case fr := <-out:
		return fr
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return model.Frame{}
}

func TestUDPDatagramIsOnePacket(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.UDP = config.UDPConfig{Enabled: true, Addr: "127.0.0.1:0"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.Frame, 4)
	conn := StartUDP(ctx, config.NewStaticManager(cfg), out, nil)
	if conn == nil {
		t.Fatalf("udp listener not started")
	}

	client, err := net.Dial("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if _, err := client.Write([]byte{0x01, 0x0a, 0x0d}); err != nil {
		t.Fatalf("write: %v", err)
	}
	fr := waitFrame(t, out)
	if fr.Source != "udp" || string(fr.Payload) != "\x01\x0a\x0d" || fr.Remote == "" {
		t.Fatalf("unexpected frame: %+v %x", fr, fr.Payload)
	}
}

func TestTCPStreamLines(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Ingest.TCPStream = config.TCPStreamConfig{Enabled: true, Addr: "127.0.0.1:0"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.Frame, 4)
	ln := StartTCPStream(ctx, config.NewStaticManager(cfg), NewParser(), out, nil)
	if ln == nil {
		t.Fatalf("tcp listener not started")
	}
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "0a0b0c\n{\"payload\":\"AQI=\",\"encoding\":\"base64\",\"gateway\":\"gw2\"}\n")

	first := waitFrame(t, out)
	if string(first.Payload) != "\x0a\x0b\x0c" || first.Source != "tcp_stream" {
		t.Fatalf("first frame: %+v", first)
	}
	second := waitFrame(t, out)
	if string(second.Payload) != "\x01\x02" || second.Remote != "gw2" {
		t.Fatalf("second frame: %+v", second)
	}
}

func TestFileTailFromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	if err := os.WriteFile(path, []byte("# capture\n0a0b\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Ingest.FileTail = config.FileTailConfig{Enabled: true, StartAtEnd: false, Files: []string{path}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan model.Frame, 4)
	StartFileTail(ctx, config.NewStaticManager(cfg), NewParser(), out, nil)

	fr := waitFrame(t, out)
	if string(fr.Payload) != "\x0a\x0b" || fr.Source != "file_tail" || fr.Remote != path {
		t.Fatalf("unexpected frame: %+v", fr)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fmt.Fprint(f, "ff")
	fmt.Fprint(f, "ee\n")
	f.Close()
	fr = waitFrame(t, out)
	if string(fr.Payload) != "\xff\xee" {
		t.Fatalf("appended frame: %x", fr.Payload)
	}
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan model.Frame, 1)
	if !SendNonBlocking(context.Background(), out, model.Frame{}, nil) {
		t.Fatalf("first send should succeed")
	}
	if SendNonBlocking(context.Background(), out, model.Frame{}, nil) {
		t.Fatalf("second send should drop")
	}
}
