package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"telemetrygate/internal/config"
	"telemetrygate/internal/model"
)

// maxDatagram covers the largest UDP payload over IPv4.
const maxDatagram = 65507

// StartUDP treats every datagram as one binary packet.
func StartUDP(ctx context.Context, cfg *config.Manager, out chan<- model.Frame, logger *slog.Logger) net.PacketConn {
	current := cfg.Get().Ingest.UDP
	if !current.Enabled {
		if logger != nil {
			logger.Info("udp ingest disabled")
		}
		return nil
	}
	conn, err := net.ListenPacket("udp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("udp listen error", "err", err)
		}
		return nil
	}
	if logger != nil {
		logger.Info("udp ingest enabled", "addr", conn.LocalAddr().String())
	}
	go listenUDP(ctx, conn, out, logger)
	return conn
}

func listenUDP(ctx context.Context, conn net.PacketConn, out chan<- model.Frame, logger *slog.Logger) {
	defer conn.Close()
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("udp read error", "err", err)
			}
			continue
		}
		if n == 0 {
			continue
		}
		fr := model.Frame{
			Payload:    append([]byte(nil), buf[:n]...),
			Source:     "udp",
			Remote:     addr.String(),
			ReceivedAt: time.Now().UTC(),
		}
		SendNonBlocking(ctx, out, fr, logger)
	}
}
