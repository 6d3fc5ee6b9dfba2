package process

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/nerrad567/laserlink-core/internal/infrastructure/config"
)

// backendName is the process name used in logs and stats.
const backendName = "gateway"

// FromBackend builds the supervision config for the firmware gateway.
// Readiness is the gateway's control port accepting TCP connections.
func FromBackend(b config.BackendConfig, gw config.GatewayConfig) Config {
	cfg := DefaultConfig(backendName, b.Binary, b.Args)
	cfg.RestartDelay = time.Duration(b.RestartDelay) * time.Second
	cfg.MaxRestartAttempts = b.MaxRestartAttempts
	if gw.Port > 0 {
		host := gw.Host
		if host == "" {
			host = "127.0.0.1"
		}
		cfg.Probe = DialProbe(net.JoinHostPort(host, strconv.Itoa(gw.Port)))
	}
	return cfg
}

// DialProbe returns a probe that succeeds when addr accepts a TCP connection.
func DialProbe(addr string) func(ctx context.Context) error {
	var d net.Dialer
	return func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("dialing %s: %w", addr, err)
		}
		return conn.Close()
	}
}
