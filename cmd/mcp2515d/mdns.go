package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_mcp2515d._tcp"

// registerMDNS is swapped in tests.
var registerMDNS = func(instance string, port int, meta []string) (func(), error) {
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

func mdnsInstance(cfg *appConfig) string {
	if cfg.mdnsName != "" {
		return cfg.mdnsName
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("mcp2515d-%s", host)
}

// startMDNS advertises the cannelloni listener until ctx is done. It is a
// no-op when advertisement is disabled.
func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	meta := []string{
		"transport=" + cfg.transport,
		"mode=" + cfg.mode,
		"version=" + version,
		"commit=" + commit,
	}
	shutdown, err := registerMDNS(mdnsInstance(cfg), port, meta)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
