package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/proswitch/swp08gw/internal/config"
)

// mdnsServiceType advertises the fan-out endpoint, not the router itself:
// router discovery remains a non-goal per spec.md §1.
const mdnsServiceType = "_swp08gw._tcp"

func startMDNS(ctx context.Context, cfg *config.Config, addr string) (func(), error) {
	if !cfg.MDNSEnable {
		return func() {}, nil
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("mdns: parse listen addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("mdns: parse port %q: %w", portStr, err)
	}
	instance := cfg.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("swp08gw-%s", host)
	}
	meta := []string{
		"transport=" + string(cfg.Transport),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}

