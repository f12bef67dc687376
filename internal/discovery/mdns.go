// Package discovery advertises the VNC server on the local network so
// viewers that browse mDNS/DNS-SD find it without knowing the address.
package discovery

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/video"
	"github.com/grandcat/zeroconf"
)

const (
	// ServiceRFB is the DNS-SD service type VNC viewers browse for.
	ServiceRFB = "_rfb._tcp"
	domain     = "local."
)

// Advertisement is a registered mDNS service.
type Advertisement struct {
	server   *zeroconf.Server
	instance string
}

// TXTRecords describes the framebuffer to browsing clients.
func TXTRecords(mode video.VideoMode, auth bool) []string {
	return []string{
		"width=" + strconv.FormatUint(uint64(mode.Width), 10),
		"height=" + strconv.FormatUint(uint64(mode.Height), 10),
		"rate=" + strconv.FormatUint(uint64(mode.Rate), 10),
		"auth=" + strconv.FormatBool(auth),
	}
}

// InstanceName returns "<name> on <hostname>", or name alone when the
// hostname is unknown.
func InstanceName(name string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return name
	}
	return fmt.Sprintf("%s on %s", name, host)
}

// AdvertiseVNC registers instance as an _rfb._tcp service on port.
func AdvertiseVNC(instance string, port int, mode video.VideoMode, auth bool) (*Advertisement, error) {
	server, err := zeroconf.Register(instance, ServiceRFB, domain, port, TXTRecords(mode, auth), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logger.WithComponent("mdns").Info().
		Str("instance", instance).
		Str("service", ServiceRFB).
		Int("port", port).
		Msg("Advertising VNC server")

	return &Advertisement{server: server, instance: instance}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertisement) Shutdown() {
	a.server.Shutdown()
	logger.WithComponent("mdns").Info().Str("instance", a.instance).Msg("mDNS advertisement withdrawn")
}
