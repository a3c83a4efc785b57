// Package discovery advertises and locates mesh hubs on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_rapid-mesh._tcp"
	Domain      = "local."
)

var ErrNoHub = errors.New("discovery: no mesh hub found")

// Advertisement describes a hub to announce.
type Advertisement struct {
	NodeID   string
	NodeName string
	MQTTPort int
	HTTPPort int
}

// Advertiser keeps a zeroconf registration alive until Stop.
type Advertiser struct {
	server *zeroconf.Server
	logger *slog.Logger
}

// Advertise registers the hub service. Stop must be called to withdraw it.
func Advertise(ad Advertisement, logger *slog.Logger) (*Advertiser, error) {
	if ad.MQTTPort <= 0 {
		return nil, fmt.Errorf("invalid port %d", ad.MQTTPort)
	}
	if logger == nil {
		logger = slog.Default()
	}

	name := ad.NodeName
	if name == "" {
		name = ad.NodeID
	}
	instance := sanitizeInstance(fmt.Sprintf("RAPID Mesh Hub (%s)", name))
	hostLabel := sanitizeHost(name)
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", ad.MQTTPort),
		fmt.Sprintf("http_port=%d", ad.HTTPPort),
		fmt.Sprintf("node_id=%s", ad.NodeID),
		"proto=v1",
		fmt.Sprintf("host=%s", hostFQDN),
	}

	server, err := zeroconf.Register(instance, ServiceType, Domain, ad.MQTTPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}

	logger.Info("mDNS advertisement started", "instance", instance, "port", ad.MQTTPort)
	return &Advertiser{server: server, logger: logger}, nil
}

// Stop withdraws the advertisement. It is safe to call on a nil Advertiser.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	a.logger.Info("mDNS advertisement stopped")
}

// LookupHub browses for a hub and returns its broker URL. The node's own
// advertisement, identified by selfID, is skipped.
func LookupHub(ctx context.Context, selfID string, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("create mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", ServiceType, err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNoHub
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoHub
			}
			if url, ok := brokerURL(entry, selfID); ok {
				return url, nil
			}
		}
	}
}

// brokerURL picks an address and port from entry, preferring IPv4.
func brokerURL(entry *zeroconf.ServiceEntry, selfID string) (string, bool) {
	if entry == nil {
		return "", false
	}

	port := entry.Port
	for _, kv := range entry.Text {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch key {
		case "node_id":
			if selfID != "" && value == selfID {
				return "", false
			}
		case "mqtt_port":
			if p, err := strconv.Atoi(value); err == nil && p > 0 {
				port = p
			}
		}
	}
	if port <= 0 {
		return "", false
	}

	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return "tcp://" + net.JoinHostPort(ip.String(), strconv.Itoa(port)), true
}

func sanitizeInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, ".", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "RAPID Mesh Hub"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}

func sanitizeHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	replacer := strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "")
	cleaned = replacer.Replace(cleaned)
	if cleaned == "" {
		cleaned = "rapid-node"
	}
	// Host labels must be <=63 characters.
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
