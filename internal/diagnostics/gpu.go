package diagnostics

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/jaypipes/ghw"
)

// GPUs lists the graphics cards of the host by name. It returns nil when
// none are found or the platform cannot be inspected.
func GPUs() []string {
	info, err := ghw.GPU()
	if err != nil || info == nil || len(info.GraphicsCards) == 0 {
		return nil
	}

	names := make([]string, 0, len(info.GraphicsCards))
	for _, card := range info.GraphicsCards {
		name := ""
		if d := card.DeviceInfo; d != nil {
			switch {
			case d.Vendor != nil && d.Product != nil:
				name = strings.TrimSpace(d.Vendor.Name + " " + d.Product.Name)
			case d.Product != nil:
				name = strings.TrimSpace(d.Product.Name)
			case d.Vendor != nil:
				name = strings.TrimSpace(d.Vendor.Name)
			}
		}
		if name == "" {
			name = fmt.Sprintf("GPU %d", card.Index)
		}
		names = append(names, name)
	}
	return names
}

// IsLocalEndpoint reports whether baseURL points at this machine, as with
// a self-hosted OpenAI-compatible server.
func IsLocalEndpoint(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}
