package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Endpoint describes where the understudy API listens. TSNetHostname and
// TSNetPort are populated only for tsnet:// endpoints.
type Endpoint struct {
	Scheme        string
	Address       string
	BaseURL       string
	TSNetHostname string
	TSNetPort     int
}

const (
	DefaultTSNetHostname = "understudy"
	DefaultTSNetPort     = 7777
)

func defaultEndpoint() Endpoint {
	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if runtimeDir == "" {
		runtimeDir = os.TempDir()
	}
	sock := filepath.Join(runtimeDir, "understudy", "understudy.sock")
	return Endpoint{
		Scheme:  "unix",
		Address: sock,
		BaseURL: "http://unix",
	}
}

func Default() Endpoint {
	return defaultEndpoint()
}

// Resolve resolves an endpoint for client-side dialing. tsnet:// endpoints
// are listen-only and rejected here.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

// ResolveListen resolves an endpoint for server-side listening. An empty
// value falls back to UNDERSTUDY_HOST, then to the default unix socket.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv("UNDERSTUDY_HOST"))
	}
	if value == "" {
		return defaultEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "tsnet://"):
		if !listen {
			return Endpoint{}, errors.New("tsnet:// endpoints are listen-only; dial the tailnet hostname with http:// or https://")
		}
		return resolveTSNet(value)
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"):
		scheme := "http"
		if strings.HasPrefix(value, "https://") {
			scheme = "https"
		}
		return Endpoint{Scheme: scheme, Address: value, BaseURL: value}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	default:
		expected := "unix://, http://, https://, or absolute unix socket path"
		if listen {
			expected = "unix://, http://, https://, tsnet://, or absolute unix socket path"
		}
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

func resolveTSNet(value string) (Endpoint, error) {
	parsed, err := url.Parse(value)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid tsnet endpoint %q: %w", value, err)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return Endpoint{}, fmt.Errorf("tsnet endpoint %q must not include a path", value)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		hostname = DefaultTSNetHostname
	}
	port := DefaultTSNetPort
	if rawPort := parsed.Port(); rawPort != "" {
		port, err = strconv.Atoi(rawPort)
		if err != nil || port < 1 || port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid tsnet port %q in endpoint %q", rawPort, value)
		}
	}

	return Endpoint{
		Scheme:        "tsnet",
		Address:       fmt.Sprintf(":%d", port),
		BaseURL:       fmt.Sprintf("http://%s:%d", hostname, port),
		TSNetHostname: hostname,
		TSNetPort:     port,
	}, nil
}
