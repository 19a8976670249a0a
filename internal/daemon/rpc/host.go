package rpc

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"tailscale.com/client/local"
	"tailscale.com/ipn/ipnstate"

	"github.com/leonletto/anchord/internal/runner"
	"github.com/leonletto/anchord/internal/types"
)

const (
	defaultDaemonPort  = 4732
	connectTestTimeout = 10 * time.Second
)

//nolint:staticcheck // ST1005: shown to users verbatim
var errNotificationFallback = errors.New("Notification fallback is only available on macOS debug builds.")

// TailscaleStatusProvider abstracts the Tailscale LocalClient.Status() call for testability.
type TailscaleStatusProvider interface {
	Status(ctx context.Context) (*ipnstate.Status, error)
}

// ConnectCheckFunc checks that a relay websocket URL accepts connections.
type ConnectCheckFunc func(ctx context.Context, url string) error

// TailscaleStatus describes this host on the tailnet.
type TailscaleStatus struct {
	Installed           bool     `json:"installed"`
	Running             bool     `json:"running"`
	Version             *string  `json:"version"`
	DNSName             *string  `json:"dnsName"`
	HostName            *string  `json:"hostName"`
	TailnetName         *string  `json:"tailnetName"`
	IPv4                []string `json:"ipv4"`
	IPv6                []string `json:"ipv6"`
	SuggestedRemoteHost *string  `json:"suggestedRemoteHost"`
	Message             string   `json:"message"`
}

// OrbitConnectTestResult is the outcome of a relay reachability check.
type OrbitConnectTestResult struct {
	OK        bool   `json:"ok"`
	LatencyMs *int64 `json:"latencyMs"`
	Message   string `json:"message"`
}

type hostHandlers struct {
	deps Deps
}

func registerHost(d *Dispatcher, deps Deps) {
	h := &hostHandlers{deps: deps}
	if h.deps.Tailscale == nil {
		h.deps.Tailscale = &local.Client{}
	}
	if h.deps.ConnectCheck == nil {
		h.deps.ConnectCheck = runner.CheckConnect
	}
	d.Register("tailscale_status", h.tailscaleStatus)
	d.Register("orbit_connect_test", h.orbitConnectTest)
	d.Register("orbit_sign_in_start", h.orbitSignInStart)
	d.Register("orbit_sign_in_poll", h.orbitSignInPoll)
	d.Register("orbit_sign_out", h.orbitSignOut)
	d.Register("menu_set_accelerators", func(context.Context, Params) (any, error) { return okResult, nil })
	d.Register("is_macos_debug_build", func(context.Context, Params) (any, error) { return false, nil })
	d.Register("send_notification_fallback", h.notificationFallback)
}

func (h *hostHandlers) tailscaleStatus(ctx context.Context, _ Params) (any, error) {
	st, err := h.deps.Tailscale.Status(ctx)
	if err != nil {
		return TailscaleStatus{
			IPv4:    []string{},
			IPv6:    []string{},
			Message: "Tailscale is not available: " + err.Error(),
		}, nil
	}
	port := defaultDaemonPort
	if h.deps.Settings != nil {
		port = portFromHost(h.deps.Settings.Snapshot().RemoteBackendHost, defaultDaemonPort)
	}
	return statusFromIPN(st, port), nil
}

// statusFromIPN converts tailscaled's status into the RPC view.
func statusFromIPN(st *ipnstate.Status, port int) TailscaleStatus {
	out := TailscaleStatus{
		Installed: true,
		Running:   st.BackendState == "Running",
		Version:   types.StringPtr(st.Version),
		IPv4:      []string{},
		IPv6:      []string{},
	}
	if st.CurrentTailnet != nil {
		out.TailnetName = types.StringPtr(st.CurrentTailnet.Name)
	}
	if st.Self != nil {
		dns := strings.TrimSuffix(st.Self.DNSName, ".")
		out.DNSName = types.StringPtr(dns)
		out.HostName = types.StringPtr(st.Self.HostName)
		for _, ip := range st.Self.TailscaleIPs {
			if ip.Is4() {
				out.IPv4 = append(out.IPv4, ip.String())
			} else {
				out.IPv6 = append(out.IPv6, ip.String())
			}
		}
		host := dns
		if host == "" && len(out.IPv4) > 0 {
			host = out.IPv4[0]
		}
		if host != "" {
			out.SuggestedRemoteHost = types.StringPtr(net.JoinHostPort(host, strconv.Itoa(port)))
		}
	}
	if out.Running {
		out.Message = "Tailscale is connected."
	} else {
		out.Message = "Tailscale is installed but not running (" + st.BackendState + ")."
	}
	return out
}

// portFromHost extracts the port of a host:port string.
func portFromHost(hostPort string, fallback int) int {
	hostPort = strings.TrimSpace(hostPort)
	if i := strings.LastIndexByte(hostPort, ':'); i >= 0 {
		if port, err := strconv.ParseUint(hostPort[i+1:], 10, 16); err == nil {
			return int(port)
		}
	}
	return fallback
}

func (h *hostHandlers) orbitConnectTest(ctx context.Context, _ Params) (any, error) {
	settings := h.deps.Settings.Snapshot()
	base, err := settings.OrbitWebSocketURL()
	if err != nil {
		return nil, err
	}
	url, err := runner.BuildURL(base, types.Deref(settings.RemoteBackendToken))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, connectTestTimeout)
	defer cancel()
	start := time.Now()
	if err := h.deps.ConnectCheck(ctx, url); err != nil {
		return OrbitConnectTestResult{Message: "Failed to connect to Orbit: " + err.Error()}, nil
	}
	latency := time.Since(start).Milliseconds()
	return OrbitConnectTestResult{OK: true, LatencyMs: &latency, Message: "Connected to Orbit."}, nil
}

func (h *hostHandlers) notificationFallback(_ context.Context, p Params) (any, error) {
	if _, err := p.String("title"); err != nil {
		return nil, err
	}
	if _, err := p.String("body"); err != nil {
		return nil, err
	}
	return nil, errNotificationFallback
}

// OrbitSignOutResult is the outcome of orbit_sign_out.
type OrbitSignOutResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (h *hostHandlers) authClient() (*runner.AuthClient, error) {
	base, err := h.deps.Settings.Snapshot().OrbitAuthBaseURL()
	if err != nil {
		return nil, err
	}
	return runner.NewAuthClient(base, h.deps.HTTPClient), nil
}

// runnerName is the name announced at sign-in: the configured one, else the
// host name.
func (h *hostHandlers) runnerName() string {
	if name := strings.TrimSpace(types.Deref(h.deps.Settings.Snapshot().OrbitRunnerName)); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "anchord"
}

func (h *hostHandlers) orbitSignInStart(ctx context.Context, _ Params) (any, error) {
	c, err := h.authClient()
	if err != nil {
		return nil, err
	}
	return c.StartSignIn(ctx, h.runnerName())
}

// orbitSignInPoll stores the relay token once the device code is approved.
func (h *hostHandlers) orbitSignInPoll(ctx context.Context, p Params) (any, error) {
	code, err := p.String("deviceCode")
	if err != nil {
		return nil, err
	}
	c, err := h.authClient()
	if err != nil {
		return nil, err
	}
	poll, err := c.PollSignIn(ctx, code)
	if err != nil {
		return nil, err
	}
	if poll.Status == runner.SignInAuthorized {
		if _, err := h.deps.Settings.SetRemoteBackendToken(poll.Token); err != nil {
			return nil, err
		}
	}
	return poll, nil
}

// orbitSignOut clears the stored relay token. Revoking it on the relay is
// best effort.
func (h *hostHandlers) orbitSignOut(ctx context.Context, _ Params) (any, error) {
	token := strings.TrimSpace(types.Deref(h.deps.Settings.Snapshot().RemoteBackendToken))
	message := "Signed out of Orbit."
	if token != "" {
		if c, err := h.authClient(); err == nil {
			if err := c.SignOut(ctx, token); err != nil {
				message = "Signed out locally; Orbit logout failed: " + err.Error()
			}
		}
	}
	if _, err := h.deps.Settings.SetRemoteBackendToken(nil); err != nil {
		return nil, err
	}
	return OrbitSignOutResult{Success: true, Message: message}, nil
}
