package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	errInvalidCallbackURL = errors.New("invalid callback url")
	errBlockedAddress     = errors.New("callback address is not public")
)

// callbackAllow lists addresses exempt from the public-address check.
var callbackAllow = map[string]bool{}

var reservedNets = parseCIDRs(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"192.0.0.0/24",
	"198.18.0.0/15",
	"240.0.0.0/4",
	"fc00::/7",
)

func parseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, n)
	}
	return out
}

func publicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if callbackAllow[ip.String()] {
		return true
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return false
	}
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}

var lookupIP = net.DefaultResolver.LookupIPAddr

// checkCallbackURL accepts http(s) URLs whose host is, or currently resolves
// to, public addresses only. An unresolvable host passes here; the dialer
// re-checks every connection.
func checkCallbackURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return errInvalidCallbackURL
	}
	host := strings.ToLower(u.Hostname())
	if ip := net.ParseIP(host); ip != nil {
		if !publicIP(ip) {
			return errBlockedAddress
		}
		return nil
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errBlockedAddress
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	addrs, err := lookupIP(ctx, host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if !publicIP(a.IP) {
			return errBlockedAddress
		}
	}
	return nil
}

func guardedControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if !publicIP(net.ParseIP(host)) {
		return errBlockedAddress
	}
	return nil
}

// newCallbackClient dials only public addresses, so a hostname that later
// resolves somewhere internal is still refused.
func newCallbackClient() *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, Control: guardedControl}
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 5 * time.Second,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

type callbackPayload struct {
	EventID      uint   `json:"event_id"`
	MessageLogID uint   `json:"message_log_id"`
	MessageID    string `json:"message_id,omitempty"`
	Status       string `json:"status"`
	ToNumber     string `json:"to_number"`
	Error        string `json:"error,omitempty"`
}

func notifyCallback(target string, payload callbackPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		logger.Warn("bad event webhook url", zap.String("url", target), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := callbackClient.Do(req)
	if err != nil {
		logger.Warn("event webhook call failed", zap.String("url", target), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		logger.Warn("event webhook rejected", zap.String("url", target), zap.Int("status", resp.StatusCode))
	}
}
