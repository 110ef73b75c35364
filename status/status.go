// Package status posts idempotent session-lifecycle updates to the
// Connections service: PUT {base_url}/sessions/{id}/status/{status} with a
// JSON body naming the user_id. Failures are logged but never fatal — the
// core's own terminal transition does not depend on this call succeeding.
package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TogetherForABetterAI/calibration-service/errors"
	"github.com/TogetherForABetterAI/calibration-service/logger"
)

// Status values the Connections service recognizes.
const (
	Timeout   = "timeout"
	Completed = "completed"
)

const maxRedirects = 10

type statusBody struct {
	UserID string `json:"user_id"`
}

// Client issues status PUTs against one Connections service base URL. It
// validates the configured base URL once at construction and rejects
// redirects that would leave the allowed scheme/private-IP policy,
// scoped to this one call shape.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a Client with the given timeout, rejecting a baseURL outside
// http/https and, when blockPrivateIP is set, one pointed at localhost or
// a private address.
func New(baseURL string, timeout time.Duration, blockPrivateIP bool) (*Client, error) {
	if err := validateURL(baseURL, blockPrivateIP); err != nil {
		return nil, errors.Wrapf(err, "connections service base URL %q", baseURL)
	}

	client := &http.Client{Timeout: timeout}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		return validateURL(req.URL.String(), blockPrivateIP)
	}
	if blockPrivateIP {
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "resolving host %q", host)
				}
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.Newf("private IP address blocked: %s", ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
		}
	}

	return &Client{baseURL: baseURL, httpClient: client}, nil
}

// Update issues the PUT; non-2xx responses and transport errors are
// logged at WARN and treated as non-fatal, matching spec.md §6.4.
func (c *Client) Update(ctx context.Context, sessionID, userID, newStatus string) {
	target := fmt.Sprintf("%s/sessions/%s/status/%s", c.baseURL, sessionID, newStatus)
	body, err := json.Marshal(statusBody{UserID: userID})
	if err != nil {
		logger.Logger.Warnw("marshaling status update body", "session_id", sessionID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		logger.Logger.Warnw("building status update request", "session_id", sessionID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Logger.Warnw("status update request failed", "session_id", sessionID, "status", newStatus, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Logger.Warnw("status update rejected", "session_id", sessionID, "status", newStatus, "http_status", resp.StatusCode)
	}
}

func validateURL(raw string, blockPrivateIP bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "invalid URL")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errors.Newf("scheme %q not allowed", scheme)
	}
	if strings.Contains(u.String(), "@") {
		return errors.New("URL contains @ character")
	}
	hostname := u.Hostname()
	if hostname == "" {
		return errors.New("URL missing hostname")
	}
	if !blockPrivateIP {
		return nil
	}
	if isLocalhost(hostname) {
		return errors.New("localhost access blocked")
	}
	if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
		return errors.Newf("private IP address blocked: %s", hostname)
	}
	return nil
}

func isLocalhost(hostname string) bool {
	hostname = strings.ToLower(hostname)
	return hostname == "localhost" || hostname == "localhost.localdomain" || strings.HasSuffix(hostname, ".localhost")
}

func isPrivateIP(ip net.IP) bool {
	privateBlocks := []net.IPNet{
		{IP: net.IPv4(10, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
		{IP: net.IPv4(172, 16, 0, 0), Mask: net.CIDRMask(12, 32)},
		{IP: net.IPv4(192, 168, 0, 0), Mask: net.CIDRMask(16, 32)},
		{IP: net.IPv4(127, 0, 0, 0), Mask: net.CIDRMask(8, 32)},
		{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)},
	}
	if ip4 := ip.To4(); ip4 != nil {
		for _, block := range privateBlocks {
			if block.Contains(ip4) {
				return true
			}
		}
		return false
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast()
}
