/*
 * wahost
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package proxy assigns dedicated egress IPs to sessions. Each live
// session carries exactly one IP purchased from an upstream ISP proxy
// vendor; the allocator owns the assignment table, a per-country
// availability cache and the geographic fallback logic used when the
// requested country has no inventory.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/wahost"
	"github.com/gravitational/wahost/lib/defaults"
	"github.com/gravitational/wahost/lib/secrets"
	"github.com/gravitational/wahost/lib/utils"
)

// PasswordSecretName is the backend name of the vendor account
// password. The same credential authenticates API calls and the proxy
// endpoint itself.
const PasswordSecretName = "wahost/proxy-password"

// UnavailableError reports that the vendor has no IPs for a country.
// The allocator reacts by consulting the fallback oracle; in strict
// mode it is surfaced to the caller unchanged.
type UnavailableError struct {
	// Country is the ISO-3166 alpha-2 code that had no inventory.
	Country string
}

// Error implements error.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no proxy IPs available in country %q", e.Country)
}

// IsUnavailable reports whether err is (or wraps) an UnavailableError.
func IsUnavailable(err error) bool {
	var unavailable *UnavailableError
	return errors.As(err, &unavailable)
}

// UnavailableCountry extracts the exhausted country from err, or ""
// when err is not an UnavailableError.
func UnavailableCountry(err error) string {
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return unavailable.Country
	}
	return ""
}

// Endpoint is one purchased egress IP together with the vendor's
// super-proxy port.
type Endpoint struct {
	IP   string
	Port int
}

// VendorAPI is the slice of the vendor the allocator depends on. Tests
// substitute a deterministic fake.
type VendorAPI interface {
	// Purchase buys one IP in the given country. Country exhaustion is
	// reported as UnavailableError; transient faults are retried
	// internally before surfacing.
	Purchase(ctx context.Context, country string) (Endpoint, error)
	// Release returns IPs to the vendor to stop billing.
	Release(ctx context.Context, ips ...string) error
	// ProxyURL builds the authenticated proxy URL routing through ip.
	ProxyURL(ctx context.Context, ip string) (string, error)
}

// VendorConfig configures the HTTP vendor client.
type VendorConfig struct {
	// APIURL is the base URL of the vendor management API.
	APIURL string
	// Host is the egress super-proxy hostname.
	Host string
	// Port is the egress super-proxy port.
	Port int
	// Customer is the vendor account id.
	Customer string
	// Zone is the proxy zone IPs are purchased in.
	Zone string
	// Type is the proxy product type, default "isp".
	Type string
	// Secrets resolves the vendor password.
	Secrets secrets.Provider
	// HTTPClient overrides the HTTP client in tests.
	HTTPClient *http.Client
	// Retries caps attempts for transient vendor faults.
	Retries int
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Log is the component logger.
	Log *slog.Logger
	// Jitter randomizes retry backoff.
	Jitter utils.Jitter
}

// CheckAndSetDefaults validates the configuration.
func (c *VendorConfig) CheckAndSetDefaults() error {
	if c.APIURL == "" {
		return trace.BadParameter("missing parameter APIURL")
	}
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Customer == "" {
		return trace.BadParameter("missing parameter Customer")
	}
	if c.Zone == "" {
		return trace.BadParameter("missing parameter Zone")
	}
	if c.Secrets == nil {
		return trace.BadParameter("missing parameter Secrets")
	}
	if c.Port <= 0 {
		c.Port = 22225
	}
	if c.Type == "" {
		c.Type = "isp"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaults.VendorTimeout}
	}
	if c.Retries <= 0 {
		c.Retries = defaults.VendorRetries
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(wahost.ComponentKey, wahost.ComponentProxy)
	}
	if c.Jitter == nil {
		c.Jitter = utils.NewHalfJitter()
	}
	return nil
}

// Vendor talks to the proxy vendor management API.
type Vendor struct {
	cfg VendorConfig
}

// NewVendor creates a vendor client and verifies credentials are
// resolvable, so a misconfigured deployment fails at startup rather
// than on the first assignment.
func NewVendor(ctx context.Context, cfg VendorConfig) (*Vendor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := cfg.Secrets.Get(ctx, PasswordSecretName); err != nil {
		return nil, trace.Wrap(err, "resolving vendor credentials")
	}
	return &Vendor{cfg: cfg}, nil
}

type purchaseRequest struct {
	Customer string `json:"customer"`
	Zone     string `json:"zone"`
	Count    int    `json:"count"`
	Country  string `json:"country"`
}

type purchaseResponse struct {
	NewIPs []string `json:"new_ips"`
}

type releaseRequest struct {
	Customer string   `json:"customer"`
	Zone     string   `json:"zone"`
	IPs      []string `json:"ips"`
}

// Purchase implements VendorAPI. Vendor 5xx and network faults are
// retried with jittered exponential backoff; a 4xx for the country is
// translated to UnavailableError and not retried.
func (v *Vendor) Purchase(ctx context.Context, country string) (Endpoint, error) {
	country = strings.ToLower(country)
	var endpoint Endpoint
	err := utils.RetryWithBackoff(ctx, utils.RetryConfig{
		Attempts: v.cfg.Retries,
		First:    time.Second,
		Jitter:   v.cfg.Jitter,
		Clock:    v.cfg.Clock,
		Retryable: func(err error) bool {
			return !IsUnavailable(err) && !trace.IsBadParameter(err)
		},
	}, func(ctx context.Context) error {
		ip, err := v.purchaseOnce(ctx, country)
		if err != nil {
			return trace.Wrap(err)
		}
		endpoint = Endpoint{IP: ip, Port: v.cfg.Port}
		return nil
	})
	if err != nil {
		if IsUnavailable(err) || trace.IsBadParameter(err) {
			return Endpoint{}, trace.Wrap(err)
		}
		return Endpoint{}, trace.ConnectionProblem(err, "purchasing IP in country %q", country)
	}
	v.cfg.Log.InfoContext(ctx, "purchased egress IP",
		"country", country, "ip", endpoint.IP)
	return endpoint, nil
}

func (v *Vendor) purchaseOnce(ctx context.Context, country string) (string, error) {
	var resp purchaseResponse
	status, body, err := v.call(ctx, http.MethodPost, purchaseRequest{
		Customer: v.cfg.Customer,
		Zone:     v.cfg.Zone,
		Count:    1,
		Country:  country,
	}, &resp)
	switch {
	case err != nil:
		return "", trace.Wrap(err)
	case status >= 400 && status < 500:
		// The vendor uses 4xx for inventory exhaustion in a country.
		v.cfg.Log.WarnContext(ctx, "vendor has no inventory",
			"country", country, "status", status, "body", body)
		return "", &UnavailableError{Country: country}
	case status >= 500:
		return "", trace.ConnectionProblem(nil, "vendor returned status %v: %v", status, body)
	case len(resp.NewIPs) == 0:
		return "", &UnavailableError{Country: country}
	}
	return resp.NewIPs[0], nil
}

// Release implements VendorAPI. A single attempt; the allocator treats
// release as best effort.
func (v *Vendor) Release(ctx context.Context, ips ...string) error {
	if len(ips) == 0 {
		return nil
	}
	status, body, err := v.call(ctx, http.MethodDelete, releaseRequest{
		Customer: v.cfg.Customer,
		Zone:     v.cfg.Zone,
		IPs:      ips,
	}, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if status >= 400 {
		return trace.ConnectionProblem(nil, "vendor returned status %v: %v", status, body)
	}
	v.cfg.Log.InfoContext(ctx, "released egress IPs", "ips", ips)
	return nil
}

// ProxyURL implements VendorAPI. The username pins the connection to a
// single purchased IP so all session traffic leaves through it.
func (v *Vendor) ProxyURL(ctx context.Context, ip string) (string, error) {
	password, err := v.cfg.Secrets.Get(ctx, PasswordSecretName)
	if err != nil {
		return "", trace.Wrap(err)
	}
	u := url.URL{
		Scheme: "http",
		User:   url.UserPassword(fmt.Sprintf("%s-zone-%s-ip-%s", v.cfg.Customer, v.cfg.Zone, ip), password),
		Host:   fmt.Sprintf("%s:%d", v.cfg.Host, v.cfg.Port),
	}
	return u.String(), nil
}

// call issues one authenticated API request and decodes the response
// into out when it is non-nil. The raw body is returned for error
// reporting with at most a few hundred bytes retained.
func (v *Vendor) call(ctx context.Context, method string, payload any, out any) (int, string, error) {
	password, err := v.cfg.Secrets.Get(ctx, PasswordSecretName)
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(v.cfg.APIURL, "/")+"/zone/ips", bytes.NewReader(data))
	if err != nil {
		return 0, "", trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+password)

	resp, err := v.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, "", trace.ConnectionProblem(err, "calling vendor API")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return resp.StatusCode, "", trace.Wrap(err)
	}
	if out != nil && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, string(body), trace.Wrap(err, "decoding vendor response")
		}
	}
	return resp.StatusCode, string(body), nil
}

// SanitizeProxyURL strips credentials from a proxy URL for logging.
func SanitizeProxyURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}
