package toast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/codeGROOVE-dev/pushtoast/pkg/metrics"
)

const (
	// CSRFCookie is the cookie the CSRF token is read from.
	CSRFCookie = "csrftoken"
	// CSRFHeader carries the token on reject requests.
	CSRFHeader = "X-CSRFToken"

	defaultRejectTimeout = 10 * time.Second
)

// RejectError describes a reject request that failed in transport or was
// answered with a non-2xx status.
type RejectError struct {
	Err    error
	URL    string
	Status int
}

func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reject %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("reject %s: unexpected status %d", e.URL, e.Status)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// RejecterConfig configures a Rejecter.
type RejecterConfig struct {
	// Client sends the request. Its Jar supplies the session and CSRF cookies.
	Client  *http.Client
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// Origin resolves relative reject URLs.
	Origin string
}

// Rejecter performs the reject action of a match toast.
type Rejecter struct {
	client  *http.Client
	origin  *url.URL
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewRejecter creates a rejecter for the given origin.
func NewRejecter(config RejecterConfig) (*Rejecter, error) {
	origin, err := parseOrigin(config.Origin)
	if err != nil {
		return nil, err
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: defaultRejectTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Rejecter{
		client:  client,
		origin:  origin,
		logger:  logger,
		metrics: config.Metrics,
	}, nil
}

// Reject sends DELETE to target. The request is made once; failures are
// logged and returned as *RejectError.
func (r *Rejecter) Reject(ctx context.Context, target string) error {
	u, err := resolve(r.origin, target)
	if err != nil {
		return r.fail(&RejectError{URL: target, Err: err})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u.String(), http.NoBody)
	if err != nil {
		return r.fail(&RejectError{URL: u.String(), Err: err})
	}
	if token, ok := csrfToken(r.client.Jar, u); ok {
		req.Header.Set(CSRFHeader, token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return r.fail(&RejectError{URL: u.String(), Err: err})
	}
	defer resp.Body.Close() //nolint:errcheck // response body close

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return r.fail(&RejectError{URL: u.String(), Status: resp.StatusCode})
	}

	r.metrics.Reject(metrics.ResultSuccess)
	r.logger.Info("Reject sent", "url", u.String(), "status", resp.StatusCode)
	return nil
}

func (r *Rejecter) fail(err *RejectError) error {
	r.metrics.Reject(metrics.ResultFailure)
	r.logger.Warn("Reject failed", "url", err.URL, "status", err.Status, "error", err.Err)
	return err
}

func csrfToken(jar http.CookieJar, u *url.URL) (string, bool) {
	if jar == nil {
		return "", false
	}
	for _, c := range jar.Cookies(u) {
		if c.Name != CSRFCookie {
			continue
		}
		if v, err := url.PathUnescape(c.Value); err == nil {
			return v, true
		}
		return c.Value, true
	}
	return "", false
}

// NewCookieJar returns a public-suffix aware jar holding the given
// "name=value" cookies for origin.
func NewCookieJar(origin string, cookies []string) (http.CookieJar, error) {
	u, err := parseOrigin(origin)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	seeded := make([]*http.Cookie, 0, len(cookies))
	for _, raw := range cookies {
		name, value, ok := strings.Cut(raw, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid cookie %q: want name=value", raw)
		}
		seeded = append(seeded, &http.Cookie{Name: name, Value: strings.TrimSpace(value), Path: "/"})
	}
	jar.SetCookies(u, seeded)
	return jar, nil
}

// CookieHeader renders the Cookie header the jar would send to origin.
// It is empty when the jar is nil or holds nothing for origin.
func CookieHeader(jar http.CookieJar, origin string) string {
	if jar == nil {
		return ""
	}
	u, err := parseOrigin(origin)
	if err != nil {
		return ""
	}
	cookies := jar.Cookies(u)
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

var errNoOrigin = errors.New("origin must be an absolute http or https URL")

func parseOrigin(origin string) (*url.URL, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errNoOrigin
	}
	return u, nil
}

// resolve makes target absolute against origin.
func resolve(origin *url.URL, target string) (*url.URL, error) {
	if strings.TrimSpace(target) == "" {
		return nil, errors.New("empty url")
	}
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	return origin.ResolveReference(ref), nil
}
