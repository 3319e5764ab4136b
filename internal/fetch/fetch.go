// Package fetch downloads caller-supplied audio URLs under SSRF and size
// constraints. Validation rejects URLs that point at internal infrastructure;
// downloads stream to a temp file and re-validate every redirect hop.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrInvalidScheme = errors.New("invalid url scheme")
	ErrBlockedHost   = errors.New("blocked host")
)

// blockedHosts are denied by name before any DNS lookup: loopback aliases and
// the metadata endpoints of the major cloud providers.
var blockedHosts = map[string]bool{
	"localhost":                 true,
	"127.0.0.1":                 true,
	"0.0.0.0":                   true,
	"169.254.169.254":           true,
	"metadata.google.internal":  true,
	"metadata.azure.internal":   true,
}

// ValidateURL rejects URLs that are not plain http(s) or that point at
// internal addresses. DNS resolution failure is deliberately not a validation
// failure: the hostname may resolve later, and the fetch itself will surface
// a network error.
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScheme, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: %q (must be http or https)", ErrInvalidScheme, parsed.Scheme)
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return fmt.Errorf("%w: no hostname", ErrInvalidScheme)
	}
	if blockedHosts[hostname] {
		return fmt.Errorf("%w: %s", ErrBlockedHost, hostname)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		if isInternalIP(ip) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, hostname)
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(context.Background(), hostname)
	if err != nil {
		return nil // fail open: unresolvable now may resolve for the fetch
	}
	for _, addr := range addrs {
		if isInternalIP(addr.IP) {
			return fmt.Errorf("%w: %s resolves to %s", ErrBlockedHost, hostname, addr.IP)
		}
	}
	return nil
}

func isInternalIP(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsUnspecified()
}

// Fetcher streams remote audio to local temp files.
type Fetcher struct {
	timeout  time.Duration
	log      *zap.Logger
	validate func(string) error
}

func NewFetcher(timeout time.Duration, logger *zap.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &Fetcher{timeout: timeout, log: logger, validate: ValidateURL}
}

// Fetch validates the URL, downloads it to a temp file without buffering the
// body in memory, and returns the local path. Redirect targets go through the
// same validation as the original URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if err := f.validate(rawURL); err != nil {
		return "", err
	}

	client := &http.Client{
		Timeout: f.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return f.validate(req.URL.String())
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("download audio: unexpected status %d", resp.StatusCode)
	}

	tmpFile, err := os.CreateTemp("", "audio-*"+suffixFromURL(rawURL))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(tmpFile, resp.Body)
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("stream audio: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("close temp file: %w", closeErr)
	}

	f.log.Info("audio downloaded",
		zap.String("url", rawURL),
		zap.Int64("bytes", written),
		zap.String("path", tmpFile.Name()))
	return tmpFile.Name(), nil
}

// suffixFromURL infers a file suffix from the URL path, defaulting to .mp3.
func suffixFromURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ".mp3"
	}
	if ext := path.Ext(parsed.Path); ext != "" {
		return ext
	}
	return ".mp3"
}
