// Package fetcher retrieves a regulatory filing over HTTP and normalizes it
// into plain text plus header metadata.
package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html/charset"

	"filing-analyzer/internal/apperr"
	"filing-analyzer/internal/config"
	"filing-analyzer/internal/logger"
	"filing-analyzer/models"
	"filing-analyzer/utils"
)

// Options configure a Fetcher. Zero values fall back to sane defaults.
type Options struct {
	Timeout      time.Duration
	MaxBytes     int64
	UserAgent    string
	AllowedHosts []string
	// RetryDelay is the pause before the single retry of a transient fault.
	RetryDelay time.Duration
	CacheTTL   time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Timeout:      cfg.RequestTimeout,
		MaxBytes:     cfg.MaxDocumentBytes,
		UserAgent:    cfg.UserAgent,
		AllowedHosts: cfg.AllowedFilingHosts,
		RetryDelay:   time.Second,
		CacheTTL:     cfg.DocumentCacheTTL,
	}
}

// Fetcher downloads filings. A DocumentCache, when set, short-circuits
// repeat downloads of the same canonical URL.
type Fetcher struct {
	client *http.Client
	opts   Options
	cache  DocumentCache
	now    func() time.Time
}

func New(opts Options, cache DocumentCache) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 50 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "filing-analyzer/1.0"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				// Decoding is done by hand so brotli is covered too.
				DisableCompression: true,
			},
		},
		opts:  opts,
		cache: cache,
		now:   time.Now,
	}
}

// Fetch validates rawURL, downloads the filing and returns the normalized
// document. Transient faults (network errors, 429, 5xx) are retried once.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*models.Document, error) {
	canonical, err := CanonicalURL(rawURL, f.opts.AllowedHosts)
	if err != nil {
		return nil, err
	}
	docID := utils.DocumentID(canonical)

	ctx, span := otel.Tracer("filing-fetcher").Start(ctx, "fetcher.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("filing.url", canonical), attribute.String("filing.doc_id", docID))

	if f.cache != nil {
		if doc, ok := f.cache.Get(ctx, docID); ok {
			span.SetAttributes(attribute.Bool("filing.cache_hit", true))
			return doc, nil
		}
	}

	doc, err := f.fetchOnce(ctx, canonical)
	if err != nil && apperr.IsTransient(err) && ctx.Err() == nil {
		logger.FromContext(ctx).Warn("Retrying filing fetch", "url", canonical, "error", err)
		select {
		case <-time.After(f.opts.RetryDelay):
		case <-ctx.Done():
			return nil, err
		}
		doc, err = f.fetchOnce(ctx, canonical)
	}
	if err != nil {
		span.SetAttributes(attribute.Bool("filing.error", true))
		return nil, err
	}

	doc.ID = docID
	doc.SourceURL = canonical
	doc.ContentHash = utils.ContentHash(doc.Text)
	doc.FetchedAt = f.now().UTC()
	if doc.FilingType == "" {
		doc.FilingType = models.ParseFilingType(doc.Metadata.FormType)
	}
	if doc.Metadata.CIK == "" {
		if u, perr := url.Parse(canonical); perr == nil {
			doc.Metadata.CIK = cikFromPath(u.Path)
		}
	}
	span.SetAttributes(attribute.Int("filing.chars", len(doc.Text)))

	if f.cache != nil {
		f.cache.Set(ctx, doc, f.opts.CacheTTL)
	}
	return doc, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) (*models.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, apperr.Fetch("could not build filing request", err, false)
	}
	// EDGAR rejects requests without a declared User-Agent.
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,application/pdf;q=0.8,*/*;q=0.5")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, br")

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		var netErr net.Error
		transient := errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded)
		return nil, apperr.Fetch("filing could not be reached", err, transient)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, apperr.Fetch(
			fmt.Sprintf("filing host returned HTTP %d", resp.StatusCode),
			fmt.Errorf("GET %s: %s", target, resp.Status), transient)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}

	return decodeDocument(body, resp.Header.Get("Content-Type"), target)
}

// readBody undoes Content-Encoding and enforces the size cap.
func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	var bodyReader io.Reader = io.LimitReader(resp.Body, f.opts.MaxBytes+1)

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		bodyReader = brotli.NewReader(bodyReader)
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bodyReader)
		if err != nil {
			return nil, apperr.Fetch("filing body is not valid gzip", err, false)
		}
		defer gz.Close()
		bodyReader = gz
	}

	body, err := io.ReadAll(io.LimitReader(bodyReader, f.opts.MaxBytes+1))
	if err != nil {
		return nil, apperr.Fetch("failed to read filing body", err, true)
	}
	if int64(len(body)) > f.opts.MaxBytes {
		return nil, apperr.Fetch(fmt.Sprintf("filing exceeds %d bytes", f.opts.MaxBytes), nil, false)
	}
	return body, nil
}

func decodeDocument(body []byte, contentType, target string) (*models.Document, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	isPDF := mediaType == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(target), ".pdf") ||
		bytes.HasPrefix(body, []byte("%PDF-"))

	if isPDF {
		text, err := extractPDFText(body)
		if err != nil {
			return nil, apperr.Fetch("filing PDF could not be parsed", err, false)
		}
		return &models.Document{
			Text:        text,
			ContentType: "application/pdf",
			Metadata:    headerMetadata(text),
		}, nil
	}

	// Convert to UTF-8 based on the declared or sniffed charset.
	utf8Reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, apperr.Fetch("filing uses an unsupported character set", err, false)
	}

	text, meta, err := ParseHTML(utf8Reader)
	if err != nil {
		return nil, apperr.Fetch("filing content could not be parsed", err, false)
	}
	if text == "" {
		return nil, apperr.Fetch("filing contains no text", nil, false)
	}

	if mediaType == "" {
		mediaType = "text/html"
	}
	return &models.Document{
		Text:        text,
		ContentType: mediaType,
		Metadata:    meta,
	}, nil
}
