package classify

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ytget/dlengine/internal/model"
	"github.com/ytget/dlengine/internal/platform"
)

// Reason strings are part of the observable contract and must stay stable.
const (
	ReasonInvalidProtocol    = "Invalid protocol"
	ReasonBlockedAddress     = "Blocked private or local address"
	ReasonForcedVideo        = "Forced video mode"
	ReasonForcedDirect       = "Forced direct mode"
	ReasonKnownPlatform      = "Known video platform"
	ReasonPlatformDirectFile = "Direct file link on known platform"
	ReasonContentType        = "Downloadable content type"
	ReasonWebPage            = "Web page content type"
	ReasonAttachment         = "Attachment filename present"
	ReasonFileExtension      = "Direct file extension"
	ReasonDefaultVideo       = "Unrecognized link, defaulting to video extractor"
)

// ErrInvalidProtocol is returned for non-HTTP(S) URLs.
var ErrInvalidProtocol = fmt.Errorf("only http and https URLs are supported")

// BrowserUserAgent is sent with probe requests; some hosts refuse HEAD from
// non-browser agents.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

const (
	// DefaultProbeTimeout bounds one HEAD attempt.
	DefaultProbeTimeout = 5 * time.Second

	// MaxRedirects bounds redirect following during the probe; every hop is
	// re-validated against the SSRF guard.
	MaxRedirects = 5
)

// Hostnames handled by the media extractor. Subdomains match too.
var knownVideoPlatforms = []string{
	"youtube.com",
	"youtu.be",
	"vimeo.com",
	"twitch.tv",
	"dailymotion.com",
	"tiktok.com",
	"instagram.com",
	"twitter.com",
	"x.com",
	"facebook.com",
	"soundcloud.com",
	"bilibili.com",
	"rutube.ru",
	"reddit.com",
}

// MIME prefixes that mean a raw downloadable file.
var directContentTypePrefixes = []string{
	"application/octet-stream",
	"application/zip",
	"application/x-",
	"application/pdf",
	"application/vnd.",
	"application/java-archive",
	"application/gzip",
	"video/",
	"audio/",
	"image/",
}

// MIME prefixes that mean a web page (extraction territory).
var pageContentTypePrefixes = []string{
	"text/html",
	"application/xhtml",
	"text/xml",
	"application/xml",
}

// Classifier probes URLs and produces LinkTypeResult verdicts.
type Classifier struct {
	client       *http.Client
	resolver     Resolver
	logger       *zap.Logger
	probeTimeout time.Duration
	allowPrivate bool
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithHTTPClient replaces the probe client (tests).
func WithHTTPClient(client *http.Client) Option {
	return func(c *Classifier) { c.client = client }
}

// WithResolver replaces the DNS resolver (tests).
func WithResolver(r Resolver) Option {
	return func(c *Classifier) { c.resolver = r }
}

// WithProbeTimeout changes the per-attempt HEAD timeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Classifier) { c.probeTimeout = d }
}

// WithAllowPrivate disables the SSRF guard. Local testing only.
func WithAllowPrivate(allow bool) Option {
	return func(c *Classifier) { c.allowPrivate = allow }
}

// New creates a Classifier. A nil logger defaults to zap.NewNop().
func New(logger *zap.Logger, opts ...Option) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		resolver:     defaultResolver,
		logger:       logger,
		probeTimeout: DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	// Bound redirects and re-validate every hop against the SSRF guard.
	inner := c.client
	c.client = &http.Client{
		Transport: inner.Transport,
		Jar:       inner.Jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			return c.checkHost(req.Context(), req.URL.Hostname())
		},
	}
	return c
}

// Classify inspects rawURL and returns a verdict. The error is non-nil only
// for synchronous rejections (bad protocol, SSRF-blocked target); probe
// failures fall through to a default verdict instead.
func (c *Classifier) Classify(ctx context.Context, rawURL string, mode model.ClassifyMode) (model.LinkTypeResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return model.LinkTypeResult{Reason: ReasonInvalidProtocol}, ErrInvalidProtocol
	}

	if err := c.checkHost(ctx, parsed.Hostname()); err != nil {
		return model.LinkTypeResult{Reason: ReasonBlockedAddress}, err
	}

	if mode == model.ModeVideo {
		return model.LinkTypeResult{IsDirect: false, Reason: ReasonForcedVideo}, nil
	}

	if isKnownPlatform(parsed.Hostname()) {
		// Platform pages can still link raw files.
		if hasDirectExtension(parsed.Path) {
			return model.LinkTypeResult{
				IsDirect: true,
				Reason:   ReasonPlatformDirectFile,
				Filename: filenameFromPath(parsed.Path),
			}, nil
		}
		return model.LinkTypeResult{IsDirect: false, Reason: ReasonKnownPlatform}, nil
	}

	if verdict, ok := c.probe(ctx, rawURL, parsed); ok {
		return verdict, nil
	}

	if hasDirectExtension(parsed.Path) {
		return model.LinkTypeResult{
			IsDirect: true,
			Reason:   ReasonFileExtension,
			Filename: filenameFromPath(parsed.Path),
		}, nil
	}

	if mode == model.ModeDirect {
		return model.LinkTypeResult{
			IsDirect: true,
			Reason:   ReasonForcedDirect,
			Filename: filenameFromPath(parsed.Path),
		}, nil
	}
	// The extractor handles more cases than a naive transfer would.
	return model.LinkTypeResult{IsDirect: false, Reason: ReasonDefaultVideo}, nil
}

// probe issues a HEAD request (one retry on timeout) and classifies from the
// response headers. ok is false when the probe was inconclusive.
func (c *Classifier) probe(ctx context.Context, rawURL string, parsed *url.URL) (model.LinkTypeResult, bool) {
	var resp *http.Response
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		resp, err = c.head(ctx, rawURL)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return model.LinkTypeResult{}, false
		}
	}
	if err != nil {
		c.logger.Debug("classify: HEAD probe failed", zap.String("url", rawURL), zap.Error(err))
		return model.LinkTypeResult{}, false
	}
	defer resp.Body.Close()

	result := model.LinkTypeResult{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		UserAgent:     BrowserUserAgent,
	}
	if result.ContentLength < 0 {
		result.ContentLength = 0
	}

	contentType := strings.ToLower(result.ContentType)
	for _, prefix := range pageContentTypePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			result.IsDirect = false
			result.Reason = ReasonWebPage
			return result, true
		}
	}
	for _, prefix := range directContentTypePrefixes {
		if strings.HasPrefix(contentType, prefix) {
			result.IsDirect = true
			result.Reason = ReasonContentType
			result.Filename = dispositionFilename(resp)
			if result.Filename == "" {
				result.Filename = filenameFromPath(parsed.Path)
			}
			return result, true
		}
	}
	if name := dispositionFilename(resp); name != "" {
		result.IsDirect = true
		result.Reason = ReasonAttachment
		result.Filename = name
		return result, true
	}
	return model.LinkTypeResult{}, false
}

func (c *Classifier) head(ctx context.Context, rawURL string) (*http.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", BrowserUserAgent)
	return c.client.Do(req)
}

func dispositionFilename(resp *http.Response) string {
	disposition := resp.Header.Get("Content-Disposition")
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func isKnownPlatform(host string) bool {
	host = strings.ToLower(host)
	for _, platformHost := range knownVideoPlatforms {
		if host == platformHost || strings.HasSuffix(host, "."+platformHost) {
			return true
		}
	}
	return false
}

// hasDirectExtension reports whether the URL path ends in a known raw-file
// extension.
func hasDirectExtension(urlPath string) bool {
	name := filenameFromPath(urlPath)
	if name == "" {
		return false
	}
	return platform.HasKnownExtension(name)
}

func filenameFromPath(urlPath string) string {
	name := path.Base(urlPath)
	if name == "/" || name == "." || !strings.Contains(name, ".") {
		return ""
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	return name
}
