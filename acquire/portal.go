package acquire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"github.com/pithecene-io/courier/locate"
	"github.com/pithecene-io/courier/types"
)

// maxPageBytes bounds how much of an HTML page is parsed.
const maxPageBytes = 8 << 20

// PortalConfig configures the HTTP portal strategy.
type PortalConfig struct {
	// Service names the session store entry (default "source").
	Service  string
	Username string
	Password string
	LoginURL string
	IndexURL string
	Locators Locators

	ProbeTimeout      time.Duration
	NavigationTimeout time.Duration
	DownloadTimeout   time.Duration

	// Force bypasses the already-delivered check.
	Force     bool
	Proxy     *types.ProxyEndpoint
	UserAgent string
}

// Portal acquires artifacts by speaking HTTP to the source portal.
type Portal struct {
	cfg  PortalConfig
	deps Deps
	// transport is the base round tripper; nil uses a clone of the default.
	transport http.RoundTripper
}

// PortalOption configures a Portal.
type PortalOption func(*Portal)

// WithTransport overrides the HTTP transport.
func WithTransport(rt http.RoundTripper) PortalOption {
	return func(p *Portal) { p.transport = rt }
}

// NewPortal creates a portal acquirer.
func NewPortal(cfg PortalConfig, deps Deps, opts ...PortalOption) (*Portal, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Service == "" {
		cfg.Service = "source"
	}
	if cfg.LoginURL == "" || cfg.IndexURL == "" {
		return nil, errors.New("acquire: login and index URLs are required")
	}
	if cfg.Locators == nil {
		cfg.Locators = DefaultLocators()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 15 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 2 * time.Minute
	}
	if cfg.Proxy != nil {
		if err := cfg.Proxy.Validate(); err != nil {
			return nil, fmt.Errorf("acquire: %w", err)
		}
	}

	p := &Portal{cfg: cfg, deps: deps}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// page is a fetched and parsed HTML document.
type page struct {
	url *url.URL
	doc *goquery.Document
}

// savedCookie is the persisted form of one cookie. cookiejar only exposes
// name and value per URL, so the URL the cookie was read for is kept.
type savedCookie struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FetchLatest implements Acquirer.
func (p *Portal) FetchLatest(ctx context.Context) (*Result, error) {
	logger := p.deps.Logger

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal", err)
	}
	client := &http.Client{Jar: jar, Transport: p.roundTripper()}

	index, err := p.authenticate(ctx, client, jar)
	if err != nil {
		return nil, err
	}

	issue := index
	if m := p.find(index, RoleCurrentIssue); m.Found() {
		target, err := index.resolve(m.Value())
		if err != nil {
			return nil, types.NewError(types.ErrResolution, types.ReasonIndexNavigationFailed, "portal navigate", err)
		}
		logger.Info("following current issue link", map[string]any{"url": target.String(), "locator": m.Strategy})
		issue, err = p.get(ctx, client, target, p.cfg.NavigationTimeout)
		if err != nil {
			return nil, types.NewError(types.ErrResolution, types.ReasonIndexNavigationFailed, "portal navigate", err)
		}
	} else {
		logger.Warn("current issue link not found, resolving on index page", nil)
	}

	id, err := p.resolve(issue)
	if err != nil {
		return nil, err
	}
	logger.Info("resolved artifact", map[string]any{"artifact_id": id.String()})

	delivered, err := alreadyDelivered(p.deps.History, id, p.cfg.Force)
	if err != nil {
		return nil, err
	}
	if delivered {
		logger.Info("artifact already delivered", map[string]any{"artifact_id": id.String()})
		return &Result{Status: StatusAlreadyProcessed, ID: id}, nil
	}

	dl := p.find(issue, RoleDownload)
	if !dl.Found() {
		return nil, types.NewError(types.ErrTransfer, types.ReasonDownloadElementNotFound, "portal download",
			errors.New("no download element matched"))
	}
	target, err := issue.resolve(dl.Value())
	if err != nil {
		return nil, types.NewError(types.ErrTransfer, types.ReasonDownloadElementNotFound, "portal download", err)
	}

	art, err := p.download(ctx, client, target, id)
	if err != nil {
		return nil, err
	}
	p.deps.Collector.AddBytesDownloaded(art.Size)
	logger.Info("artifact staged", map[string]any{
		"artifact_id": id.String(),
		"name":        art.Name,
		"size":        art.Size,
	})
	return &Result{Status: StatusAcquired, ID: id, Artifact: art}, nil
}

// authenticate returns the content index page, viewed as an authenticated
// user. A stored session is tried first; a fresh login follows otherwise.
func (p *Portal) authenticate(ctx context.Context, client *http.Client, jar http.CookieJar) (*page, error) {
	logger := p.deps.Logger
	indexURL, err := url.Parse(p.cfg.IndexURL)
	if err != nil {
		return nil, types.NewError(types.ErrConfiguration, types.ReasonConfigInvalid, "portal", err)
	}

	state, err := p.deps.Sessions.Load(p.cfg.Service)
	if err != nil {
		logger.Warn("ignoring unreadable session", map[string]any{"error": err.Error()})
		state = nil
	}
	if state != nil && state.Kind == types.SessionCookies {
		if err := restoreCookies(jar, state.Data); err != nil {
			logger.Warn("ignoring unreadable session", map[string]any{"error": err.Error()})
		} else {
			index, err := p.get(ctx, client, indexURL, p.cfg.ProbeTimeout)
			if err == nil && p.authenticated(index) {
				p.deps.Collector.IncSessionReused()
				logger.Info("reusing stored session", nil)
				return index, nil
			}
			logger.Info("stored session not accepted, logging in", nil)
		}
	}

	if err := p.login(ctx, client); err != nil {
		return nil, err
	}
	p.deps.Collector.IncLogin()

	index, err := p.get(ctx, client, indexURL, p.cfg.NavigationTimeout)
	if err != nil {
		return nil, types.NewError(types.ErrResolution, types.ReasonIndexNavigationFailed, "portal index", err)
	}
	if !p.authenticated(index) {
		return nil, types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal login",
			errors.New("index page is not authenticated after login"))
	}

	if err := p.saveCookies(jar); err != nil {
		logger.Warn("failed to persist session", map[string]any{"error": err.Error()})
	}
	return index, nil
}

// authenticated reports whether the page is an authenticated view.
func (p *Portal) authenticated(pg *page) bool {
	if len(p.cfg.Locators[RoleAuthenticated]) > 0 {
		return p.find(pg, RoleAuthenticated).Found()
	}
	return pg.doc.Find("input[type=password]").Length() == 0
}

func (p *Portal) login(ctx context.Context, client *http.Client) error {
	loginURL, err := url.Parse(p.cfg.LoginURL)
	if err != nil {
		return types.NewError(types.ErrConfiguration, types.ReasonConfigInvalid, "portal login", err)
	}
	loginPage, err := p.get(ctx, client, loginURL, p.cfg.NavigationTimeout)
	if err != nil {
		return types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal login", err)
	}

	form := p.find(loginPage, RoleLoginForm)
	if !form.Found() {
		return types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal login",
			errors.New("login form not found"))
	}
	formSel := form.Selection.First()

	values := url.Values{}
	formSel.Find("input[name]").Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		typ := strings.ToLower(in.AttrOr("type", "text"))
		if typ == "submit" || typ == "button" || typ == "image" {
			return
		}
		if _, checked := in.Attr("checked"); (typ == "checkbox" || typ == "radio") && !checked {
			return
		}
		values.Set(name, in.AttrOr("value", ""))
	})

	user := locate.Find(formSel, p.cfg.Locators[RoleUsername])
	pass := locate.Find(formSel, p.cfg.Locators[RolePassword])
	if !user.Found() || !pass.Found() {
		return types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal login",
			errors.New("credential fields not found"))
	}
	p.noteFallback(RoleUsername, user)
	p.noteFallback(RolePassword, pass)
	values.Set(user.Value(), p.cfg.Username)
	values.Set(pass.Value(), p.cfg.Password)

	action, err := loginPage.resolve(formSel.AttrOr("action", ""))
	if err != nil {
		return types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal login", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.NavigationTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, action.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal login", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	p.decorate(req)

	resp, err := client.Do(req)
	if err != nil {
		return types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal login", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPageBytes))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewError(types.ErrAuthentication, types.ReasonAuthRejected, "portal login",
			fmt.Errorf("credentials rejected: HTTP %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "portal login",
			fmt.Errorf("HTTP %d", resp.StatusCode))
	}
	p.deps.Logger.Info("submitted login form", map[string]any{"locator": form.Strategy})
	return nil
}

// resolve finds exactly one identifier on the issue page. Identifier
// strategies are tried in order; the first that yields any date decides.
// The page URL is the last resort.
func (p *Portal) resolve(pg *page) (types.ArtifactID, error) {
	for i, s := range p.cfg.Locators[RoleIdentifier] {
		m := locate.Find(pg.doc.Selection, []locate.Strategy{s})
		if !m.Found() {
			continue
		}
		values := m.Values()
		if len(types.ParseArtifactID(strings.Join(values, " "))) == 0 {
			continue
		}
		if i > 0 {
			p.deps.Collector.IncLocatorFallback(RoleIdentifier)
			p.deps.Logger.Warn("identifier found by fallback strategy", map[string]any{"locator": m.Strategy})
		}
		return resolveID("portal resolve", values)
	}
	return resolveID("portal resolve", []string{pg.url.Path})
}

func (p *Portal) download(ctx context.Context, client *http.Client, target *url.URL, id types.ArtifactID) (*types.StagedArtifact, error) {
	if purged, err := p.deps.Staging.PurgeInProgress(); err != nil {
		return nil, err
	} else if len(purged) > 0 {
		p.deps.Logger.Warn("removed interrupted downloads", map[string]any{"files": purged})
	}

	dlCtx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, types.NewError(types.ErrTransfer, types.ReasonDownloadFailed, "portal download", err)
	}
	p.decorate(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, downloadErr(dlCtx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewError(types.ErrTransfer, types.ReasonDownloadFailed, "portal download",
			fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	name := downloadName(resp, target, id)
	p.deps.Logger.Info("downloading artifact", map[string]any{"name": name})
	art, err := p.deps.Staging.Commit(name, id, resp.Body)
	if err != nil {
		if dlCtx.Err() != nil {
			return nil, downloadErr(dlCtx, err)
		}
		return nil, err
	}
	return art, nil
}

func downloadErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.NewError(types.ErrTransfer, types.ReasonDownloadTimeout, "portal download", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return err
	}
	return types.NewError(types.ErrTransfer, types.ReasonDownloadFailed, "portal download", err)
}

// downloadName picks the staged filename: Content-Disposition first, then
// the last URL path segment, then the identifier.
func downloadName(resp *http.Response, target *url.URL, id types.ArtifactID) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := path.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	if base := path.Base(target.Path); base != "" && base != "." && base != "/" && path.Ext(base) != "" {
		return base
	}
	return "issue_" + strings.ReplaceAll(id.String(), ".", "_") + ".epub"
}

func (p *Portal) get(ctx context.Context, client *http.Client, u *url.URL, timeout time.Duration) (*page, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	p.decorate(req)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET %s: HTTP %d", u.Redacted(), resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", u.Redacted(), err)
	}
	// Redirects change the base for relative links.
	return &page{url: resp.Request.URL, doc: doc}, nil
}

func (p *Portal) decorate(req *http.Request) {
	if p.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", p.cfg.UserAgent)
	}
}

func (p *Portal) roundTripper() http.RoundTripper {
	if p.transport != nil {
		return p.transport
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	if p.cfg.Proxy != nil {
		t.Proxy = http.ProxyURL(p.cfg.Proxy.URL())
	}
	return t
}

// find applies a role's strategies and records fallback use.
func (p *Portal) find(pg *page, role string) locate.Match {
	m := locate.FindDocument(pg.doc, p.cfg.Locators[role])
	p.noteFallback(role, m)
	return m
}

func (p *Portal) noteFallback(role string, m locate.Match) {
	if m.Fallback() {
		p.deps.Collector.IncLocatorFallback(role)
		p.deps.Logger.Warn("element found by fallback strategy", map[string]any{
			"role":    role,
			"locator": m.Strategy,
		})
	}
}

func (pg *page) resolve(ref string) (*url.URL, error) {
	ref = strings.TrimSpace(ref)
	rel, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid link %q: %w", ref, err)
	}
	return pg.url.ResolveReference(rel), nil
}

func (p *Portal) saveCookies(jar http.CookieJar) error {
	var saved []savedCookie
	for _, raw := range []string{p.cfg.LoginURL, p.cfg.IndexURL} {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		for _, c := range jar.Cookies(u) {
			saved = append(saved, savedCookie{URL: u.String(), Name: c.Name, Value: c.Value})
		}
	}
	data, err := json.Marshal(saved)
	if err != nil {
		return types.NewError(types.ErrStateCorruption, types.ReasonSessionStoreFailed, "portal session", err)
	}
	return p.deps.Sessions.Save(&types.SessionState{
		Service: p.cfg.Service,
		Kind:    types.SessionCookies,
		Data:    data,
		SavedAt: time.Now().UTC(),
	})
}

func restoreCookies(jar http.CookieJar, data json.RawMessage) error {
	var saved []savedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		return err
	}
	for _, s := range saved {
		u, err := url.Parse(s.URL)
		if err != nil {
			return err
		}
		jar.SetCookies(u, []*http.Cookie{{Name: s.Name, Value: s.Value, Path: "/"}})
	}
	return nil
}
