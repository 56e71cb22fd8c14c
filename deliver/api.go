package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/types"
)

// Destination API defaults.
const (
	DefaultClientID    = "treaderapp01"
	DefaultAuthURL     = "https://thalia.de/auth/oauth2/authorize"
	DefaultTokenURL    = "https://thalia.de/auth/oauth2/token"
	DefaultUploadURL   = "https://bosh.pageplace.de/bosh/rest/upload"
	DefaultRedirectURL = "epublishing://login"
	DefaultContentType = "application/epub+zip"
)

// DefaultScopes are requested on interactive login.
var DefaultScopes = []string{"SCOPE_BOSH", "SCOPE_BUCHDE", "SCOPE_MANDANT_ID.2004", "SCOPE_LOGIN", "FAMILY"}

// DefaultAuthParams are extra authorization URL parameters.
var DefaultAuthParams = map[string]string{"x_buchde.skin_id": "17"}

// maxErrorBody bounds how much of a failed response is kept for logs.
const maxErrorBody = 4 << 10

// errRejected marks an upload answered with 401/403.
var errRejected = errors.New("upload rejected the access token")

// APIConfig configures the OAuth2 upload strategy.
type APIConfig struct {
	// Service names the session store entry (default "destination").
	Service      string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UploadURL    string
	RedirectURL  string
	Scopes       []string
	AuthParams   map[string]string
	ContentType  string
	UserAgent    string

	// TokenTimeout bounds each token endpoint call.
	TokenTimeout time.Duration
	// UploadTimeout bounds the upload request including the confirmation.
	UploadTimeout time.Duration

	Proxy *types.ProxyEndpoint
}

// API delivers through the destination's upload endpoint.
//
// Token states: NoToken, HasRefreshToken, HasAccessToken. Without a stored
// refresh token the operator logs in through the CodeSource. The refresh
// token is exchanged for a fresh access token before every upload. An
// upload answered with 401/403 drops the stored token and the chain runs
// once more; a second rejection is terminal.
type API struct {
	cfg       APIConfig
	oauth     *oauth2.Config
	client    *http.Client
	sessions  Sessions
	codes     CodeSource
	logger    *log.Logger
	collector *metrics.Collector
}

// APIOption configures an API deliverer.
type APIOption func(*API)

// WithHTTPClient overrides the HTTP client used for token and upload calls.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) { a.client = c }
}

// WithCodeSource sets where interactive authorization codes come from.
func WithCodeSource(cs CodeSource) APIOption {
	return func(a *API) { a.codes = cs }
}

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) APIOption {
	return func(a *API) { a.collector = c }
}

// NewAPI creates an API deliverer.
func NewAPI(cfg APIConfig, sessions Sessions, logger *log.Logger, opts ...APIOption) (*API, error) {
	if sessions == nil {
		return nil, errors.New("deliver: session store is required")
	}
	if cfg.ClientSecret == "" {
		return nil, types.NewError(types.ErrConfiguration, types.ReasonConfigInvalid, "deliver api",
			errors.New("destination.api.client_secret is required"))
	}
	if cfg.Service == "" {
		cfg.Service = "destination"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultUploadURL
	}
	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}
	if cfg.Scopes == nil {
		cfg.Scopes = DefaultScopes
	}
	if cfg.AuthParams == nil {
		cfg.AuthParams = DefaultAuthParams
	}
	if cfg.ContentType == "" {
		cfg.ContentType = DefaultContentType
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 30 * time.Second
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Nop()
	}

	a := &API{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		sessions: sessions,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if cfg.Proxy != nil {
			t.Proxy = http.ProxyURL(cfg.Proxy.URL())
		}
		a.client = &http.Client{Transport: t}
	}
	return a, nil
}

// AuthCodeURL returns the URL the operator opens to log in.
func (a *API) AuthCodeURL() string {
	opts := make([]oauth2.AuthCodeOption, 0, len(a.cfg.AuthParams))
	for k, v := range a.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	// The destination does not echo state back to a custom-scheme redirect.
	return a.oauth.AuthCodeURL("", opts...)
}

// Deliver implements Deliverer.
func (a *API) Deliver(ctx context.Context, art *types.StagedArtifact) (*Receipt, error) {
	for attempt := 1; ; attempt++ {
		tok, err := a.token(ctx)
		if err != nil {
			return nil, err
		}

		receipt, err := a.upload(ctx, tok, art)
		if !errors.Is(err, errRejected) {
			return receipt, err
		}
		if attempt > 1 {
			return nil, types.NewError(types.ErrAuthentication, types.ReasonAuthRejected, "deliver upload", err)
		}
		a.logger.Warn("upload rejected the token, discarding it and retrying once", nil)
		if err := a.sessions.Clear(a.cfg.Service); err != nil {
			return nil, err
		}
	}
}

// Login runs the interactive authorization and stores the token.
func (a *API) Login(ctx context.Context) error {
	tok, err := a.interactive(ctx)
	if err != nil {
		return err
	}
	return a.saveToken(tok)
}

// token walks the state machine up to HasAccessToken.
func (a *API) token(ctx context.Context) (*oauth2.Token, error) {
	stored, err := a.loadToken()
	if err != nil {
		a.logger.Warn("ignoring unreadable token", map[string]any{"error": err.Error()})
	}
	if stored == nil || stored.RefreshToken == "" {
		a.logger.Info("no stored token, interactive login required", nil)
		tok, err := a.interactive(ctx)
		if err != nil {
			return nil, err
		}
		a.persist(tok)
		return tok, nil
	}

	tok, err := a.refresh(ctx, stored.RefreshToken)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			a.logger.Warn("refresh token rejected, interactive login required", map[string]any{"error_code": re.ErrorCode})
			if err := a.sessions.Clear(a.cfg.Service); err != nil {
				return nil, err
			}
			tok, err := a.interactive(ctx)
			if err != nil {
				return nil, err
			}
			a.persist(tok)
			return tok, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "token refresh", err)
	}
	a.persist(tok)
	return tok, nil
}

func (a *API) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(a.clientContext(ctx), a.cfg.TokenTimeout)
	defer cancel()

	// A token without an access token is always refreshed. The refresher
	// keeps the old refresh token when the response carries none.
	tok, err := a.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, err
	}
	a.collector.IncTokenRefresh()
	a.logger.Info("access token refreshed", map[string]any{"expiry": tok.Expiry})
	return tok, nil
}

func (a *API) interactive(ctx context.Context) (*oauth2.Token, error) {
	if a.codes == nil {
		return nil, types.NewError(types.ErrAuthentication, types.ReasonAuthInteractiveRequired, "oauth login",
			errors.New("no code source configured"))
	}
	code, err := a.codes.Code(ctx, a.AuthCodeURL())
	if err != nil {
		if types.ReasonOf(err) != "" {
			return nil, err
		}
		return nil, types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "oauth login", err)
	}

	exCtx, cancel := context.WithTimeout(a.clientContext(ctx), a.cfg.TokenTimeout)
	defer cancel()
	tok, err := a.oauth.Exchange(exCtx, code)
	if err != nil {
		return nil, types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "oauth exchange", err)
	}
	a.collector.IncLogin()
	a.logger.Info("authorization code exchanged", nil)
	return tok, nil
}

func (a *API) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

func (a *API) loadToken() (*oauth2.Token, error) {
	state, err := a.sessions.Load(a.cfg.Service)
	if err != nil || state == nil {
		return nil, err
	}
	if state.Kind != types.SessionOAuth2Token {
		return nil, fmt.Errorf("session %q holds %s, not a token", a.cfg.Service, state.Kind)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(state.Data, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (a *API) saveToken(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return types.NewError(types.ErrStateCorruption, types.ReasonSessionStoreFailed, "token save", err)
	}
	return a.sessions.Save(&types.SessionState{
		Service: a.cfg.Service,
		Kind:    types.SessionOAuth2Token,
		Data:    data,
		SavedAt: time.Now().UTC(),
	})
}

// persist stores a token obtained during delivery. A failure does not stop
// the upload; the token in hand is still valid.
func (a *API) persist(tok *oauth2.Token) {
	if err := a.saveToken(tok); err != nil {
		a.logger.Error("failed to store token, next run may need an interactive login", map[string]any{"error": err.Error()})
	}
}

func (a *API) upload(ctx context.Context, tok *oauth2.Token, art *types.StagedArtifact) (*Receipt, error) {
	body, err := a.multipartBody(art)
	if err != nil {
		return nil, err
	}
	size := body.fileSize

	upCtx, cancel := context.WithTimeout(ctx, a.cfg.UploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(upCtx, http.MethodPost, a.cfg.UploadURL, body)
	if err != nil {
		_ = body.Close()
		return nil, types.NewError(types.ErrTransfer, types.ReasonUploadFailed, "deliver upload", err)
	}
	req.ContentLength = body.length
	req.Header.Set("Content-Type", body.contentType)
	tok.SetAuthHeader(req)
	if a.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", a.cfg.UserAgent)
	}

	a.logger.Info("uploading artifact", map[string]any{"name": art.Name, "size": size})
	resp, err := a.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(upCtx.Err(), context.DeadlineExceeded):
			// The bytes may have arrived; only a confirmation counts.
			return nil, types.NewError(types.ErrTransfer, types.ReasonUploadUnconfirmed, "deliver upload", err)
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrTransfer, types.ReasonUploadFailed, "deliver upload", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		a.collector.AddBytesUploaded(size)
		a.logger.Info("upload confirmed", map[string]any{"status": resp.StatusCode})
		return &Receipt{
			Strategy:    "api",
			Detail:      strings.TrimSpace(string(detail)),
			Bytes:       size,
			ConfirmedAt: time.Now().UTC(),
		}, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, errRejected)
	}
	return nil, types.NewError(types.ErrTransfer, types.ReasonUploadFailed, "deliver upload",
		fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
}

// uploadBody is the streamed upload form. Length is exact so the request
// carries a Content-Length instead of a chunked body.
type uploadBody struct {
	io.ReadCloser
	contentType string
	fileSize    int64
	length      int64
}

// multipartBody streams the upload form from the staged file: a JSON
// control part carrying the file size, then the file part itself. The
// caller must close the body; the transport does so once it is sent.
func (a *API) multipartBody(art *types.StagedArtifact) (*uploadBody, error) {
	f, err := os.Open(art.Path)
	if err != nil {
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "deliver read", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonStagingFailed, "deliver read", err)
	}
	size := info.Size()
	boundary := multipart.NewWriter(io.Discard).Boundary()

	// The form around the file is small; render it once with an empty
	// file part to learn the framing overhead.
	var frame bytes.Buffer
	contentType, err := a.writeForm(&frame, boundary, art.Name, size, strings.NewReader(""), 0)
	if err != nil {
		_ = f.Close()
		return nil, types.NewError(types.ErrTransfer, types.ReasonUploadFailed, "deliver encode", err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer f.Close()
		_, err := a.writeForm(pw, boundary, art.Name, size, f, size)
		pw.CloseWithError(err)
	}()

	return &uploadBody{
		ReadCloser:  pr,
		contentType: contentType,
		fileSize:    size,
		length:      int64(frame.Len()) + size,
	}, nil
}

// writeForm writes the multipart form to w and returns its content type.
// Exactly n bytes are copied from file.
func (a *API) writeForm(w io.Writer, boundary, name string, size int64, file io.Reader, n int64) (string, error) {
	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(boundary); err != nil {
		return "", err
	}

	control, err := json.Marshal(map[string]int64{"filesize": size})
	if err != nil {
		return "", err
	}
	ch := textproto.MIMEHeader{}
	ch.Set("Content-Disposition", `form-data; name="control"`)
	ch.Set("Content-Type", "application/json")
	cw, err := mw.CreatePart(ch)
	if err != nil {
		return "", err
	}
	if _, err := cw.Write(control); err != nil {
		return "", err
	}

	fh := textproto.MIMEHeader{}
	fh.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	fh.Set("Content-Type", a.cfg.ContentType)
	fw, err := mw.CreatePart(fh)
	if err != nil {
		return "", err
	}
	if _, err := io.CopyN(fw, file, n); err != nil {
		return "", fmt.Errorf("artifact changed while uploading: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return mw.FormDataContentType(), nil
}
