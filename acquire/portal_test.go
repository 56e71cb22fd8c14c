package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/courier/ledger"
	"github.com/pithecene-io/courier/locate"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/session"
	"github.com/pithecene-io/courier/staging"
	"github.com/pithecene-io/courier/types"
)

const (
	testUser     = "reader@example.com"
	testPassword = "correct horse"
	epubBody     = "PK\x03\x04 fake epub payload"
)

// fakePortal serves a minimal subscriber portal: a keycloak-style login
// form, an index that links to the current issue, and an EPUB download.
type fakePortal struct {
	*httptest.Server
	logins    atomic.Int32
	downloads atomic.Int32
	issueHTML string
	// downloadBlock makes the download handler stall until the client gives up.
	downloadBlock bool
	downloadFile  string
}

func newFakePortal(t *testing.T) *fakePortal {
	t.Helper()
	fp := &fakePortal{
		issueHTML: `<html><head><title>DIE ZEIT</title></head><body>
<a href="/logout">Abmelden</a>
<main><h1>Ausgabe vom 31.12.2024</h1>
<a class="dl" href="/download/123">EPUB</a>
<a href="/download/124">PDF</a></main></body></html>`,
	}
	fp.downloadFile = "die_zeit_2024_53.epub"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>
<form id="kc-form-login" action="/login-actions/authenticate?session_code=xyz" method="post">
  <input type="hidden" name="execution" value="exec-1">
  <input id="username" name="username" type="text">
  <input id="password" name="password" type="password">
  <input type="checkbox" name="rememberMe">
  <input id="kc-login" type="submit" name="login" value="Anmelden">
</form></body></html>`)
	})
	mux.HandleFunc("POST /login-actions/authenticate", func(w http.ResponseWriter, r *http.Request) {
		fp.logins.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("session_code") != "xyz" || r.PostForm.Get("execution") != "exec-1" {
			http.Error(w, "hidden fields missing", http.StatusBadRequest)
			return
		}
		if _, ok := r.PostForm["rememberMe"]; ok {
			http.Error(w, "unchecked checkbox submitted", http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("username") != testUser || r.PostForm.Get("password") != testPassword {
			// Keycloak re-renders the form on bad credentials.
			fmt.Fprint(w, `<html><body><form id="kc-form-login"><input type="password" name="password"></form></body></html>`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "zeit_sso", Value: "token-1", Path: "/"})
		http.Redirect(w, r, "/abo/diezeit/", http.StatusFound)
	})
	mux.HandleFunc("GET /abo/diezeit/{$}", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			fmt.Fprint(w, `<html><body><a href="/login">Anmelden</a></body></html>`)
			return
		}
		fmt.Fprint(w, `<html><body><a href="/logout">Abmelden</a>
<a href="/abo/diezeit/31.12.2024">Zur aktuellen Ausgabe</a></body></html>`)
	})
	mux.HandleFunc("GET /abo/diezeit/31.12.2024", func(w http.ResponseWriter, r *http.Request) {
		if !authed(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, fp.issueHTML)
	})
	mux.HandleFunc("GET /download/123", func(w http.ResponseWriter, r *http.Request) {
		fp.downloads.Add(1)
		if !authed(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if fp.downloadBlock {
			<-r.Context().Done()
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, fp.downloadFile))
		fmt.Fprint(w, epubBody)
	})

	fp.Server = httptest.NewServer(mux)
	t.Cleanup(fp.Close)
	return fp
}

func authed(r *http.Request) bool {
	c, err := r.Cookie("zeit_sso")
	return err == nil && c.Value == "token-1"
}

type portalFixture struct {
	portal    *fakePortal
	area      *staging.Area
	ledger    *ledger.Ledger
	sessions  *session.Store
	collector *metrics.Collector
}

func newPortalFixture(t *testing.T) *portalFixture {
	t.Helper()
	dir := t.TempDir()
	return &portalFixture{
		portal:    newFakePortal(t),
		area:      staging.New(filepath.Join(dir, "temp"), ".epub"),
		ledger:    ledger.New(filepath.Join(dir, "state.json")),
		sessions:  session.New(filepath.Join(dir, "sessions")),
		collector: metrics.NewCollector("portal", "api", "fs", "run-1"),
	}
}

func (f *portalFixture) acquirer(t *testing.T, mutate func(*PortalConfig)) *Portal {
	t.Helper()
	cfg := PortalConfig{
		Username:        testUser,
		Password:        testPassword,
		LoginURL:        f.portal.URL + "/login",
		IndexURL:        f.portal.URL + "/abo/diezeit/",
		DownloadTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPortal(cfg, Deps{
		Staging:   f.area,
		History:   f.ledger,
		Sessions:  f.sessions,
		Logger:    log.Nop(),
		Collector: f.collector,
	})
	if err != nil {
		t.Fatalf("NewPortal: %v", err)
	}
	return p
}

func TestPortal_FetchLatest_FreshLogin(t *testing.T) {
	f := newPortalFixture(t)

	res, err := f.acquirer(t, nil).FetchLatest(context.Background())
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if res.Status != StatusAcquired {
		t.Fatalf("Status = %s, want acquired", res.Status)
	}
	if res.ID != "31.12.2024" {
		t.Errorf("ID = %q", res.ID)
	}
	if res.Artifact.Name != "die_zeit_2024_53.epub" {
		t.Errorf("Name = %q", res.Artifact.Name)
	}
	data, err := os.ReadFile(res.Artifact.Path)
	if err != nil || string(data) != epubBody {
		t.Errorf("staged content = %q, %v", data, err)
	}

	// The staged artifact must be discoverable by a later run.
	staged, err := f.area.Scan()
	if err != nil || staged == nil || staged.ID != "31.12.2024" {
		t.Errorf("Scan = %+v, %v", staged, err)
	}

	state, err := f.sessions.Load("source")
	if err != nil || state == nil || state.Kind != types.SessionCookies {
		t.Fatalf("session not persisted: %+v, %v", state, err)
	}

	snap := f.collector.Snapshot()
	if snap.Logins != 1 || snap.SessionsReused != 0 {
		t.Errorf("Logins = %d, SessionsReused = %d", snap.Logins, snap.SessionsReused)
	}
	if snap.BytesDownloaded != int64(len(epubBody)) {
		t.Errorf("BytesDownloaded = %d", snap.BytesDownloaded)
	}
}

func TestPortal_FetchLatest_ReusesSession(t *testing.T) {
	f := newPortalFixture(t)
	ctx := context.Background()

	first, err := f.acquirer(t, nil).FetchLatest(ctx)
	if err != nil {
		t.Fatalf("first FetchLatest: %v", err)
	}
	if err := f.area.Remove(first.Artifact); err != nil {
		t.Fatal(err)
	}

	if _, err := f.acquirer(t, nil).FetchLatest(ctx); err != nil {
		t.Fatalf("second FetchLatest: %v", err)
	}
	if got := f.portal.logins.Load(); got != 1 {
		t.Errorf("login posts = %d, want 1 (session should be reused)", got)
	}
	if got := f.collector.Snapshot().SessionsReused; got != 1 {
		t.Errorf("SessionsReused = %d, want 1", got)
	}
}

func TestPortal_FetchLatest_StaleSessionLogsIn(t *testing.T) {
	f := newPortalFixture(t)
	stale := &types.SessionState{
		Service: "source",
		Kind:    types.SessionCookies,
		Data:    []byte(`[{"url":"` + f.portal.URL + `/abo/diezeit/","name":"zeit_sso","value":"expired"}]`),
		SavedAt: time.Now(),
	}
	if err := f.sessions.Save(stale); err != nil {
		t.Fatal(err)
	}

	if _, err := f.acquirer(t, nil).FetchLatest(context.Background()); err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if got := f.portal.logins.Load(); got != 1 {
		t.Errorf("login posts = %d, want 1", got)
	}
}

func TestPortal_FetchLatest_AlreadyDelivered(t *testing.T) {
	f := newPortalFixture(t)
	if err := f.ledger.Record(types.DeliveredEntry{ID: "31.12.2024", At: time.Now()}); err != nil {
		t.Fatal(err)
	}

	res, err := f.acquirer(t, nil).FetchLatest(context.Background())
	if err != nil {
		t.Fatalf("FetchLatest: %v", err)
	}
	if res.Status != StatusAlreadyProcessed || res.Artifact != nil {
		t.Errorf("result = %+v, want already processed without artifact", res)
	}
	if got := f.portal.downloads.Load(); got != 0 {
		t.Errorf("downloads = %d, want 0", got)
	}

	forced, err := f.acquirer(t, func(c *PortalConfig) { c.Force = true }).FetchLatest(context.Background())
	if err != nil {
		t.Fatalf("forced FetchLatest: %v", err)
	}
	if forced.Status != StatusAcquired {
		t.Errorf("forced Status = %s, want acquired", forced.Status)
	}
}

func TestPortal_FetchLatest_Failures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakePortal)
		mutate func(*PortalConfig)
		reason types.Reason
		kind   error
	}{
		{
			name:   "wrong password",
			mutate: func(c *PortalConfig) { c.Password = "nope" },
			reason: types.ReasonAuthFailed,
			kind:   types.ErrAuthentication,
		},
		{
			name: "ambiguous identifier",
			setup: func(fp *fakePortal) {
				fp.issueHTML = `<html><body><a href="/logout">Abmelden</a>
<main><h1>Ausgabe vom 24.12.2024</h1><h2>Nachtrag 31.12.2024</h2><a href="/download/123">EPUB</a></main></body></html>`
			},
			reason: types.ReasonIdentifierUnresolvable,
			kind:   types.ErrResolution,
		},
		{
			name: "no download element",
			setup: func(fp *fakePortal) {
				fp.issueHTML = `<html><body><a href="/logout">Abmelden</a><main><h1>31.12.2024</h1></main></body></html>`
			},
			reason: types.ReasonDownloadElementNotFound,
			kind:   types.ErrTransfer,
		},
		{
			name:   "download timeout",
			setup:  func(fp *fakePortal) { fp.downloadBlock = true },
			mutate: func(c *PortalConfig) { c.DownloadTimeout = 50 * time.Millisecond },
			reason: types.ReasonDownloadTimeout,
			kind:   types.ErrTransfer,
		},
		{
			name:   "index unreachable",
			mutate: func(c *PortalConfig) { c.IndexURL = c.LoginURL + "/missing" },
			reason: types.ReasonIndexNavigationFailed,
			kind:   types.ErrResolution,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPortalFixture(t)
			if tt.setup != nil {
				tt.setup(f.portal)
			}
			_, err := f.acquirer(t, tt.mutate).FetchLatest(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := types.ReasonOf(err); got != tt.reason {
				t.Errorf("reason = %q, want %q (err: %v)", got, tt.reason, err)
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
			staged, _ := f.area.Scan()
			if staged != nil {
				t.Errorf("failed acquisition left a staged artifact: %+v", staged)
			}
		})
	}
}

func TestPortal_FetchLatest_RejectsUnexpectedFileType(t *testing.T) {
	f := newPortalFixture(t)
	f.portal.downloadFile = "die_zeit_31_12_2024.pdf"

	_, err := f.acquirer(t, nil).FetchLatest(context.Background())
	if got := types.ReasonOf(err); got != types.ReasonDownloadFailed {
		t.Fatalf("reason = %q, want %q (err: %v)", got, types.ReasonDownloadFailed, err)
	}

	// Nothing may land in staging that the next run's scan cannot see.
	entries, _ := os.ReadDir(f.area.Dir())
	if len(entries) != 0 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("staging holds %v after a rejected download", names)
	}
}

func TestLocators_With(t *testing.T) {
	base := DefaultLocators()
	got, err := base.With(map[string][]locate.Strategy{
		RoleDownload: {{Name: "custom", Selector: "a.download", Attr: "href"}},
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	if len(got[RoleDownload]) != 1 || got[RoleDownload][0].Name != "custom" {
		t.Errorf("download locators = %+v", got[RoleDownload])
	}
	if len(base[RoleDownload]) == 1 {
		t.Error("With must not modify the receiver")
	}

	if _, err := base.With(map[string][]locate.Strategy{"teleport": {{Selector: "a"}}}); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := base.With(map[string][]locate.Strategy{RoleDownload: {{Name: "empty"}}}); err == nil {
		t.Error("expected error for strategy without selector")
	}
}

func TestDownloadName(t *testing.T) {
	u := func(s string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, s, nil)
		return r
	}
	tests := []struct {
		name   string
		cd     string
		target string
		want   string
	}{
		{"content disposition", `attachment; filename="a.epub"`, "https://x/download/1", "a.epub"},
		{"path traversal stripped", `attachment; filename="../../etc/b.epub"`, "https://x/download/1", "b.epub"},
		{"url path", "", "https://x/files/c.epub", "c.epub"},
		{"identifier fallback", "", "https://x/download/1", "issue_31_12_2024.epub"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.cd != "" {
				resp.Header.Set("Content-Disposition", tt.cd)
			}
			if got := downloadName(resp, u(tt.target).URL, "31.12.2024"); got != tt.want {
				t.Errorf("downloadName = %q, want %q", got, tt.want)
			}
		})
	}
}
