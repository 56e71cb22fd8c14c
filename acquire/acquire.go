// Package acquire obtains the newest artifact from the source portal and
// places it in the staging area.
//
// Two strategies exist. Portal speaks HTTP and parses HTML directly;
// Executor drives the external browser executor. Both share the same
// decision rules: an authenticated session is reused when a probe confirms
// it, the identifier must resolve unambiguously, and an identifier already
// recorded as delivered is never downloaded again unless forced.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pithecene-io/courier/locate"
	"github.com/pithecene-io/courier/log"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/staging"
	"github.com/pithecene-io/courier/types"
)

// Status is the non-error outcome of FetchLatest.
type Status string

const (
	// StatusAcquired means a new artifact is staged.
	StatusAcquired Status = "acquired"
	// StatusAlreadyProcessed means the newest identifier was delivered before.
	StatusAlreadyProcessed Status = "already_processed"
)

// Result is returned by FetchLatest.
type Result struct {
	Status   Status
	ID       types.ArtifactID
	Artifact *types.StagedArtifact
}

// Acquirer fetches the newest artifact.
type Acquirer interface {
	FetchLatest(ctx context.Context) (*Result, error)
}

// History exposes the delivery ledger.
type History interface {
	Read() (*types.HistoryRecord, error)
}

// Sessions persists authenticated session state.
type Sessions interface {
	Load(service string) (*types.SessionState, error)
	Save(state *types.SessionState) error
}

// Deps are the collaborators shared by both strategies.
type Deps struct {
	Staging   *staging.Area
	History   History
	Sessions  Sessions
	Logger    *log.Logger
	Collector *metrics.Collector
}

func (d *Deps) validate() error {
	if d.Staging == nil {
		return errors.New("acquire: staging area is required")
	}
	if d.History == nil {
		return errors.New("acquire: history is required")
	}
	if d.Sessions == nil {
		return errors.New("acquire: session store is required")
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	return nil
}

// Locator roles.
const (
	RoleLoginForm     = "login_form"
	RoleUsername      = "username"
	RolePassword      = "password"
	RoleAuthenticated = "authenticated"
	RoleCurrentIssue  = "current_issue"
	RoleIdentifier    = "identifier"
	RoleDownload      = "download"
)

// Locators are the fallback strategy lists for every element the source
// pipeline depends on, keyed by role.
type Locators map[string][]locate.Strategy

// DefaultLocators returns the built-in strategies for the subscriber portal.
func DefaultLocators() Locators {
	return Locators{
		RoleLoginForm: {
			{Name: "keycloak-form", Selector: "form#kc-form-login"},
			{Name: "password-form", Selector: "form:has(input[type=password])"},
		},
		RoleUsername: {
			{Name: "username-id", Selector: "input#username", Attr: "name"},
			{Name: "email-input", Selector: "input[type=email]", Attr: "name"},
			{Name: "text-input", Selector: "input[type=text]", Attr: "name"},
		},
		RolePassword: {
			{Name: "password-id", Selector: "input#password", Attr: "name"},
			{Name: "password-input", Selector: "input[type=password]", Attr: "name"},
		},
		RoleAuthenticated: {
			{Name: "logout-text", Selector: "a, button", Text: "Abmelden"},
			{Name: "logout-link", Selector: "a[href*=logout]"},
		},
		RoleCurrentIssue: {
			{Name: "zur-aktuellen-ausgabe", Selector: "a", Text: "Zur aktuellen Ausgabe", Attr: "href"},
			{Name: "aktuelle-ausgabe", Selector: "a", Text: "Aktuelle Ausgabe", Attr: "href"},
		},
		RoleIdentifier: {
			{Name: "issue-date-attr", Selector: "[data-issue-date]", Attr: "data-issue-date"},
			{Name: "issue-heading", Selector: "main h1, main h2"},
			{Name: "page-title", Selector: "title"},
		},
		RoleDownload: {
			{Name: "epub-link", Selector: "a", Text: "EPUB", Attr: "href"},
			{Name: "epub-href", Selector: "a[href*=epub]", Attr: "href"},
			{Name: "download-link", Selector: "a", Text: "Download", Attr: "href"},
		},
	}
}

// Roles returns the known roles in stable order.
func Roles() []string {
	roles := []string{
		RoleLoginForm, RoleUsername, RolePassword, RoleAuthenticated,
		RoleCurrentIssue, RoleIdentifier, RoleDownload,
	}
	sort.Strings(roles)
	return roles
}

// With returns a copy of l where every role present in overrides replaces
// the built-in list. Unknown roles and invalid strategies are rejected.
func (l Locators) With(overrides map[string][]locate.Strategy) (Locators, error) {
	out := make(Locators, len(l))
	for role, s := range l {
		out[role] = s
	}
	known := make(map[string]bool)
	for _, r := range Roles() {
		known[r] = true
	}
	for role, s := range overrides {
		if !known[role] {
			return nil, fmt.Errorf("unknown locator role %q", role)
		}
		for _, strategy := range s {
			if err := strategy.Validate(); err != nil {
				return nil, fmt.Errorf("locator %s: %w", role, err)
			}
		}
		out[role] = s
	}
	return out, nil
}

// alreadyDelivered consults the ledger unless force is set.
func alreadyDelivered(h History, id types.ArtifactID, force bool) (bool, error) {
	if force {
		return false, nil
	}
	rec, err := h.Read()
	if err != nil {
		return false, err
	}
	return rec.AlreadyDelivered(id), nil
}

// resolveID turns identifier candidates into exactly one ArtifactID.
func resolveID(op string, candidates []string) (types.ArtifactID, error) {
	seen := make(map[types.ArtifactID]bool)
	var ids []types.ArtifactID
	for _, c := range candidates {
		for _, id := range types.ParseArtifactID(c) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	switch len(ids) {
	case 1:
		return ids[0], nil
	case 0:
		return "", types.NewError(types.ErrResolution, types.ReasonIdentifierUnresolvable, op,
			errors.New("no identifier found"))
	default:
		return "", types.NewError(types.ErrResolution, types.ReasonIdentifierUnresolvable, op,
			fmt.Errorf("ambiguous identifier: %v", ids))
	}
}
