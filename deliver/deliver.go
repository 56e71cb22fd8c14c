// Package deliver uploads a staged artifact to the e-reader cloud.
//
// A delivery only counts once the destination positively confirmed it.
// Anything else, including a timeout after the bytes left, is reported as
// an error so the artifact stays staged and the ledger stays untouched.
package deliver

import (
	"context"
	"time"

	"github.com/pithecene-io/courier/locate"
	"github.com/pithecene-io/courier/types"
)

// Receipt is the destination's positive confirmation.
type Receipt struct {
	Strategy    string    `json:"strategy"`
	Detail      string    `json:"detail,omitempty"`
	Bytes       int64     `json:"bytes"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Deliverer uploads one artifact.
type Deliverer interface {
	Deliver(ctx context.Context, art *types.StagedArtifact) (*Receipt, error)
}

// Sessions persists authenticated session state.
type Sessions interface {
	Load(service string) (*types.SessionState, error)
	Save(state *types.SessionState) error
	Clear(service string) error
}

// Hint roles understood by the browser executor for the destination.
const (
	HintCookieConsent = "cookie_consent"
	HintLoginButton   = "login_button"
	HintCountry       = "country"
	HintProvider      = "provider"
	HintSubmit        = "submit"
	HintUploadButton  = "upload_button"
	HintFileInput     = "file_input"
)

// DefaultHints returns the built-in locator lists for the web reader.
func DefaultHints() map[string][]locate.Strategy {
	return map[string][]locate.Strategy{
		HintCookieConsent: {
			{Name: "accept-all", Selector: "button", Text: "Alle akzeptieren"},
		},
		HintLoginButton: {
			{Name: "anmelden", Selector: "button, a", Text: "Anmelden"},
		},
		HintCountry: {
			{Name: "deutschland", Selector: "button, a, li", Text: "Deutschland"},
		},
		HintProvider: {
			{Name: "thalia-text", Selector: "button, a, li", Text: "Thalia"},
			{Name: "thalia-logo", Selector: "img[alt*='Thalia']"},
		},
		HintSubmit: {
			{Name: "primary-button", Selector: "button.element-button-primary"},
			{Name: "anmelden-button", Selector: "button", Text: "Anmelden"},
			{Name: "submit-button", Selector: "button[type=submit]"},
		},
		HintUploadButton: {
			{Name: "upload", Selector: "[aria-label], button", Text: "Upload"},
			{Name: "datei-hochladen", Selector: "[aria-label], button", Text: "Datei hochladen"},
			{Name: "buch-hochladen", Selector: "[aria-label], button", Text: "Buch hochladen"},
			{Name: "hinzufuegen", Selector: "[aria-label], button", Text: "Hinzufügen"},
		},
		HintFileInput: {
			{Name: "file-input", Selector: "input[type=file]"},
		},
	}
}
