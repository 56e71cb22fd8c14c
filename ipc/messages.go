package ipc

// Frame type discriminants.
const (
	TypeLog              = "log"
	TypeSessionState     = "session_state"
	TypeResolved         = "resolved"
	TypeDownloadComplete = "download_complete"
	TypeUploadConfirmed  = "upload_confirmed"
	TypeResult           = "result"

	// Control frames written by courier to the executor.
	TypeProceed = "proceed"
	TypeAbort   = "abort"
)

// LogFrame forwards an executor log line.
type LogFrame struct {
	Type    string         `msgpack:"type"`
	Level   string         `msgpack:"level"`
	Message string         `msgpack:"message"`
	Fields  map[string]any `msgpack:"fields,omitempty"`
}

// SessionStateFrame carries fresh browser storage state to persist.
// Data is opaque JSON produced by the browser automation layer.
type SessionStateFrame struct {
	Type    string `msgpack:"type"`
	Service string `msgpack:"service"`
	Data    []byte `msgpack:"data"`
}

// ResolvedFrame reports the identifier found on the content index.
// The executor then waits for a proceed or abort control frame.
type ResolvedFrame struct {
	Type       string `msgpack:"type"`
	ArtifactID string `msgpack:"artifact_id"`
	// Candidates lists every identifier seen, for ambiguity detection.
	Candidates []string `msgpack:"candidates,omitempty"`
	Locator    string   `msgpack:"locator,omitempty"`
}

// DownloadCompleteFrame reports that the browser finished a download into
// the staging directory.
type DownloadCompleteFrame struct {
	Type string `msgpack:"type"`
	Name string `msgpack:"name"`
}

// UploadConfirmedFrame is the destination's positive confirmation.
type UploadConfirmedFrame struct {
	Type   string `msgpack:"type"`
	Detail string `msgpack:"detail,omitempty"`
}

// ResultFrame is the executor's terminal frame.
type ResultFrame struct {
	Type    string `msgpack:"type"`
	Status  string `msgpack:"status"` // ok | error
	Reason  string `msgpack:"reason,omitempty"`
	Message string `msgpack:"message,omitempty"`
}

// OK reports whether the executor finished its step.
func (f *ResultFrame) OK() bool {
	return f.Status == "ok"
}

// ControlFrame is written by courier to steer a waiting executor.
type ControlFrame struct {
	Type   string `msgpack:"type"`
	Reason string `msgpack:"reason,omitempty"`
}

// Proceed returns a control frame telling the executor to continue.
func Proceed() *ControlFrame {
	return &ControlFrame{Type: TypeProceed}
}

// Abort returns a control frame telling the executor to stop.
func Abort(reason string) *ControlFrame {
	return &ControlFrame{Type: TypeAbort, Reason: reason}
}
