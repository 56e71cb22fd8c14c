// Package ledger persists the identifier of the most recently delivered
// artifact. It is the idempotency backbone of the pipeline: a run consults
// it before acquiring and updates it only after delivery is confirmed.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pithecene-io/courier/iox"
	"github.com/pithecene-io/courier/types"
)

// fileFormat is the on-disk shape. downloaded_issues is the filename list
// written by earlier releases; it is read for migration and never written.
type fileFormat struct {
	types.HistoryRecord
	DownloadedIssues []string `json:"downloaded_issues,omitempty"`
}

// Ledger is a single JSON file updated atomically via tmp+rename.
type Ledger struct {
	path string
}

// New returns a ledger stored at path. The file need not exist.
func New(path string) *Ledger {
	return &Ledger{path: path}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Read returns the current record. A missing file yields an empty record.
// An unreadable or undecodable file is state corruption.
func (l *Ledger) Read() (*types.HistoryRecord, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &types.HistoryRecord{}, nil
		}
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonLedgerUnreadable, "ledger read", err)
	}

	if len(data) == 0 {
		return &types.HistoryRecord{}, nil
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, types.NewError(types.ErrStateCorruption, types.ReasonLedgerUnreadable, "ledger decode",
			fmt.Errorf("%s: %w", l.path, err))
	}

	rec := f.HistoryRecord
	if !rec.LastDeliveredID.Known() && len(f.DownloadedIssues) > 0 {
		migrateLegacy(&rec, f.DownloadedIssues)
	}
	return &rec, nil
}

// migrateLegacy derives the head and delivery log from a filename list,
// oldest first. Names without a recoverable date are skipped.
func migrateLegacy(rec *types.HistoryRecord, names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		id := types.ArtifactIDFromName(names[i])
		if !id.Known() {
			continue
		}
		if !rec.LastDeliveredID.Known() {
			rec.LastDeliveredID = id
		}
		if len(rec.Delivered) < types.MaxDeliveredEntries {
			rec.Delivered = append(rec.Delivered, types.DeliveredEntry{ID: id, Name: names[i]})
		}
	}
}

// Record makes entry the most recently delivered artifact.
// The write is atomic: readers observe either the old or the new record.
func (l *Ledger) Record(entry types.DeliveredEntry) error {
	if !entry.ID.Known() {
		return types.NewError(types.ErrStateCorruption, types.ReasonLedgerWriteFailed, "ledger record",
			errors.New("refusing to record an unknown artifact id"))
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	rec, err := l.Read()
	if err != nil {
		return types.NewError(types.ErrStateCorruption, types.ReasonLedgerWriteFailed, "ledger record", err)
	}

	at := entry.At
	rec.LastDeliveredID = entry.ID
	rec.LastDeliveredAt = &at
	rec.Delivered = append([]types.DeliveredEntry{entry}, rec.Delivered...)
	if len(rec.Delivered) > types.MaxDeliveredEntries {
		rec.Delivered = rec.Delivered[:types.MaxDeliveredEntries]
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return types.NewError(types.ErrStateCorruption, types.ReasonLedgerWriteFailed, "ledger encode", err)
	}
	data = append(data, '\n')

	if err := iox.WriteFileAtomic(l.path, data, 0o644, 0o755); err != nil {
		return types.NewError(types.ErrStateCorruption, types.ReasonLedgerWriteFailed, "ledger write", err)
	}
	return nil
}
