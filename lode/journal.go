// Package lode keeps the run journal and the archive of delivered artifacts
// in a Lode dataset on the local filesystem or S3.
//
// The journal is an audit trail only. The history ledger stays the single
// source of truth for idempotency; nothing here is consulted to decide
// whether work is needed.
package lode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/courier/iox"
	"github.com/pithecene-io/courier/metrics"
	"github.com/pithecene-io/courier/types"
)

// DefaultDataset is the dataset ID used when none is configured.
const DefaultDataset = "courier"

// partitionKeys is the Hive layout shared by the write and read paths.
var partitionKeys = []string{"day", "record_kind", "run_id"}

// Journal writes run records and archives delivered binaries.
type Journal struct {
	dataset   lode.Dataset
	factory   lode.StoreFactory
	id        string
	collector *metrics.Collector

	storeOnce sync.Once
	store     lode.Store
	storeErr  error
}

// Option configures a Journal.
type Option func(*Journal)

// WithCollector records write success and failure counters.
func WithCollector(c *metrics.Collector) Option {
	return func(j *Journal) { j.collector = c }
}

// New opens the dataset through factory.
// Use lode.NewMemoryFactory() in tests.
func New(dataset string, factory lode.StoreFactory, opts ...Option) (*Journal, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout(partitionKeys...),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	j := &Journal{dataset: ds, factory: factory, id: dataset}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// NewFS opens the dataset under a local root directory.
func NewFS(dataset, root string, opts ...Option) (*Journal, error) {
	return New(dataset, lode.NewFSFactory(root), opts...)
}

// Dataset returns the dataset ID.
func (j *Journal) Dataset() string {
	return j.id
}

// WriteRun appends one run record.
func (j *Journal) WriteRun(ctx context.Context, rec *RunRecord) error {
	if rec.RunID == "" {
		return errors.New("journal: run record without run_id")
	}
	rec.RecordKind = RecordKindRun
	if rec.Day == "" {
		rec.Day = DeriveDay(rec.StartedAt)
	}
	m, err := rec.toMap()
	if err != nil {
		return fmt.Errorf("journal: encode run record: %w", err)
	}

	_, err = j.dataset.Write(ctx, []any{m}, lode.Metadata{})
	if err != nil {
		j.collector.IncLodeWriteFailure()
		return WrapWriteError(err, fmt.Sprintf("%s/run_id=%s", j.id, rec.RunID))
	}
	j.collector.IncLodeWriteSuccess()
	return nil
}

// Archive copies a delivered artifact into the store and returns its path.
// Layout: datasets/<dataset>/archive/day=<day>/<id or digest>/<name>.
func (j *Journal) Archive(ctx context.Context, day string, art *types.StagedArtifact) (string, error) {
	store, err := j.getOrCreateStore()
	if err != nil {
		j.collector.IncLodeWriteFailure()
		return "", WrapInitError(err, j.id)
	}

	key := art.ID.String()
	if key == "" {
		key = art.Digest
	}
	if key == "" {
		key = "unknown"
	}
	p := path.Join("datasets", j.id, "archive", "day="+day, key, path.Base(art.Name))

	f, err := os.Open(art.Path)
	if err != nil {
		return "", fmt.Errorf("journal: open artifact: %w", err)
	}
	defer iox.DiscardClose(f)

	if err := store.Put(ctx, p, f); err != nil {
		j.collector.IncLodeWriteFailure()
		return "", WrapWriteError(err, p)
	}
	j.collector.IncLodeWriteSuccess()
	return p, nil
}

// Runs returns up to limit run records, most recent first.
// A limit of zero or less returns every record.
func (j *Journal) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	snapshots, err := j.dataset.Snapshots(ctx)
	if err != nil {
		return nil, WrapReadError(err, j.id+"/snapshots")
	}

	var runs []RunRecord
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		data, err := j.dataset.Read(ctx, snap.ID)
		if err != nil {
			return nil, WrapReadError(err, fmt.Sprintf("%s/snapshot/%s", j.id, snap.ID))
		}
		for _, item := range data {
			if rec, ok := fromMap(item); ok {
				runs = append(runs, *rec)
			}
		}
	}

	// Snapshot order is creation order; records carry their own clock.
	sort.SliceStable(runs, func(a, b int) bool {
		return runs[a].StartedAt.After(runs[b].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Close releases journal resources.
func (j *Journal) Close() error {
	return nil
}

func (j *Journal) getOrCreateStore() (lode.Store, error) {
	j.storeOnce.Do(func() {
		j.store, j.storeErr = j.factory()
	})
	return j.store, j.storeErr
}
