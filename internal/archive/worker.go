package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

const defaultInterval = 60 * time.Second

// Log provides the store operations the archiver needs.
type Log interface {
	UnarchivedSubmitted(ctx context.Context) ([]types.ReportID, error)
	Fetch(ctx context.Context, id types.ReportID) (types.Report, []types.Goal, error)
	MarkArchived(ctx context.Context, id types.ReportID, objectPath string) error
}

// Payload is the immutable record written to object storage for a
// submitted report.
type Payload struct {
	Report     types.Report `json:"report"`
	Goals      []types.Goal `json:"goals"`
	ArchivedAt time.Time    `json:"archivedAt"`
}

// Worker periodically sweeps for submitted reports that have not been
// archived yet and writes them to object storage.
type Worker struct {
	store  Log
	object *minio.Client
	bucket string

	interval time.Duration
	logger   zerolog.Logger
}

// WorkerOption configures the archive worker.
type WorkerOption func(*Worker)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWorker constructs an archive worker with sane defaults.
func NewWorker(store Log, object *minio.Client, bucket string, logger zerolog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:    store,
		object:   object,
		bucket:   bucket,
		interval: defaultInterval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic archive loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	ids, err := w.store.UnarchivedSubmitted(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list reports pending archive")
		return
	}
	for _, id := range ids {
		if err := w.processReport(ctx, id); err != nil {
			w.logger.Error().Err(err).Str("report", string(id)).Msg("archive failed")
		}
	}
}

func (w *Worker) processReport(ctx context.Context, id types.ReportID) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	report, goals, err := w.store.Fetch(ctx, id)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}

	payload := Payload{Report: report, Goals: goals, ArchivedAt: time.Now().UTC()}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode archive payload: %w", err)
	}

	objectPath := fmt.Sprintf("archives/%s/%d.json", id, report.Revision)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	if err := w.store.MarkArchived(ctx, id, objectPath); err != nil {
		return fmt.Errorf("persist archive ref: %w", err)
	}

	w.logger.Info().Str("report", string(id)).Str("object", objectPath).Msg("report archived")
	return nil
}
