// Copyright 2025 James Ross
// Package analyzer implements C5, the file batcher and analysis worker:
// small files are coalesced into a single classifier call under char
// limits, large files take a single-file truncated path, and a batch
// that fails schema validation falls back to per-file processing so no
// file is silently dropped.
package analyzer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/codegraph/analysis-pipeline/internal/classifier"
	"github.com/codegraph/analysis-pipeline/internal/config"
	"github.com/codegraph/analysis-pipeline/internal/model"
	"github.com/codegraph/analysis-pipeline/internal/obs"
	"github.com/codegraph/analysis-pipeline/internal/queue"
	"github.com/codegraph/analysis-pipeline/internal/staging"
)

// FileJob is the payload carried by a file-analysis job, per spec §4.5.
type FileJob struct {
	FilePath string `json:"file_path"`
	RunID    string `json:"run_id"`
	JobID    string `json:"job_id"`
	Content  string `json:"content"`
}

const truncationSentinel = "\n...[truncated]...\n"

var batchResponseSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["files"],
	"properties": {
		"files": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["filePath", "pois"],
				"properties": {
					"filePath": {"type": "string"},
					"pois": {"type": "array"}
				}
			}
		}
	}
}`)

// pendingBatch accumulates small files for one run until it's flushed.
type pendingBatch struct {
	files []FileJob
	chars int
}

// Worker is the C5 file batcher and analysis worker. One Worker instance
// is shared by every file-analysis consumer in the process; its pending
// batches are keyed by run_id so the periodic flusher can drain them
// independently of consumer goroutines.
type Worker struct {
	store      *staging.Store
	broker     queue.Broker
	classifier *classifier.Client
	cfg        config.Analysis
	audit      *obs.AuditLogger
	log        *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingBatch

	stop chan struct{}
	done chan struct{}
}

func NewWorker(store *staging.Store, broker queue.Broker, cl *classifier.Client, cfg config.Analysis, audit *obs.AuditLogger, log *zap.Logger) *Worker {
	if cfg.SmallFileThreshold <= 0 {
		cfg.SmallFileThreshold = 10 * 1024
	}
	if cfg.MaxFilesPerBatch <= 0 {
		cfg.MaxFilesPerBatch = 20
	}
	if cfg.MaxBatchChars <= 0 {
		cfg.MaxBatchChars = 60000
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 60000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 4 * time.Second
	}
	w := &Worker{
		store:      store,
		broker:     broker,
		classifier: cl,
		cfg:        cfg,
		audit:      audit,
		log:        log,
		pending:    make(map[string]*pendingBatch),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go w.flushLoop()
	return w
}

func (w *Worker) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Worker) flushLoop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.flushAllDue(context.Background())
		}
	}
}

func (w *Worker) flushAllDue(ctx context.Context) {
	w.mu.Lock()
	runIDs := make([]string, 0, len(w.pending))
	for runID, b := range w.pending {
		if len(b.files) > 0 {
			runIDs = append(runIDs, runID)
		}
	}
	w.mu.Unlock()
	for _, runID := range runIDs {
		if err := w.flushRun(ctx, runID); err != nil {
			w.log.Error("flush pending batch failed", obs.Err(err), zap.String("run_id", runID))
		}
	}
}

// HandleFile decides single vs. batched processing per spec §4.5 step 1.
func (w *Worker) HandleFile(ctx context.Context, job FileJob) error {
	if w.shouldBatch(job) {
		return w.enqueueBatch(ctx, job)
	}
	return w.processSingle(ctx, job)
}

func (w *Worker) shouldBatch(job FileJob) bool {
	if len(job.Content) > w.cfg.SmallFileThreshold {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	b := w.pending[job.RunID]
	if b == nil {
		return true
	}
	return len(b.files) < w.cfg.MaxFilesPerBatch && b.chars+len(job.Content) < w.cfg.MaxBatchChars
}

// enqueueBatch appends job to its run's pending batch, flushing
// immediately if the batch is now full, per spec §4.5 step 3.
func (w *Worker) enqueueBatch(ctx context.Context, job FileJob) error {
	w.mu.Lock()
	b := w.pending[job.RunID]
	if b == nil {
		b = &pendingBatch{}
		w.pending[job.RunID] = b
	}
	b.files = append(b.files, job)
	b.chars += len(job.Content)
	full := len(b.files) >= w.cfg.MaxFilesPerBatch
	w.mu.Unlock()

	if full {
		return w.flushRun(ctx, job.RunID)
	}
	return nil
}

func (w *Worker) flushRun(ctx context.Context, runID string) error {
	w.mu.Lock()
	b := w.pending[runID]
	if b == nil || len(b.files) == 0 {
		w.mu.Unlock()
		return nil
	}
	files := b.files
	delete(w.pending, runID)
	w.mu.Unlock()

	return w.processBatch(ctx, files)
}

// processBatch makes one classifier call covering every file, per spec
// §4.5 step 4, falling back to per-file processing on schema failure per
// step 5.
func (w *Worker) processBatch(ctx context.Context, files []FileJob) error {
	contents := make(map[string]string, len(files))
	for _, f := range files {
		contents[f.FilePath] = f.Content
	}
	obs.BatchesProcessed.Inc()

	resp, err := w.classifier.ClassifyBatch(ctx, contents)
	if err != nil {
		return w.fallbackToIndividual(ctx, files)
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return w.fallbackToIndividual(ctx, files)
	}
	result, err := gojsonschema.Validate(batchResponseSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil || !result.Valid() {
		return w.fallbackToIndividual(ctx, files)
	}

	byPath := make(map[string]classifier.BatchFileResult, len(resp.Files))
	for _, f := range resp.Files {
		byPath[f.FilePath] = f
	}
	for _, job := range files {
		fileResult, ok := byPath[job.FilePath]
		if !ok {
			if err := w.fallbackToIndividual(ctx, []FileJob{job}); err != nil {
				return err
			}
			continue
		}
		if err := w.emitFinding(ctx, job, fileResult.POIs); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) fallbackToIndividual(ctx context.Context, files []FileJob) error {
	obs.BatchFallbacks.Inc()
	for _, f := range files {
		if err := w.processSingle(ctx, f); err != nil {
			return err
		}
	}
	return nil
}

// processSingle handles the large-file path: truncate around the middle
// if over MaxInputChars, call the classifier, emit a finding, per spec
// §4.5 step 2.
func (w *Worker) processSingle(ctx context.Context, job FileJob) error {
	obs.FilesProcessedIndividually.Inc()
	content := truncateMiddle(job.Content, w.cfg.MaxInputChars)

	resp, err := w.classifier.ClassifySingleFile(ctx, job.FilePath, content)
	if err != nil {
		return w.markFileFailed(ctx, job, err)
	}
	return w.emitFinding(ctx, job, resp.POIs)
}

func truncateMiddle(content string, limit int) string {
	if len(content) <= limit {
		return content
	}
	headTail := (limit - len(truncationSentinel)) / 2
	if headTail < 0 {
		headTail = limit / 2
	}
	return content[:headTail] + truncationSentinel + content[len(content)-headTail:]
}

// emitFinding records the file as processed and persists a file-analysis-
// finding outbox event for the POIs. The file's directory-aggregation job
// is enqueued later, by the outbox publisher when it handles that event.
func (w *Worker) emitFinding(ctx context.Context, job FileJob, results []classifier.POIResult) error {
	pois := make([]model.POI, 0, len(results))
	for _, r := range results {
		llmOutput, err := json.Marshal(r)
		if err != nil {
			return err
		}
		pois = append(pois, model.POI{
			RunID:      job.RunID,
			Name:       r.Name,
			Type:       model.POIType(r.Type),
			StartLine:  r.StartLine,
			EndLine:    r.EndLine,
			IsExported: r.IsExported,
			SemanticID: r.SemanticID,
			Hash:       poiHash(r.Name, r.Type, job.FilePath, r.StartLine),
			LLMOutput:  string(llmOutput),
		})
	}

	return w.store.Transaction(ctx, func(tx *sql.Tx) error {
		fileID, err := w.store.UpsertFile(ctx, tx, model.File{RunID: job.RunID, FilePath: job.FilePath, Status: model.FileProcessed})
		if err != nil {
			return err
		}
		for i := range pois {
			pois[i].FileID = fileID
		}

		payload, err := json.Marshal(map[string]any{"run_id": job.RunID, "file_path": job.FilePath, "pois": pois})
		if err != nil {
			return err
		}

		return w.store.InsertOutboxEvent(ctx, tx, model.OutboxEvent{
			RunID:     job.RunID,
			EventType: model.EventFileAnalysisFinding,
			Payload:   payload,
			Status:    model.OutboxPending,
			CreatedAt: time.Now().UTC(),
		})
	})
}

func (w *Worker) markFileFailed(ctx context.Context, job FileJob, cause error) error {
	w.log.Warn("file analysis failed", zap.String("file_path", job.FilePath), zap.String("run_id", job.RunID), obs.Err(cause))
	w.audit.Record(job.RunID, "file_analysis_failed", job.FilePath+": "+cause.Error())
	return w.store.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := w.store.UpsertFile(ctx, tx, model.File{RunID: job.RunID, FilePath: job.FilePath, Status: model.FileFailed})
		return err
	})
}

func poiHash(name, poiType, filePath string, startLine int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%d", name, poiType, filePath, startLine)))
	return hex.EncodeToString(h[:])
}
