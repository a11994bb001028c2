package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fzheng/polymarket-arb15/internal/arb"
	"github.com/fzheng/polymarket-arb15/internal/domain"
)

// CycleRecordSource provides read access to finalized cycle records for
// archival purposes.
type CycleRecordSource interface {
	ListSince(ctx context.Context, since time.Time) ([]arb.CycleRecord, error)
}

// Archiver periodically uploads the paper trade log's new lines and newly
// written CycleRecord rows to S3 as dated JSONL objects (C12). Absence of
// either source is never fatal: the cycle-detection and order-placement core
// (C1-C8) never depends on archival succeeding.
type Archiver struct {
	writer       domain.BlobWriter
	records      CycleRecordSource
	tradeLogPath string
	audit        domain.AuditStore

	tradeLogOffset int64
	lastRecordSync time.Time
}

// NewArchiver creates a new Archiver. tradeLogPath may be empty when paper
// trading is disabled or its log file was not configured; records may be nil
// when no Postgres audit store is wired. audit is optional and may be nil.
func NewArchiver(writer domain.BlobWriter, records CycleRecordSource, tradeLogPath string, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer:         writer,
		records:        records,
		tradeLogPath:   tradeLogPath,
		audit:          audit,
		lastRecordSync: time.Now().Add(-24 * time.Hour),
	}
}

// Run uploads a batch every interval until ctx is cancelled. A failed batch
// is logged by the caller via the returned error and retried on the next
// tick; it never terminates the loop.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = a.ArchiveOnce(ctx)
		}
	}
}

// ArchiveOnce uploads whatever is new since the last call: appended trade-log
// lines and newly-finalized cycle records. Errors from one source do not
// prevent the other from being attempted.
func (a *Archiver) ArchiveOnce(ctx context.Context) error {
	now := time.Now()
	var errs []error

	if a.tradeLogPath != "" {
		if err := a.archiveTradeLogTail(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}

	if a.records != nil {
		if err := a.archiveNewRecords(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("s3blob: archive once: %v", errs)
	}
	return nil
}

func (a *Archiver) archiveTradeLogTail(ctx context.Context, now time.Time) error {
	f, err := os.Open(a.tradeLogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("s3blob: open trade log: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(a.tradeLogOffset, 0); err != nil {
		return fmt.Errorf("s3blob: seek trade log: %w", err)
	}

	var buf bytes.Buffer
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		buf.Write(scanner.Bytes())
		buf.WriteByte('\n')
		lines++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("s3blob: scan trade log: %w", err)
	}
	if lines == 0 {
		return nil
	}

	pos, err := f.Seek(0, 1)
	if err != nil {
		return fmt.Errorf("s3blob: tell trade log: %w", err)
	}

	path := archivePath("paper_trades", now)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload trade log tail: %w", err)
	}
	a.tradeLogOffset = pos

	a.logAudit(ctx, "archive.paper_trades", map[string]any{"path": path, "lines": lines})
	return nil
}

func (a *Archiver) archiveNewRecords(ctx context.Context, now time.Time) error {
	recs, err := a.records.ListSince(ctx, a.lastRecordSync)
	if err != nil {
		return fmt.Errorf("s3blob: list cycle records: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return fmt.Errorf("s3blob: marshal cycle records: %w", err)
	}

	path := archivePath("cycle_records", now)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return fmt.Errorf("s3blob: upload cycle records: %w", err)
	}
	a.lastRecordSync = now

	a.logAudit(ctx, "archive.cycle_records", map[string]any{"path": path, "count": len(recs)})
	return nil
}

func (a *Archiver) logAudit(ctx context.Context, event string, detail map[string]any) {
	if a.audit == nil {
		return
	}
	_ = a.audit.Log(ctx, event, detail)
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month-day it was uploaded.
//
//	archive/paper_trades/2026-08-03.jsonl
//	archive/cycle_records/2026-08-03.jsonl
func archivePath(kind string, at time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, at.Format("2006-01-02"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON
// (JSONL). Each element is marshalled as a single compact JSON line followed
// by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
