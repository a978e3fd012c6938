package cctv

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/internal/spool"
	"github.com/i5heu/ouroboros-cctv/pkg/cas"
	"github.com/i5heu/ouroboros-cctv/pkg/chunk"
	"github.com/i5heu/ouroboros-cctv/pkg/record"
	workerpool "github.com/i5heu/ouroboros-cctv/pkg/workerPool"
)

// ResendResult is the outcome for one spooled chunk.
type ResendResult struct {
	File    spool.File
	Address cas.Address
	// Skipped is set for chunks already in the ledger or of a running stream.
	Skipped bool
	Err     error
}

// Resend uploads the chunks left in the spool by failed deliveries. Chunks of
// streams that are currently ingesting are left alone. Uploads run on a
// bounded worker pool; results are in spool order.
func (p *Pipeline) Resend(ctx context.Context) ([]ResendResult, error) {
	files, err := p.spool.Pending()
	if err != nil {
		return nil, fmt.Errorf("cctv: list spool: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	stored, err := p.storedIndexes(files)
	if err != nil {
		return nil, err
	}
	active := p.ActiveStreams()
	session := uuid.NewString()
	log := p.log.WithField("session", session)

	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: p.config.ResendWorkers})
	defer wp.Stop()
	room := workerpool.CreateRoom[indexedResult](wp, len(files))

	for i, f := range files {
		if _, running := active[f.StreamID]; running || stored[storedKey{f.StreamID, f.Index}] {
			continue
		}
		err := room.NewTaskWaitForFreeSlot(func() indexedResult {
			return indexedResult{i: i, r: p.resendFile(ctx, f, session, log)}
		})
		if err != nil {
			return nil, fmt.Errorf("cctv: queue resend: %w", err)
		}
	}

	results := make([]ResendResult, len(files))
	for i, f := range files {
		results[i] = ResendResult{File: f, Skipped: true}
	}
	for _, r := range room.Collect() {
		results[r.i] = r.r
	}
	return results, nil
}

type indexedResult struct {
	i int
	r ResendResult
}

type storedKey struct {
	stream string
	index  uint64
}

// storedIndexes returns the spooled chunks that already have a ledger entry,
// which is the case for spools kept with KeepSpool.
func (p *Pipeline) storedIndexes(files []spool.File) (map[storedKey]bool, error) {
	stored := make(map[storedKey]bool)
	seen := make(map[string]bool)
	for _, f := range files {
		if seen[f.StreamID] {
			continue
		}
		seen[f.StreamID] = true
		entries, err := p.ledger.List(f.StreamID)
		if err != nil {
			return nil, fmt.Errorf("cctv: read ledger: %w", err)
		}
		for _, e := range entries {
			stored[storedKey{e.StreamID, e.Index}] = true
		}
	}
	return stored, nil
}

func (p *Pipeline) resendFile(ctx context.Context, f spool.File, session string, log logrus.FieldLogger) ResendResult {
	res := ResendResult{File: f}
	log = log.WithFields(logrus.Fields{"stream": f.StreamID, "chunk": f.Index})
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	data, err := p.spool.Read(f.Path)
	if err != nil {
		res.Err = err
		return res
	}
	sealed := chunk.Sealed{
		StreamID:  f.StreamID,
		SessionID: session,
		Index:     f.Index,
		Data:      data,
	}
	if info, err := os.Stat(f.Path); err == nil {
		sealed.SealedAt = info.ModTime()
	}

	sc := record.NewScanner(data)
	for sc.Scan() {
		if sc.RecordErr() == nil {
			sealed.Frames++
			if sc.Record().Tag == record.StrongAEAD {
				sealed.StrongFrames++
			}
		}
	}
	var truncated *record.TruncatedRecordError
	if errors.As(sc.Err(), &truncated) {
		log.WithField("parsed", truncated.Parsed).Warn("spooled chunk ends in an incomplete record")
	}

	entry, err := p.store(ctx, sealed, f.Path)
	if err != nil {
		log.WithError(err).Warn("resend failed")
		res.Err = err
		return res
	}
	res.Address = entry.Address
	log.WithField("address", entry.Address).Info("spooled chunk stored")
	return res
}
