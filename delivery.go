package cctv

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/pkg/chunk"
	"github.com/i5heu/ouroboros-cctv/pkg/ledger"
)

// DeliveryError reports a sealed chunk that did not reach the store. When
// Path is set the chunk is in the spool and Resend can upload it later.
type DeliveryError struct {
	StreamID string
	Index    uint64
	Path     string
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("cctv: chunk %d of stream %s lost: %v", e.Index, e.StreamID, e.Err)
	}
	return fmt.Sprintf("cctv: chunk %d of stream %s kept in %s: %v", e.Index, e.StreamID, e.Path, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// delivery is the chunk sink of one stream worker: spool, upload, record.
type delivery struct {
	p   *Pipeline
	log logrus.FieldLogger
	res *StreamResult
}

func (d *delivery) Deliver(ctx context.Context, s chunk.Sealed) error {
	p := d.p
	log := d.log.WithFields(logrus.Fields{
		"chunk":  s.Index,
		"frames": s.Frames,
		"bytes":  len(s.Data),
	})
	p.metrics.ChunksSealed.WithLabelValues(s.StreamID).Inc()
	p.metrics.ChunkBytes.WithLabelValues(s.StreamID).Observe(float64(len(s.Data)))

	path, err := p.spool.Write(s.StreamID, s.Index, s.Data)
	if err != nil {
		// Uploading is still worth a try; only a failure of both loses data.
		log.WithError(err).Warn("spooling chunk failed")
		path = ""
	}

	entry, err := p.store(ctx, s, path)
	if err != nil {
		d.res.FailedChunks++
		if path != "" {
			p.metrics.ChunksSpooled.WithLabelValues(s.StreamID).Inc()
		}
		log.WithError(err).WithField("spool", path).Error("chunk not stored")
		return &DeliveryError{StreamID: s.StreamID, Index: s.Index, Path: path, Err: err}
	}
	d.res.Chunks++
	log.WithFields(logrus.Fields{
		"address": entry.Address,
		"strong":  s.StrongFrames,
	}).Info("chunk stored")
	return nil
}

// store uploads a spooled chunk, records it in the ledger and drops the
// spool file unless KeepSpool is set. The spool file is only removed after
// the ledger entry is durable.
func (p *Pipeline) store(ctx context.Context, s chunk.Sealed, path string) (ledger.Entry, error) {
	addr, err := p.transport.Upload(ctx, s.Data)
	if err != nil {
		return ledger.Entry{}, err
	}

	entry := ledger.Entry{
		StreamID:     s.StreamID,
		SessionID:    s.SessionID,
		Index:        s.Index,
		Address:      addr,
		Frames:       s.Frames,
		StrongFrames: s.StrongFrames,
		Size:         uint64(len(s.Data)),
		StartedAt:    s.StartedAt,
		SealedAt:     s.SealedAt,
		StoredAt:     time.Now(),
	}
	if p.config.KeepSpool {
		entry.SpoolPath = path
	}
	if err := p.ledger.Put(entry); err != nil {
		return entry, fmt.Errorf("cctv: chunk stored as %s but not recorded: %w", addr, err)
	}
	p.metrics.ChunksStored.WithLabelValues(s.StreamID).Inc()

	if path != "" && !p.config.KeepSpool {
		if err := p.spool.Remove(path); err != nil {
			p.log.WithError(err).WithField("spool", path).Warn("removing spooled chunk failed")
		}
	}
	return entry, nil
}
