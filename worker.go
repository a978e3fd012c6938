package cctv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/pkg/capture"
	"github.com/i5heu/ouroboros-cctv/pkg/chunk"
	"github.com/i5heu/ouroboros-cctv/pkg/ledger"
	"github.com/i5heu/ouroboros-cctv/pkg/record"
)

// StreamSource is one configured video source.
type StreamSource struct {
	ID     string
	Source capture.Source
}

// StopReason tells why a stream worker ended.
type StopReason int

const (
	// EndOfSource means the capture source ran out of frames.
	EndOfSource StopReason = iota
	// Stopped means the ingest context was cancelled.
	Stopped
	// CaptureFailed means the source returned an error or panicked.
	CaptureFailed
	// NotStarted means the worker could not be set up.
	NotStarted
)

func (r StopReason) String() string {
	switch r {
	case EndOfSource:
		return "end of source"
	case Stopped:
		return "stopped"
	case CaptureFailed:
		return "capture failed"
	case NotStarted:
		return "not started"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// StreamResult summarises one finished stream worker.
type StreamResult struct {
	StreamID  string
	SessionID string
	Reason    StopReason
	// Frames counts frames read from the source.
	Frames uint64
	// Rejected counts frames that could not be sealed.
	Rejected uint64
	// Chunks counts chunks that reached the store.
	Chunks int
	// FailedChunks counts chunks left in the spool.
	FailedChunks int
	// Err is the capture or setup error, nil for a clean stop.
	Err error
	// FlushErr is the error of the final flush.
	FlushErr error
}

// Ingest runs one worker per source until every source ends or ctx is
// cancelled. Cancellation is polled between frames; a worker always finishes
// its current frame and flushes its open chunk before it returns. A failing
// source stops only its own worker. Results are in the order of sources.
func (p *Pipeline) Ingest(ctx context.Context, sources []StreamSource) []StreamResult {
	results := make([]StreamResult, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.runStream(ctx, src)
		}()
	}
	wg.Wait()
	return results
}

func (p *Pipeline) runStream(ctx context.Context, src StreamSource) StreamResult {
	res := StreamResult{StreamID: src.ID, SessionID: uuid.NewString()}
	log := p.log.WithFields(logrus.Fields{
		"stream":  res.StreamID,
		"session": res.SessionID,
	})
	if src.Source != nil {
		defer func() {
			if err := src.Source.Close(); err != nil {
				log.WithError(err).Warn("closing capture source failed")
			}
		}()
	}

	acc, err := p.startStream(src, res.SessionID, &res, log)
	if err != nil {
		log.WithError(err).Error("stream not started")
		res.Reason = NotStarted
		res.Err = err
		return res
	}
	defer p.finishStream(src.ID)

	log.WithField("first_chunk", acc.Current().Index).Info("stream started")
	res.Reason, res.Err = p.captureLoop(ctx, src.Source, acc, &res, log)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.FlushTimeout)
	defer cancel()
	if err := acc.Flush(flushCtx); err != nil {
		res.FlushErr = err
		log.WithError(err).Error("final flush failed, chunk left in spool")
	}

	entry := log.WithFields(logrus.Fields{
		"reason":   res.Reason.String(),
		"frames":   res.Frames,
		"chunks":   res.Chunks,
		"rejected": res.Rejected,
	})
	if res.Err != nil {
		entry.WithError(res.Err).Warn("stream ended")
	} else {
		entry.Info("stream ended")
	}
	return res
}

// startStream registers the stream and picks the first chunk index past
// everything already stored or spooled, so a restart never reuses an index.
func (p *Pipeline) startStream(src StreamSource, sessionID string, res *StreamResult, log logrus.FieldLogger) (*chunk.Accumulator, error) {
	if !ledger.ValidStreamID(src.ID) {
		return nil, fmt.Errorf("cctv: invalid stream id %q", src.ID)
	}
	if src.Source == nil {
		return nil, fmt.Errorf("cctv: stream %s has no source", src.ID)
	}

	p.indexMu.Lock()
	defer p.indexMu.Unlock()
	if _, running := p.active[src.ID]; running {
		return nil, fmt.Errorf("cctv: stream %s is already running", src.ID)
	}

	first, err := p.ledger.NextIndex(src.ID)
	if err != nil {
		return nil, fmt.Errorf("cctv: read ledger: %w", err)
	}
	spooled, err := p.spool.NextIndex(src.ID)
	if err != nil {
		return nil, fmt.Errorf("cctv: read spool: %w", err)
	}
	first = max(first, spooled)

	acc, err := chunk.NewAccumulator(chunk.Config{
		StreamID:    src.ID,
		SessionID:   sessionID,
		FirstIndex:  first,
		Engine:      p.engine,
		Sink:        &delivery{p: p, log: log, res: res},
		RotateAfter: p.config.ChunkDuration,
		Now:         p.config.Now,
	})
	if err != nil {
		return nil, err
	}
	p.active[src.ID] = sessionID
	p.metrics.ActiveStreams.Inc()
	return acc, nil
}

func (p *Pipeline) finishStream(streamID string) {
	p.indexMu.Lock()
	delete(p.active, streamID)
	p.indexMu.Unlock()
	p.metrics.ActiveStreams.Dec()
}

// captureLoop feeds frames into acc until the source ends, ctx is cancelled
// or the source fails. A panic in the source is reported as CaptureFailed.
func (p *Pipeline) captureLoop(ctx context.Context, src capture.Source, acc *chunk.Accumulator, res *StreamResult, log logrus.FieldLogger) (reason StopReason, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.metrics.CaptureErrors.WithLabelValues(res.StreamID).Inc()
			reason, err = CaptureFailed, fmt.Errorf("cctv: capture panic: %v", r)
		}
	}()

	// Rotation and delivery of a frame already read must not be cut short
	// by the stop signal.
	appendCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return Stopped, nil
		}
		frame, ok, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return Stopped, nil
			}
			p.metrics.CaptureErrors.WithLabelValues(res.StreamID).Inc()
			return CaptureFailed, fmt.Errorf("cctv: capture: %w", err)
		}
		if !ok {
			return EndOfSource, nil
		}

		res.Frames++
		p.metrics.FramesCaptured.WithLabelValues(res.StreamID).Inc()
		p.appendFrame(appendCtx, acc, frame, res, log)
	}
}

// appendFrame hands one frame to the accumulator. Errors are contained to
// the frame or, for delivery failures, to the chunk left in the spool.
func (p *Pipeline) appendFrame(ctx context.Context, acc *chunk.Accumulator, frame []byte, res *StreamResult, log logrus.FieldLogger) {
	tag, err := acc.Append(ctx, frame)
	var deliveryErr *DeliveryError
	switch {
	case err == nil:
		p.metrics.FramesEncrypted.WithLabelValues(res.StreamID, tag.String()).Inc()
	case errors.As(err, &deliveryErr):
		// The frame is stored; the chunk it closed failed to upload.
		p.metrics.FramesEncrypted.WithLabelValues(res.StreamID, tag.String()).Inc()
	default:
		res.Rejected++
		p.metrics.FramesRejected.WithLabelValues(res.StreamID).Inc()
		var tooLarge *record.PayloadTooLargeError
		if errors.As(err, &tooLarge) {
			log.WithField("frame", acc.FrameCounter()).Warn("frame too large, dropped")
			return
		}
		log.WithError(err).WithField("frame", acc.FrameCounter()).Warn("frame dropped")
	}
}
