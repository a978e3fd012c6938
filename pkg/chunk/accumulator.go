package chunk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-cctv/pkg/encryption"
	"github.com/i5heu/ouroboros-cctv/pkg/record"
)

// ErrFlushed is returned by Append after the accumulator was flushed.
var ErrFlushed = errors.New("chunk: accumulator is flushed")

// State is the lifecycle state of an Accumulator.
type State int

const (
	Accumulating State = iota
	Rotating
	Flushed
)

func (s State) String() string {
	switch s {
	case Accumulating:
		return "accumulating"
	case Rotating:
		return "rotating"
	case Flushed:
		return "flushed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink receives sealed chunks. Deliver must not keep Data after returning
// unless it copies it.
type Sink interface {
	Deliver(ctx context.Context, s Sealed) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s Sealed) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, s Sealed) error { return f(ctx, s) }

// Config configures an Accumulator.
type Config struct {
	StreamID   string
	SessionID  string
	FirstIndex uint64
	Engine     *encryption.Engine
	Sink       Sink
	// RotateAfter is the chunk duration. Zero disables time based rotation,
	// so only Rotate and Flush seal chunks.
	RotateAfter time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Accumulator turns plaintext frames of one stream into encrypted records
// and seals them into chunks. It is owned by a single worker and is not safe
// for concurrent use.
type Accumulator struct {
	cfg     Config
	state   State
	current *Chunk
	// frameCounter counts frames over the whole stream, not per chunk, and
	// drives cipher selection.
	frameCounter uint64
}

// NewAccumulator returns an accumulator with an empty first chunk.
func NewAccumulator(cfg Config) (*Accumulator, error) {
	if cfg.Engine == nil {
		return nil, errors.New("chunk: no encryption engine")
	}
	if cfg.Sink == nil {
		return nil, errors.New("chunk: no sink")
	}
	if cfg.RotateAfter < 0 {
		return nil, fmt.Errorf("chunk: negative rotation interval %s", cfg.RotateAfter)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Accumulator{
		cfg:     cfg,
		current: New(cfg.StreamID, cfg.FirstIndex, cfg.Now()),
	}, nil
}

// State returns the current lifecycle state.
func (a *Accumulator) State() State { return a.state }

// FrameCounter returns the number of frames handed to Append so far.
func (a *Accumulator) FrameCounter() uint64 { return a.frameCounter }

// Current returns the chunk being accumulated.
func (a *Accumulator) Current() *Chunk { return a.current }

// Append encrypts one frame, appends its record to the current chunk and
// rotates when the chunk duration has elapsed. A frame rejected with
// *record.PayloadTooLargeError still consumes a frame number. The returned
// error of a rotation comes from the sink; the frame itself is stored.
func (a *Accumulator) Append(ctx context.Context, plaintext []byte) (record.CipherTag, error) {
	if a.state == Flushed {
		return 0, ErrFlushed
	}

	a.frameCounter++
	tag, blob, err := a.cfg.Engine.SealFrame(a.frameCounter, plaintext)
	if err != nil {
		return tag, fmt.Errorf("chunk: seal frame %d: %w", a.frameCounter, err)
	}
	if err := a.current.Append(tag, blob); err != nil {
		return tag, fmt.Errorf("chunk: append frame %d: %w", a.frameCounter, err)
	}

	if _, err := a.RotateIfDue(ctx); err != nil {
		return tag, err
	}
	return tag, nil
}

// RotateIfDue rotates when the current chunk is older than RotateAfter.
func (a *Accumulator) RotateIfDue(ctx context.Context) (bool, error) {
	if a.state == Flushed || a.cfg.RotateAfter <= 0 {
		return false, nil
	}
	if a.cfg.Now().Sub(a.current.StartedAt) < a.cfg.RotateAfter {
		return false, nil
	}
	return true, a.Rotate(ctx)
}

// Rotate seals the current chunk, hands it to the sink and starts the next
// one. An empty chunk is never delivered and does not advance the index; its
// start time is reset. The next chunk is started even when the sink fails.
func (a *Accumulator) Rotate(ctx context.Context) error {
	if a.state == Flushed {
		return ErrFlushed
	}
	a.state = Rotating
	defer func() {
		if a.state == Rotating {
			a.state = Accumulating
		}
	}()

	now := a.cfg.Now()
	if a.current.Empty() {
		a.current.StartedAt = now
		return nil
	}

	sealed := a.current.Seal(a.cfg.SessionID, now)
	a.current = New(a.cfg.StreamID, sealed.Index+1, now)

	if err := a.cfg.Sink.Deliver(ctx, sealed); err != nil {
		return fmt.Errorf("chunk: deliver chunk %d of stream %s: %w", sealed.Index, sealed.StreamID, err)
	}
	return nil
}

// Flush forces a final rotation and moves the accumulator to Flushed. Calling
// Flush again is a no-op.
func (a *Accumulator) Flush(ctx context.Context) error {
	if a.state == Flushed {
		return nil
	}
	err := a.Rotate(ctx)
	a.state = Flushed
	return err
}
