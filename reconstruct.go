package cctv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/pkg/cas"
	"github.com/i5heu/ouroboros-cctv/pkg/codec"
	"github.com/i5heu/ouroboros-cctv/pkg/encryption"
	"github.com/i5heu/ouroboros-cctv/pkg/metrics"
	"github.com/i5heu/ouroboros-cctv/pkg/record"
)

// UnauthenticatedPolicy decides what playback does with frames sealed by the
// stream cipher. Those frames carry no integrity tag: a modified frame
// decrypts to garbage and is only caught if the image decoder rejects it.
type UnauthenticatedPolicy int

const (
	// AcceptUnauthenticated plays every frame that decodes.
	AcceptUnauthenticated UnauthenticatedPolicy = iota
	// RejectUnauthenticated plays only AEAD sealed frames.
	RejectUnauthenticated
)

func (u UnauthenticatedPolicy) valid() bool {
	return u == AcceptUnauthenticated || u == RejectUnauthenticated
}

func (u UnauthenticatedPolicy) String() string {
	switch u {
	case AcceptUnauthenticated:
		return "accept"
	case RejectUnauthenticated:
		return "reject"
	default:
		return fmt.Sprintf("UnauthenticatedPolicy(%d)", int(u))
	}
}

// ParseUnauthenticatedPolicy parses "accept" or "reject".
func ParseUnauthenticatedPolicy(s string) (UnauthenticatedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accept":
		return AcceptUnauthenticated, nil
	case "reject":
		return RejectUnauthenticated, nil
	default:
		return 0, fmt.Errorf("cctv: unknown unauthenticated frame policy %q", s)
	}
}

// Frame is one recovered video frame.
type Frame struct {
	// Index is the position of the record in the chunk.
	Index int
	Tag   record.CipherTag
	// Data is the decrypted, still encoded frame.
	Data  []byte
	Image image.Image
}

// Authenticated reports whether the frame passed an integrity check.
func (f Frame) Authenticated() bool { return f.Tag == record.StrongAEAD }

// SkipReason classifies frames dropped during playback.
type SkipReason string

const (
	SkipUnknownTag      SkipReason = "unknown_tag"
	SkipUnauthenticated SkipReason = "unauthenticated"
	SkipAuthentication  SkipReason = "authentication"
	SkipDecrypt         SkipReason = "decrypt"
	SkipDecode          SkipReason = "decode"
)

// Report counts what a playback pass did. It is final once the frame
// sequence has been drained.
type Report struct {
	// Parsed counts complete records, including skipped ones.
	Parsed  int
	Yielded int
	Skipped map[SkipReason]int
	// Truncated is set when the chunk ends inside a record.
	Truncated bool
	// TruncatedAt is the byte offset of the incomplete record.
	TruncatedAt int
}

// SkippedTotal sums Skipped.
func (r Report) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// ReassembleOptions configures Reassemble.
type ReassembleOptions struct {
	Engine  *encryption.Engine
	Decoder codec.Decoder
	Policy  UnauthenticatedPolicy
	Logger  logrus.FieldLogger
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Playback turns the bytes of one chunk into frames.
type Playback struct {
	data    []byte
	opts    ReassembleOptions
	started atomic.Bool

	mu     sync.Mutex
	report Report
}

// Reassemble prepares playback of a chunk. Nothing is decrypted until the
// sequence returned by Frames is iterated.
func Reassemble(data []byte, opts ReassembleOptions) (*Playback, error) {
	if opts.Engine == nil {
		return nil, errors.New("cctv: reassemble without encryption engine")
	}
	if !opts.Policy.valid() {
		return nil, fmt.Errorf("cctv: unknown unauthenticated frame policy %d", opts.Policy)
	}
	if opts.Decoder == nil {
		opts.Decoder = codec.JPEG{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Playback{
		data:   data,
		opts:   opts,
		report: Report{Skipped: make(map[SkipReason]int)},
	}, nil
}

// Reassemble prepares playback of chunk bytes with the pipeline keys.
func (p *Pipeline) Reassemble(data []byte) *Playback {
	return &Playback{
		data: data,
		opts: ReassembleOptions{
			Engine:  p.engine,
			Decoder: p.config.Decoder,
			Policy:  p.config.Unauthenticated,
			Logger:  p.log,
			Metrics: p.metrics,
		},
		report: Report{Skipped: make(map[SkipReason]int)},
	}
}

// Reconstruct downloads the chunk at addr and prepares its playback.
func (p *Pipeline) Reconstruct(ctx context.Context, addr cas.Address) (*Playback, error) {
	data, err := p.transport.Download(ctx, addr)
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"address": addr,
		"bytes":   len(data),
	}).Info("chunk downloaded")
	return p.Reassemble(data), nil
}

// Report returns a copy of the counters collected so far.
func (pb *Playback) Report() Report {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	r := pb.report
	r.Skipped = make(map[SkipReason]int, len(pb.report.Skipped))
	for k, v := range pb.report.Skipped {
		r.Skipped[k] = v
	}
	return r
}

// Frames returns the frames of the chunk in record order. Frames that fail
// to decrypt or decode are skipped and counted. The sequence is finite and
// can be iterated once; later iterations yield nothing.
func (pb *Playback) Frames() iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		if !pb.started.CompareAndSwap(false, true) {
			return
		}
		log := pb.opts.Logger
		sc := record.NewScanner(pb.data)
		for sc.Scan() {
			pb.update(func(r *Report) { r.Parsed++ })
			idx := sc.Parsed() - 1
			rec := sc.Record()

			frame, reason, err := pb.open(idx, rec, sc.RecordErr())
			if reason != "" {
				pb.skip(reason)
				entry := log.WithFields(logrus.Fields{"frame": idx, "reason": string(reason)})
				if err != nil {
					entry = entry.WithError(err)
				}
				entry.Warn("frame skipped")
				continue
			}

			pb.update(func(r *Report) { r.Yielded++ })
			if pb.opts.Metrics != nil {
				pb.opts.Metrics.FramesRecovered.WithLabelValues(rec.Tag.String()).Inc()
			}
			if !yield(frame) {
				return
			}
		}

		var truncated *record.TruncatedRecordError
		if errors.As(sc.Err(), &truncated) {
			pb.update(func(r *Report) {
				r.Truncated = true
				r.TruncatedAt = truncated.Offset
			})
			log.WithFields(logrus.Fields{
				"parsed": truncated.Parsed,
				"offset": truncated.Offset,
			}).Warn("chunk ends in an incomplete frame")
		}
	}
}

func (pb *Playback) open(idx int, rec record.Record, recErr error) (Frame, SkipReason, error) {
	if recErr != nil {
		return Frame{}, SkipUnknownTag, recErr
	}
	switch rec.Tag {
	case record.Stream:
		if pb.opts.Policy == RejectUnauthenticated {
			return Frame{}, SkipUnauthenticated, nil
		}
	case record.StrongAEAD:
	default:
		return Frame{}, SkipUnknownTag, &record.UnknownTagError{Tag: rec.Tag, Offset: -1}
	}

	plaintext, err := pb.opts.Engine.OpenFrame(rec.Tag, rec.Payload)
	if err != nil {
		if errors.Is(err, encryption.ErrAuthentication) {
			return Frame{}, SkipAuthentication, err
		}
		return Frame{}, SkipDecrypt, err
	}
	img, err := pb.opts.Decoder.Decode(plaintext)
	if err != nil {
		return Frame{}, SkipDecode, err
	}
	return Frame{Index: idx, Tag: rec.Tag, Data: plaintext, Image: img}, "", nil
}

func (pb *Playback) skip(reason SkipReason) {
	pb.update(func(r *Report) { r.Skipped[reason]++ })
	if pb.opts.Metrics != nil {
		pb.opts.Metrics.FramesSkipped.WithLabelValues(string(reason)).Inc()
	}
}

func (pb *Playback) update(fn func(*Report)) {
	pb.mu.Lock()
	fn(&pb.report)
	pb.mu.Unlock()
}
