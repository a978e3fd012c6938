package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	cctv "github.com/i5heu/ouroboros-cctv"
	"github.com/i5heu/ouroboros-cctv/internal/config"
	"github.com/i5heu/ouroboros-cctv/internal/status"
	"github.com/i5heu/ouroboros-cctv/pkg/capture"
)

func ingestCmd() *cobra.Command {
	var (
		listen string
		inputs []string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Record all configured streams until interrupted",
		Long: `Records every configured stream. On SIGINT or SIGTERM each stream finishes
its current frame and uploads its open chunk before the command exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			p, cfg, log, err := openPipeline(cmd, func(pc *cctv.Config) { pc.Registerer = reg })
			if err != nil {
				return err
			}
			defer p.Close()

			if err := cfg.AddInputs(inputs...); err != nil {
				return err
			}
			if len(cfg.Streams) == 0 {
				return errors.New("no streams configured")
			}

			sources := openSources(cfg.Streams, cfg.CaptureOptions(), log)
			if len(sources) == 0 {
				return errors.New("no stream could be opened")
			}

			if listen == "" {
				listen = cfg.Status.Listen
			}
			if listen != "" {
				srv := status.NewServer(p, p.Ledger(), reg, log)
				go func() {
					if err := srv.Start(listen); err != nil {
						log.WithError(err).Error("status server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			results := p.Ingest(ctx, sources)
			var failed int
			for _, res := range results {
				fmt.Printf("stream %s: %s, %d frames, %d chunks stored, %d chunks in spool\n",
					res.StreamID, res.Reason, res.Frames, res.Chunks, res.FailedChunks)
				failed += res.FailedChunks
			}
			if failed > 0 {
				fmt.Printf("%d chunks could not be uploaded; run 'cctv resend' once IPFS is reachable\n", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "address of the status server, e.g. :9100")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "additional input (device number, URL, file or JPEG directory)")
	return cmd
}

// openSources opens every stream. A stream that cannot be opened is logged
// and left out so the others still record.
func openSources(streams []config.StreamConfig, opts capture.Options, log logrus.FieldLogger) []cctv.StreamSource {
	var sources []cctv.StreamSource
	for _, s := range streams {
		src, err := capture.Open(s.Input, opts)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"stream": s.ID,
				"input":  capture.Describe(s.Input),
			}).Error("opening stream failed")
			continue
		}
		log.WithFields(logrus.Fields{
			"stream": s.ID,
			"input":  capture.Describe(s.Input),
		}).Info("stream opened")
		sources = append(sources, cctv.StreamSource{ID: s.ID, Source: src})
	}
	return sources
}
