package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	cctv "github.com/i5heu/ouroboros-cctv"
	"github.com/i5heu/ouroboros-cctv/pkg/cas"
)

func reconstructCmd() *cobra.Command {
	var (
		outDir string
		fps    float64
		file   string
	)

	cmd := &cobra.Command{
		Use:   "reconstruct [cid]",
		Short: "Decrypt a stored chunk into JPEG frames",
		Long: `Downloads a chunk by its CID (local IPFS API first, gateway second), or reads
it from --file, decrypts it and writes every recoverable frame to --out.
With --fps the frames are written at that rate, for a player that follows
the directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (file != "") {
				return errors.New("give either a cid or --file")
			}
			p, cfg, _, err := openPipeline(cmd, nil)
			if err != nil {
				return err
			}
			defer p.Close()
			if !cmd.Flags().Changed("fps") {
				fps = cfg.Playback.FPS
			}

			var pb *cctv.Playback
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				pb = p.Reassemble(data)
			} else {
				addr, err := cas.ParseAddress(args[0])
				if err != nil {
					return err
				}
				pb, err = p.Reconstruct(cmd.Context(), addr)
				if err != nil {
					return err
				}
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			var tick *time.Ticker
			if fps > 0 {
				tick = time.NewTicker(time.Duration(float64(time.Second) / fps))
				defer tick.Stop()
			}

			for f := range pb.Frames() {
				if tick != nil {
					select {
					case <-tick.C:
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					}
				}
				name := filepath.Join(outDir, fmt.Sprintf("frame_%05d.jpg", f.Index))
				if err := os.WriteFile(name, f.Data, 0o644); err != nil {
					return err
				}
			}

			r := pb.Report()
			fmt.Printf("%d records, %d frames written, %d skipped", r.Parsed, r.Yielded, r.SkippedTotal())
			if r.Truncated {
				fmt.Printf(", chunk truncated at byte %d", r.TruncatedAt)
			}
			fmt.Println()
			for reason, n := range r.Skipped {
				fmt.Printf("  skipped %-16s %d\n", reason, n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "frames", "output directory")
	cmd.Flags().Float64Var(&fps, "fps", 0, "frames per second, 0 writes as fast as possible (default playback.fps)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the chunk from a local file instead of IPFS")
	return cmd
}
