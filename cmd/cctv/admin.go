package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/i5heu/ouroboros-cctv/pkg/keys"
	"github.com/i5heu/ouroboros-cctv/pkg/ledger"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the key file if missing and print its fingerprint",
		Long: `Loads the key file from the data directory or creates it. An existing file
is never replaced: chunks sealed with it could not be decrypted any more.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store := keys.NewFileStore(cfg.DataDir, cfg.KeyName)
			kp, err := keys.NewProvider(store, log).Obtain()
			if err != nil {
				return err
			}
			fmt.Printf("key file:    %s\n", store.Path)
			fmt.Printf("fingerprint: %s\n", kp.Fingerprint())
			return nil
		},
	}
}

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger [stream]",
		Short: "List stored chunks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, _, err := openPipeline(cmd, nil)
			if err != nil {
				return err
			}
			defer p.Close()

			var entries []ledger.Entry
			if len(args) == 1 {
				entries, err = p.Ledger().List(args[0])
			} else {
				entries, err = p.Ledger().All()
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STREAM\tCHUNK\tFRAMES\tAEAD\tBYTES\tSEALED\tCID")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
					e.StreamID, e.Index, e.Frames, e.StrongFrames, e.Size,
					e.SealedAt.Local().Format(time.DateTime), e.Address)
			}
			return w.Flush()
		},
	}
}

func resendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resend",
		Short: "Upload chunks left in the spool by failed uploads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, _, err := openPipeline(cmd, nil)
			if err != nil {
				return err
			}
			defer p.Close()

			results, err := p.Resend(cmd.Context())
			if err != nil {
				return err
			}
			var failed int
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STREAM\tCHUNK\tRESULT")
			for _, r := range results {
				result := r.Address.String()
				switch {
				case r.Err != nil:
					failed++
					result = "failed: " + r.Err.Error()
				case r.Skipped:
					result = "skipped"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", r.File.StreamID, r.File.Index, result)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d chunks are still in the spool", failed)
			}
			return nil
		},
	}
}
