package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shineum/mailguard/internal/config"
	"github.com/shineum/mailguard/internal/extract"
	"github.com/shineum/mailguard/internal/pipeline"
)

// discardQuarantine reports a quarantine as done without writing anything, so
// a scan shows the configured action rather than the block fallback.
type discardQuarantine struct{}

func (discardQuarantine) Save(string, []byte) (string, error) { return os.DevNull, nil }

func newScanCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <file.eml | ->",
		Short: "Scan a message offline and print the policy decision as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			setupLogger(cmd.ErrOrStderr(), cfg.Logging.Level)

			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			engine, err := buildPolicy(cfg, discardQuarantine{})
			if err != nil {
				return err
			}
			handler := pipeline.NewHandler(pipeline.Options{
				Detector:          buildDetector(cfg),
				Extractor:         extract.New(extract.NewTikaClient(cfg.Tika.URL, cfg.Tika.Timeout), cfg.MaxAttachmentBytes()),
				Policy:            engine,
				MinConfidence:     cfg.Detection.MinConfidence,
				MaxAttachmentSize: cfg.MaxAttachmentBytes(),
				MaxArchiveDepth:   cfg.Extraction.MaxArchiveDepth,
			})

			report, err := handler.Scan(cmd.Context(), raw)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}
