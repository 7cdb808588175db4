package app

import (
	"context"
	"fmt"
	"io"

	"automsg/internal/automessage"
	"automsg/internal/config"
)

// Check parses the config at path, validates it and writes the report a
// rebuild would produce. Nothing is started. The error covers parse and
// validation failures; skipped groups are only reported.
func Check(ctx context.Context, path string, w io.Writer) (automessage.Report, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return nil, err
	}
	verr := config.Validate(ctx, cfg)
	if verr != nil {
		fmt.Fprintf(w, "config errors:\n%v\n", verr)
	}

	defs, issues := config.DecodeDefinitions(cfg.Messages)
	for _, is := range issues {
		fmt.Fprintf(w, "warning: %s\n", is)
	}
	report := make(automessage.Report, 0, len(defs))
	for _, def := range defs {
		_, res := automessage.Validate(def)
		report = append(report, automessage.ReportEntry{Label: def.Label, Result: res})
	}
	fmt.Fprintln(w, report.Summary())
	return report, verr
}
