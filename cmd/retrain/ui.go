package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"pharmacy-ai-api/pkg/services"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
)

// retrainSteps is the number of progress callbacks a retrain run makes.
const retrainSteps = 6

// UI provides progress and summary output for the retrain CLI.
type UI struct {
	jsonMode bool
	noColor  bool
}

// NewUI creates a new UI instance.
func NewUI(jsonMode, noColor bool) *UI {
	if noColor {
		color.NoColor = true
	}
	return &UI{jsonMode: jsonMode, noColor: noColor}
}

// NewStepBar returns a progress bar over the retrain steps, or nil in JSON mode.
func (ui *UI) NewStepBar(total int, description string) *progressbar.ProgressBar {
	if ui.jsonMode {
		return nil
	}
	return progressbar.NewOptions(
		total,
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionEnableColorCodes(!ui.noColor),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(os.Stderr, "\n")
		}),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Success prints a success message.
func (ui *UI) Success(format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	color.New(color.FgGreen).Printf("✓ %s\n", fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (ui *UI) Warning(format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	color.New(color.FgYellow).Printf("! %s\n", fmt.Sprintf(format, args...))
}

// Error prints an error message to stderr.
func (ui *UI) Error(format string, args ...interface{}) {
	if ui.jsonMode {
		return
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ %s\n", fmt.Sprintf(format, args...))
}

// JSON prints v as indented JSON.
func (ui *UI) JSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Report prints a retrain report.
func (ui *UI) Report(r *services.RetrainReport) {
	if ui.jsonMode {
		ui.JSON(r)
		return
	}
	bold := color.New(color.Bold)
	bold.Println("Retrain summary")
	fmt.Printf("  metrics since:   %s (%d rows)\n", r.Since, r.RowsRead)
	fmt.Printf("  candidate tokens: %d\n", len(r.Candidates))
	for _, tc := range r.Candidates {
		fmt.Printf("    %-20s %d\n", tc.Term, tc.Count)
	}
	if len(r.Promoted) == 0 {
		fmt.Println("  promoted:        none")
	} else {
		fmt.Println("  promoted:")
		for token, names := range r.Promoted {
			fmt.Printf("    %s -> %s\n", color.CyanString(token), strings.Join(names, ", "))
		}
	}
	if r.BackupPath != "" {
		fmt.Printf("  backup:          %s\n", r.BackupPath)
	}
	fmt.Printf("  indexed products: %d\n", r.Indexed)
	for _, res := range r.Regression {
		if res.Passed {
			fmt.Printf("    %s %q\n", color.GreenString("PASS"), res.Case.Query)
		} else {
			fmt.Printf("    %s %q: %s\n", color.RedString("FAIL"), res.Case.Query, res.Reason)
		}
	}
	if r.Refreshed {
		fmt.Println("  server cache refresh signalled")
	}
}
