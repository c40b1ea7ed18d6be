// Package analysis wraps the external annotation engine. The engine is an
// opaque batch tool: it consumes a job's upload directory and job id and
// either leaves a results.json behind or fails.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const ResultsFilename = "results.json"

var ErrNoOutput = errors.New("analyzer produced no results file")

// Analyzer runs one analysis attempt and returns the path of the produced
// results file. The call blocks for the whole run.
type Analyzer interface {
	Analyze(ctx context.Context, inputDir, jobID string) (string, error)
}

// CommandAnalyzer invokes the engine binary as `cmd <inputDir> <jobID>` and
// expects it to write results.json into the input directory.
type CommandAnalyzer struct {
	Command string
}

func NewCommandAnalyzer(command string) *CommandAnalyzer {
	return &CommandAnalyzer{Command: command}
}

func (a *CommandAnalyzer) Analyze(ctx context.Context, inputDir, jobID string) (string, error) {
	if a.Command == "" {
		return "", errors.New("analyzer command not configured")
	}

	cmd := exec.CommandContext(ctx, a.Command, inputDir, jobID)
	cmd.Dir = inputDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("analyzer failed: %w: %s", err, truncate(out, 512))
	}

	resultsPath := filepath.Join(inputDir, ResultsFilename)
	if _, err := os.Stat(resultsPath); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoOutput, resultsPath)
	}
	return resultsPath, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
