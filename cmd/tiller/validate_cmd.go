package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/tillerworks/tiller/pkg/compiler"
	"github.com/tillerworks/tiller/pkg/mission"
)

// runValidateCmd implements `tiller validate`.
//
// Exit codes:
//
//	0 = spec is valid
//	2 = usage error
//	3 = spec failed validation
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var specPath string
	cmd.StringVar(&specPath, "spec", "", "Path to the mission spec (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if specPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --spec is required")
		return exitUsage
	}

	spec, err := mission.Load(specPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitInvalidSpec
	}

	if errs := compiler.Validate(spec); len(errs) > 0 {
		_, _ = fmt.Fprintf(stderr, "%d violation(s):\n", len(errs))
		for _, v := range errs {
			_, _ = fmt.Fprintf(stderr, "  - %s\n", v.Error())
		}
		return exitInvalidSpec
	}

	hash, err := spec.ContentHash()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	_, _ = fmt.Fprintf(stdout, "mission %s is valid (content hash %s)\n", spec.MissionID, hash[:16])
	return exitOK
}
