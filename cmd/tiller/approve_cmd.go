package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/tillerworks/tiller/pkg/config"
	"github.com/tillerworks/tiller/pkg/mandate"
	"github.com/tillerworks/tiller/pkg/mission"
)

// runApproveCmd implements `tiller approve`: record one approver decision
// on a mission's stored mandate. Denial is terminal; approval accumulates
// toward the tier's quorum.
func runApproveCmd(args []string, cfg *config.Config, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("approve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		missionID string
		approver  string
		deny      bool
		specPath  string
	)
	cmd.StringVar(&missionID, "mission", "", "Mission ID (REQUIRED)")
	cmd.StringVar(&approver, "approver", "", "Approver identity (REQUIRED)")
	cmd.BoolVar(&deny, "deny", false, "Record a denial instead of an approval")
	cmd.StringVar(&specPath, "spec", "", "Mission spec to initialize the mandate from when none is stored")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if missionID == "" || approver == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --mission and --approver are required")
		return exitUsage
	}

	ctx := context.Background()
	kv, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	defer closeStore()

	snap, err := loadMandate(ctx, kv, missionID)
	if err != nil {
		if specPath == "" {
			_, _ = fmt.Fprintf(stderr, "Error: no stored mandate for %s; pass --spec to initialize one\n", missionID)
			return exitFailure
		}
		spec, lerr := mission.Load(specPath)
		if lerr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", lerr)
			return exitInvalidSpec
		}
		if spec.Mandate == nil {
			_, _ = fmt.Fprintf(stderr, "Error: spec %s declares no mandate\n", spec.MissionID)
			return exitInvalidSpec
		}
		s, serr := spec.Mandate.ToSnapshot()
		if serr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", serr)
			return exitInvalidSpec
		}
		snap = &s
	}

	man := mandate.FromSnapshot(*snap)
	if deny {
		err = man.Deny(approver)
	} else {
		err = man.Approve(approver)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	updated := man.Snapshot()
	blob, err := json.Marshal(updated)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	if err := kv.Save(ctx, mandateKey(missionID), blob); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	_, _ = fmt.Fprintf(stdout, "mandate %s: %s (%d approval(s), %d required)\n",
		updated.MandateID, updated.ApprovalState, len(updated.Approvals), man.RequiredApprovals())
	return exitOK
}
