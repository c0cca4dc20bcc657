package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"stressmonitor/config"
	"stressmonitor/protocol"
)

var checkTargetsCmd = &cobra.Command{
	Use:   "check-targets",
	Short: "Validate both per-target run documents without contacting any agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return checkTargets(cmd, cfg)
	},
}

func checkTargets(cmd *cobra.Command, cfg *config.Config) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYSTEM\tAGENT\tDOCUMENT\tSTATUS")

	failed := 0
	for _, id := range protocol.SystemIDs {
		t, ok := cfg.Target(id)
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\tno target configured\n", id)
			failed++
			continue
		}
		rc, err := config.LoadRunConfig(id, t.ConfigPath)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", id, t.AgentURL, t.ConfigPath, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\tok (codec %s, max cpu %.1f, step %s every %ss)\n",
			id, t.AgentURL, t.ConfigPath, rc.Codec, rc.MaxCPULoad, rc.CallStep, rc.CallStepSeconds)
	}
	w.Flush()

	if failed > 0 {
		return errors.Errorf("%d of %d targets failed validation", failed, len(protocol.SystemIDs))
	}
	return nil
}
