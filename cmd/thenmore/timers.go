package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"thenmore/internal/api"
	"thenmore/internal/timer"
)

var timersCmd = &cobra.Command{
	Use:   "timers",
	Short: "Inspect and control running timers",
}

var timersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List running timers",
	Args:  cobra.NoArgs,
	RunE:  runTimersList,
}

var timersStatusCmd = &cobra.Command{
	Use:   "status [entity-id]",
	Short: "Show whether an entity has a running timer",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimersStatus,
}

var timersCancelCmd = &cobra.Command{
	Use:   "cancel [entity-id]",
	Short: "Cancel a timer without reverting the entity",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimersCancel,
}

var timersStartCmd = &cobra.Command{
	Use:   "start [entity-id]",
	Short: "Switch or dim an entity and revert it after a delay",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimersStart,
}

var (
	startFor            time.Duration
	startDim            float64
	startIgnoreWhenOn   bool
	startOverruleLonger bool
	startRestore        bool
)

func init() {
	timersStartCmd.Flags().DurationVar(&startFor, "for", 5*time.Minute, "how long before the entity is reverted")
	timersStartCmd.Flags().Float64Var(&startDim, "dim", -1, "dim level 0..1 instead of switching on")
	timersStartCmd.Flags().BoolVar(&startIgnoreWhenOn, "ignore-when-on", false, "do nothing if the entity is already on, unless extending its timer")
	timersStartCmd.Flags().BoolVar(&startOverruleLonger, "overrule-longer", false, "replace a running timer even if it would end later")
	timersStartCmd.Flags().BoolVar(&startRestore, "restore", false, "revert to the current value instead of off")

	timersCmd.AddCommand(timersListCmd)
	timersCmd.AddCommand(timersStatusCmd)
	timersCmd.AddCommand(timersCancelCmd)
	timersCmd.AddCommand(timersStartCmd)
}

func timerPath(entityID string) string {
	return "/timers/" + url.PathEscape(entityID)
}

func runTimersList(cmd *cobra.Command, args []string) error {
	var timers map[string]timer.View
	if err := apiDo(http.MethodGet, "/timers", nil, &timers); err != nil {
		return err
	}
	printTimers(cmd.OutOrStdout(), timers)
	return nil
}

func printTimers(out io.Writer, timers map[string]timer.View) {
	if len(timers) == 0 {
		fmt.Fprintln(out, "No running timers")
		return
	}

	ids := make([]string, 0, len(timers))
	for id := range timers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tNAME\tATTRIBUTE\tVALUE\tREVERT TO\tREMAINING")
	for _, id := range ids {
		v := timers[id]
		revert := "off"
		if v.PreviousValue != nil {
			revert = fmt.Sprint(v.PreviousValue)
		}
		remaining := time.Duration(v.RemainingSeconds) * time.Second
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n", id, v.EntityName, v.Attribute, v.TargetValue, revert, remaining)
	}
	w.Flush()
}

func runTimersStatus(cmd *cobra.Command, args []string) error {
	var resp struct {
		Running bool `json:"running"`
	}
	if err := apiDo(http.MethodGet, timerPath(args[0]), nil, &resp); err != nil {
		return err
	}

	if resp.Running {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: timer running\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no timer\n", args[0])
	}
	return nil
}

func runTimersCancel(cmd *cobra.Command, args []string) error {
	var resp struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := apiDo(http.MethodDelete, timerPath(args[0]), nil, &resp); err != nil {
		return err
	}

	if resp.Cancelled {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: timer cancelled\n", args[0])
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: no timer to cancel\n", args[0])
	}
	return nil
}

func runTimersStart(cmd *cobra.Command, args []string) error {
	req := api.RunRequest{
		DurationSeconds: startFor.Seconds(),
		IgnoreWhenOn:    api.YesNo(startIgnoreWhenOn),
		OverruleLonger:  api.YesNo(startOverruleLonger),
		Restore:         api.YesNo(startRestore),
	}
	if startDim >= 0 {
		req.Attribute = "dim"
		req.Value = startDim
	}

	var resp struct {
		Outcome string `json:"outcome"`
	}
	if err := apiDo(http.MethodPost, timerPath(args[0]), req, &resp); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], resp.Outcome)
	return nil
}
