package safety

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
)

// Diagnostics writes a human-readable dump of the safety context and the
// most recent error log entries. It is a pure read of supervisor state;
// with no writer attached elsewhere this path is simply never called.
func (c *Core) Diagnostics(w io.Writer) {
	ctx := c.Context()

	fmt.Fprintln(w, "========== Safety Diagnostics ==========")

	table := tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	table.Append([]string{"State", ctx.State.String()})
	table.Append([]string{"Last Error", ctx.LastError.String()})
	table.Append([]string{"Error Count", fmt.Sprintf("%d", ctx.ErrorCount)})
	table.Append([]string{"Uptime", fmt.Sprintf("%d ms", c.Uptime())})
	table.Append([]string{"Startup OK", yesNo(ctx.StartupTestPassed)})
	table.Append([]string{"Params OK", yesNo(ctx.ParamsValid)})
	table.Append([]string{"MPU Active", yesNo(ctx.MPUEnabled)})
	table.Append([]string{"WDG Active", yesNo(ctx.WatchdogActive)})
	table.Render()

	recent := c.RecentErrors(4)
	if len(recent) > 0 {
		fmt.Fprintln(w, "--- Error Log (most recent) ---")
		logTable := tablewriter.NewWriter(w)
		logTable.Header("Time", "Error", "P1", "P2")
		for _, e := range recent {
			logTable.Append([]string{
				fmt.Sprintf("%d", e.Timestamp),
				e.Code.String(),
				fmt.Sprintf("0x%08X", e.Param1),
				fmt.Sprintf("0x%08X", e.Param2),
			})
		}
		logTable.Render()
	}
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
