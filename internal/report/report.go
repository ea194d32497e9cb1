// Package report renders a metricsengine.Result as a colorized table on the
// controller's CLI, the way facebook-time's ptpcheck renders PTP source
// tables.
package report

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/kstaniek/go-twamp/internal/metricsengine"
	"github.com/olekukonko/tablewriter"
)

// Print renders res as a table to w, followed by a colorized one-line
// summary: green for zero loss, yellow for partial loss, red for total
// loss or insufficient data.
func Print(w io.Writer, res metricsengine.Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"packets sent", fmt.Sprintf("%d", res.NumPackets)})
	table.Append([]string{"packets received", fmt.Sprintf("%d", res.PresentCount)})
	table.Append([]string{"packet loss", fmt.Sprintf("%.2f%%", res.PacketLossPct)})
	table.Append([]string{"rtt min (ms)", fmt.Sprintf("%.3f", res.RTTMinMS)})
	table.Append([]string{"rtt avg (ms)", fmt.Sprintf("%.3f", res.RTTAvgMS)})
	table.Append([]string{"rtt max (ms)", fmt.Sprintf("%.3f", res.RTTMaxMS)})
	table.Append([]string{"rtt stddev (ms)", fmt.Sprintf("%.3f", res.RTTStddevMS)})
	table.Append([]string{"owd forward avg (ms)", fmt.Sprintf("%.3f", res.OWDForwardAvgMS)})
	table.Append([]string{"owd backward avg (ms)", fmt.Sprintf("%.3f", res.OWDBackwardAvgMS)})
	table.Append([]string{"jitter (ms)", fmt.Sprintf("%.3f", res.JitterMS)})
	table.Render()

	switch {
	case res.InsufficientData:
		fmt.Fprintln(w, color.RedString("[FAIL] insufficient_data"))
	case res.PacketLossPct == 0:
		fmt.Fprintln(w, color.GreenString("[ OK ] loss=0%%"))
	case res.PacketLossPct < 100:
		fmt.Fprintln(w, color.YellowString("[WARN] loss=%.2f%%", res.PacketLossPct))
	default:
		fmt.Fprintln(w, color.RedString("[FAIL] loss=100%%"))
	}
}
