package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gowarp/storage"
)

var historyFlags struct {
	peer      string
	direction string
	limit     int
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded transfers, newest first",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		store, _, err := storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := store.ListTransfers(storage.TransferFilter{
			PeerIdent: historyFlags.peer,
			Direction: historyFlags.direction,
			Limit:     historyFlags.limit,
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No transfers recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tDIRECTION\tPEER\tDESCRIPTION\tSIZE\tSTATUS\tERROR")
		for _, row := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				time.UnixMilli(row.StartTime).Format(time.DateTime),
				row.Direction,
				counterpart(row),
				row.Description,
				formatBytes(row.TotalSize),
				row.Status,
				row.ErrorMsg,
			)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyFlags.peer, "peer", "", "only transfers with this peer ident")
	historyCmd.Flags().StringVar(&historyFlags.direction, "direction", "", "inbound or outbound")
	historyCmd.Flags().IntVarP(&historyFlags.limit, "limit", "n", 50, "maximum rows, 0 for all")
}

// counterpart names the other side of a transfer.
func counterpart(row storage.Transfer) string {
	name := row.ReceiverName
	if row.Direction == "inbound" {
		name = row.SenderName
	}
	if name == "" {
		return row.PeerIdent
	}
	return name
}
