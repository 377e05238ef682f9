package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gowarp/storage"
)

var peersFlags struct {
	forget string
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers this machine has exchanged machine info with",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		store, _, err := storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		if peersFlags.forget != "" {
			if err := store.RemovePeer(peersFlags.forget); err != nil {
				return fmt.Errorf("forget %s: %w", peersFlags.forget, err)
			}
			fmt.Printf("Forgot %s and its transfer history\n", peersFlags.forget)
			return nil
		}

		peers, err := store.ListPeers()
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No known peers.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IDENT\tHOSTNAME\tNAME\tUSER\tLAST SEEN\tADDRESS")
		for _, p := range peers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				p.Ident, p.Hostname, p.DisplayName, p.UserName, lastSeen(p), lastAddress(p))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(peersCmd)
	peersCmd.Flags().StringVar(&peersFlags.forget, "forget", "", "remove the peer with this ident and its history")
}

func lastSeen(p storage.Peer) string {
	if p.LastSeenTimestamp == nil {
		return "-"
	}
	return time.UnixMilli(*p.LastSeenTimestamp).Format(time.DateTime)
}

func lastAddress(p storage.Peer) string {
	if p.LastKnownIP == nil {
		return "-"
	}
	if p.LastKnownPort == nil {
		return *p.LastKnownIP
	}
	return fmt.Sprintf("%s:%d", *p.LastKnownIP, *p.LastKnownPort)
}
