package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gowarp/network"
)

var serveFlags struct {
	autoAccept bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node that announces itself and receives transfers",
	Long: `Run a node until interrupted. Incoming transfers within the configured
limits are accepted automatically when auto_accept is set (or --auto-accept
is given); everything else stays waiting for permission and is logged.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		nopts := nodeOptions{}
		if cmd.Flags().Changed("auto-accept") {
			nopts.autoAccept = &serveFlags.autoAccept
		}
		n, err := startNode(cfg, dataDir, nopts)
		if err != nil {
			return err
		}
		defer n.Close()

		unsubscribe := n.server.Subscribe(logEvent(n.log))
		defer unsubscribe()

		n.log.WithField("save_dir", cfg.SaveDir).Info("Serving, press Ctrl+C to stop")
		<-ctx.Done()
		n.log.Info("Shutting down")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveFlags.autoAccept, "auto-accept", false, "accept incoming transfers without asking")
}

// logEvent reports peer and op changes at info level. Progress is only
// logged at debug.
func logEvent(log *logrus.Entry) func(network.Event) {
	return func(ev network.Event) {
		entry := log.WithFields(logrus.Fields{"peer": ev.Peer.Ident, "event": ev.Kind})
		switch ev.Kind {
		case network.EventRemoteStatusChanged:
			entry.WithField("status", ev.Peer.Status).Info("Peer status changed")
		case network.EventMachineInfoChanged:
			entry.WithField("name", ev.Peer.DisplayName).Info("Peer info updated")
		case network.EventNewIncomingOp:
			if ev.Op == nil {
				return
			}
			entry.WithFields(logrus.Fields{
				"op":    ev.Op.StartTime,
				"from":  ev.Op.SenderName,
				"files": ev.Op.TotalCount,
				"size":  ev.Op.TotalSize,
			}).Info("Incoming transfer")
		case network.EventOpStatusChanged:
			if ev.Op == nil {
				return
			}
			fields := logrus.Fields{"op": ev.Op.StartTime, "status": ev.Op.Status}
			if ev.Op.ErrorMsg != "" {
				fields["error"] = ev.Op.ErrorMsg
			}
			entry.WithFields(fields).Info("Transfer status changed")
		case network.EventOpProgress:
			if ev.Op == nil {
				return
			}
			entry.WithFields(logrus.Fields{
				"op":   ev.Op.StartTime,
				"rate": ev.Op.Progress.Rate,
				"eta":  ev.Op.Progress.ETA,
			}).Debug("Transfer progress")
		}
	}
}
