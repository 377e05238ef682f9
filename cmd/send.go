package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"gowarp/network"
	"gowarp/transfer"
)

var sendFlags struct {
	wait time.Duration
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <path>...",
	Short: "Send files or directories to a peer",
	Long: `Start a short-lived node, wait for <peer> to come online, and send the
given paths. <peer> may be an ident, a hostname or a display name. The
command exits once the transfer reaches a final state.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		for _, path := range args[1:] {
			if _, err := os.Lstat(path); err != nil {
				return fmt.Errorf("cannot send %s: %w", path, err)
			}
		}

		n, err := startNode(cfg, dataDir, nodeOptions{ephemeralPorts: true})
		if err != nil {
			return err
		}
		defer n.Close()

		return runSend(ctx, n.server, args[0], args[1:], sendFlags.wait)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendFlags.wait, "wait", 30*time.Second, "how long to wait for the peer to come online")
}

func runSend(ctx context.Context, server *network.LocalServer, target string, paths []string, wait time.Duration) error {
	waitCtx, cancelWait := context.WithTimeout(ctx, wait)
	defer cancelWait()

	ident, err := waitForPeer(waitCtx, server, target)
	if err != nil {
		return err
	}

	tracker := newSendTracker()
	unsubscribe := server.Subscribe(tracker.handle)
	defer unsubscribe()

	op, err := server.SendFiles(ident, paths)
	if err != nil {
		return fmt.Errorf("send to %s: %w", target, err)
	}
	tracker.track(op)
	fmt.Fprintf(os.Stderr, "Waiting for %s to accept %s...\n", target, op.Description)

	select {
	case final := <-tracker.done:
		tracker.finish()
		switch final.Status {
		case transfer.StatusFinished:
			fmt.Fprintf(os.Stderr, "Sent %d file(s), %s\n", final.TotalCount, formatBytes(final.TotalSize))
			return nil
		case transfer.StatusFinishedWarning:
			fmt.Fprintf(os.Stderr, "Sent with warnings: %s\n", strings.Join(final.Warnings, "; "))
			return nil
		default:
			if final.ErrorMsg != "" {
				return fmt.Errorf("transfer ended %s: %s", final.Status, final.ErrorMsg)
			}
			return fmt.Errorf("transfer ended %s", final.Status)
		}
	case <-ctx.Done():
		tracker.finish()
		if err := server.CancelTransfer(op.PeerIdent, op.StartTime); err != nil {
			_ = server.StopTransfer(op.PeerIdent, op.StartTime)
		}
		return ctx.Err()
	}
}

// waitForPeer resolves target to an online peer's ident.
func waitForPeer(ctx context.Context, server *network.LocalServer, target string) (string, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := server.Subscribe(func(ev network.Event) {
		if ev.Kind != network.EventRemoteStatusChanged && ev.Kind != network.EventMachineInfoChanged {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		if ident, ok := findOnline(server.Peers(), target); ok {
			return ident, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("peer %q did not come online", target)
			}
			return "", ctx.Err()
		}
	}
}

func findOnline(peers []network.PeerSnapshot, target string) (string, bool) {
	for _, p := range peers {
		if p.Status != network.PeerOnline {
			continue
		}
		if p.Ident == target || strings.EqualFold(p.Hostname, target) ||
			strings.EqualFold(p.DisplayHostname, target) || strings.EqualFold(p.DisplayName, target) {
			return p.Ident, true
		}
	}
	return "", false
}

// sendTracker drives a progress bar from the events of one outbound op.
type sendTracker struct {
	mu   sync.Mutex
	op   *network.OpSnapshot
	bar  *progressbar.ProgressBar
	done chan network.OpSnapshot
	once sync.Once
	// Events can beat SendFiles' return; the last one is replayed by track.
	early []network.OpSnapshot
}

func newSendTracker() *sendTracker {
	return &sendTracker{done: make(chan network.OpSnapshot, 1)}
}

func (t *sendTracker) track(op network.OpSnapshot) {
	t.mu.Lock()
	t.op = &op
	early := t.early
	t.early = nil
	t.mu.Unlock()

	for _, snap := range early {
		t.apply(snap)
	}
}

func (t *sendTracker) handle(ev network.Event) {
	if ev.Op == nil || ev.Op.Direction != transfer.DirectionOutbound {
		return
	}
	if ev.Kind != network.EventOpStatusChanged && ev.Kind != network.EventOpProgress {
		return
	}

	t.mu.Lock()
	if t.op == nil {
		t.early = append(t.early, *ev.Op)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.apply(*ev.Op)
}

func (t *sendTracker) apply(snap network.OpSnapshot) {
	t.mu.Lock()
	if t.op == nil || snap.PeerIdent != t.op.PeerIdent || snap.StartTime != t.op.StartTime {
		t.mu.Unlock()
		return
	}
	if snap.Status == transfer.StatusTransferring && t.bar == nil {
		t.bar = newTransferBar(snap.TotalSize, snap.Description)
	}
	bar := t.bar
	t.mu.Unlock()

	if bar != nil {
		_ = bar.Set64(snap.Progress.Transferred)
		if snap.Progress.Rate != "" {
			bar.Describe(fmt.Sprintf("%s (%s, %s left)", snap.Description, snap.Progress.Rate, snap.Progress.ETA))
		}
	}
	if snap.Status.Terminal() {
		t.once.Do(func() { t.done <- snap })
	}
}

func (t *sendTracker) finish() {
	t.mu.Lock()
	bar := t.bar
	t.mu.Unlock()
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}

func newTransferBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
