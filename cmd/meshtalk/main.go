package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"

	"meshtalk/internal/config"
	"meshtalk/internal/keys"
	"meshtalk/internal/logging"
	"meshtalk/internal/metrics"
	"meshtalk/internal/store"
)

// meshtalk inspects a node's state through its home directory: the database
// is opened directly (safe next to a running node, WAL) and key operations go
// through the same key manager the node uses.

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "peers":
		return runPeers(args[1:], stdout)
	case "channels":
		return runChannels(args[1:], stdout)
	case "history":
		return runHistory(args[1:], stdout, stderr)
	case "transfers":
		return runTransfers(args[1:], stdout)
	case "safety":
		return runSafety(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshtalk <peers|channels|history|transfers|safety> [args]")
	fmt.Fprintln(w, "  peers     [--home <dir>]")
	fmt.Fprintln(w, "  channels  [--home <dir>]")
	fmt.Fprintln(w, "  history   <channel id or name> [--n 50] [--home <dir>]")
	fmt.Fprintln(w, "  transfers [--home <dir>]")
	fmt.Fprintln(w, "  safety    list | ack <change id> | verify <peer id> | qr <peer id>")
}

func openStore(home string, out io.Writer) (*store.Store, *config.Config, bool) {
	if home != "" {
		_ = os.Setenv("MESHTALK_HOME", home)
	}
	cfg := config.Load()
	st, err := store.Open(context.Background(), cfg.StorePath())
	if err != nil {
		fmt.Fprintf(out, "node state unavailable: %v\n", err)
		return nil, nil, false
	}
	return st, cfg, true
}

func runPeers(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	home := fs.String("home", "", "state dir")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, _, ok := openStore(*home, stdout)
	if !ok {
		return 1
	}
	defer st.Close()

	peers, err := st.ListPeers(context.Background())
	if err != nil {
		fmt.Fprintf(stdout, "peers: %v\n", err)
		return 1
	}
	for _, p := range peers {
		fmt.Fprintf(stdout, "%s name=%s status=%s last_seen=%s\n",
			p.ID, p.DisplayName, p.Status, p.LastSeen.Format(time.RFC3339))
	}
	return 0
}

func runChannels(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("channels", flag.ContinueOnError)
	home := fs.String("home", "", "state dir")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, _, ok := openStore(*home, stdout)
	if !ok {
		return 1
	}
	defer st.Close()

	chans, err := st.ListChannels(context.Background())
	if err != nil {
		fmt.Fprintf(stdout, "channels: %v\n", err)
		return 1
	}
	for _, ch := range chans {
		fmt.Fprintf(stdout, "%s name=%s type=%s members=%d\n", ch.ID, ch.Name, ch.Type, len(ch.Members))
	}
	return 0
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.Int("n", 50, "max messages")
	home := fs.String("home", "", "state dir")
	rest, target := splitTarget(args)
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if target == "" {
		fmt.Fprintln(stderr, "missing channel id or name")
		return 1
	}
	st, _, ok := openStore(*home, stdout)
	if !ok {
		return 1
	}
	defer st.Close()
	ctx := context.Background()

	ch, err := resolveChannel(ctx, st, target)
	if err != nil {
		fmt.Fprintf(stdout, "history: %v\n", err)
		return 1
	}
	if ch == nil {
		fmt.Fprintf(stdout, "history: no channel %q\n", target)
		return 1
	}

	msgs, err := st.MessageHistory(ctx, ch.ID, *n)
	if err != nil {
		fmt.Fprintf(stdout, "history: %v\n", err)
		return 1
	}
	for _, m := range msgs {
		tag := ""
		if m.Type == store.MessageFile {
			tag = " [file]"
		}
		fmt.Fprintf(stdout, "[%s] %s:%s %s\n",
			m.Timestamp.Format(time.RFC3339), m.SenderName, tag, m.Content)
	}
	return 0
}

func runTransfers(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("transfers", flag.ContinueOnError)
	home := fs.String("home", "", "state dir")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, _, ok := openStore(*home, stdout)
	if !ok {
		return 1
	}
	defer st.Close()

	transfers, err := st.ListTransfers(context.Background())
	if err != nil {
		fmt.Fprintf(stdout, "transfers: %v\n", err)
		return 1
	}
	for _, t := range transfers {
		fmt.Fprintf(stdout, "%s file=%s dir=%s status=%s progress=%.1f%% size=%d\n",
			t.ID, t.FileName, t.Direction, t.Status, t.Progress, t.FileSize)
	}
	return 0
}

func runSafety(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(stdout, "usage: meshtalk safety list | ack <change id> | verify <peer id> | qr <peer id>")
		return 0
	}
	sub := args[0]
	rest, target := splitTarget(args[1:])

	fs := flag.NewFlagSet("safety "+sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", "", "state dir")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	st, cfg, ok := openStore(*home, stdout)
	if !ok {
		return 1
	}
	defer st.Close()
	ctx := context.Background()

	km := keys.NewManager(st, cfg.Home, metrics.New(nil), logging.Nop())
	if err := km.InitDeviceKeys(ctx); err != nil {
		fmt.Fprintf(stdout, "safety: device keys unavailable: %v\n", err)
		return 1
	}

	switch sub {
	case "list":
		changes, err := km.UnacknowledgedSafetyChanges(ctx)
		if err != nil {
			fmt.Fprintf(stdout, "safety: %v\n", err)
			return 1
		}
		if len(changes) == 0 {
			fmt.Fprintln(stdout, "no unacknowledged safety number changes")
			return 0
		}
		for _, c := range changes {
			fmt.Fprintf(stdout, "%s peer=%s changed_at=%s\n", c.ID, c.PeerDeviceID, c.ChangedAt.Format(time.RFC3339))
			fmt.Fprintf(stdout, "  old: %s\n", c.OldSafetyNumber)
			fmt.Fprintf(stdout, "  new: %s\n", c.NewSafetyNumber)
		}
		return 0
	case "ack":
		if target == "" {
			fmt.Fprintln(stderr, "missing change id")
			return 1
		}
		if err := km.AcknowledgeSafetyChange(ctx, target); err != nil {
			fmt.Fprintf(stdout, "safety: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "acknowledged %s\n", target)
		return 0
	case "verify":
		if target == "" {
			fmt.Fprintln(stderr, "missing peer id")
			return 1
		}
		if err := km.VerifyPeerFingerprint(ctx, target); err != nil {
			fmt.Fprintf(stdout, "safety: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "peer %s marked verified\n", target)
		return 0
	case "qr":
		if target == "" {
			fmt.Fprintln(stderr, "missing peer id")
			return 1
		}
		number, err := km.SafetyNumberWith(ctx, target)
		if err != nil {
			fmt.Fprintf(stdout, "safety: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "safety number with %s:\n%s\n\n", target, number)
		qrterminal.GenerateWithConfig(number, qrterminal.Config{
			Level:     qrterminal.M,
			Writer:    stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
		return 0
	default:
		fmt.Fprintf(stdout, "unknown safety subcommand: %s\n", sub)
		return 1
	}
}

func resolveChannel(ctx context.Context, st *store.Store, target string) (*store.Channel, error) {
	ch, err := st.GetChannel(ctx, target)
	if err != nil || ch != nil {
		return ch, err
	}
	chans, err := st.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	for i := range chans {
		if chans[i].Name == target {
			return &chans[i], nil
		}
	}
	return nil, nil
}

// splitTarget peels a leading positional argument off args so commands read
// as "history my-room --n 10". Anything after the first flag belongs to the
// flag set; a later bare word could be a flag value, not a target.
func splitTarget(args []string) (rest []string, target string) {
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		return args[1:], args[0]
	}
	return args, ""
}
