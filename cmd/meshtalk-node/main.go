package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshtalk/internal/config"
	"meshtalk/internal/service"
	"meshtalk/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshtalk-node <run|status|peers> [args]")
	fmt.Fprintln(w, "  run    [--addr <ip:port>] [--home <dir>] [--name <display name>] [--debug]")
	fmt.Fprintln(w, "  status [--home <dir>]")
	fmt.Fprintln(w, "  peers  [--home <dir>]")
}

// Flags override the MESHTALK_* environment before config.Load so derived
// paths (download dir, store path) follow the chosen home.
func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "QUIC listen addr (host:port)")
	home := fs.String("home", "", "state dir")
	name := fs.String("name", "", "display name shown to peers")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr != "" {
		_ = os.Setenv("MESHTALK_LISTEN_ADDR", *addr)
	}
	if *home != "" {
		_ = os.Setenv("MESHTALK_HOME", *home)
	}
	if *name != "" {
		_ = os.Setenv("MESHTALK_DISPLAY_NAME", *name)
	}
	if *debug {
		_ = os.Setenv("MESHTALK_DEBUG", "1")
	}

	svc, err := service.New(config.Load(), service.Options{})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	if err := svc.Start(context.Background()); err != nil {
		fmt.Fprintf(stderr, "start failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "READY addr=%s device_id=%s\n", svc.Addr(), svc.DeviceID())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Stop(ctx); err != nil {
		fmt.Fprintf(stderr, "stop failed: %v\n", err)
		return 1
	}
	return 0
}

// status and peers read the node's database directly. WAL mode makes that
// safe next to a running node, and it works the same against a stopped one.
func runStatus(args []string, stdout, _ io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	home := fs.String("home", "", "state dir")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, ok := openLocalStore(*home, "status", stdout)
	if !ok {
		return 1
	}
	defer st.Close()
	ctx := context.Background()

	peers, err := st.ListPeers(ctx)
	if err != nil {
		fmt.Fprintf(stdout, "status: %v\n", err)
		return 1
	}
	online := 0
	for _, p := range peers {
		if p.Status == store.PeerOnline {
			online++
		}
	}
	chans, _ := st.ListChannels(ctx)
	transfers, _ := st.ListTransfers(ctx)
	active, completed := 0, 0
	for _, t := range transfers {
		switch t.Status {
		case store.TransferActive, store.TransferPending:
			active++
		case store.TransferCompleted:
			completed++
		}
	}
	pending, _ := st.ListUnacknowledgedChanges(ctx)

	fmt.Fprintln(stdout, "Local node state:")
	fmt.Fprintf(stdout, "  peers: %d (%d online)\n", len(peers), online)
	fmt.Fprintf(stdout, "  channels: %d\n", len(chans))
	fmt.Fprintf(stdout, "  transfers: %d (%d in flight, %d completed)\n", len(transfers), active, completed)
	fmt.Fprintf(stdout, "  unacknowledged key changes: %d\n", len(pending))
	return 0
}

func runPeers(args []string, stdout, _ io.Writer) int {
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	home := fs.String("home", "", "state dir")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	st, ok := openLocalStore(*home, "peers", stdout)
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
		addr := p.Address
		if addr == "" {
			addr = "unknown"
		}
		fmt.Fprintf(stdout, "%s name=%s addr=%s status=%s last_seen=%s\n",
			p.ID, p.DisplayName, addr, p.Status, p.LastSeen.Format(time.RFC3339))
	}
	return 0
}

func openLocalStore(home, cmd string, out io.Writer) (*store.Store, bool) {
	if home != "" {
		_ = os.Setenv("MESHTALK_HOME", home)
	}
	cfg := config.Load()
	st, err := store.Open(context.Background(), cfg.StorePath())
	if err != nil {
		fmt.Fprintf(out, "%s: node state unavailable: %v\n", cmd, err)
		return nil, false
	}
	return st, true
}
