package cli

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/raskyld/pcf"
	"github.com/raskyld/pcf/internal/daemon"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(peersCmd, connectCmd, statsCmd)
}

var peersCmd = &cobra.Command{
	Use:     "peers",
	Aliases: []string{"ls"},
	Short:   "List the peers known by a running node",
	RunE:    runPeers,
}

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect a running node to a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(http.MethodPost, "/v1/connect", daemon.ConnectRequest{Address: args[0]}, nil); err != nil {
			return err
		}
		fmt.Printf("Connected to %s.\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the error counters and latencies of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap daemon.Snapshot
		if err := call(http.MethodGet, "/v1/snapshot", nil, &snap); err != nil {
			return err
		}
		fmt.Printf("errors: %d\nnotices: %d\ndropped events: %d\nscan: %s\nmean latency: %.2fms over %d samples\n",
			snap.Errors, snap.Notices, snap.DroppedEvents, snap.ScanState, snap.MeanLatencyMs, len(snap.LatenciesMs))
		return nil
	},
}

func runPeers(cmd *cobra.Command, args []string) error {
	var peers []pcf.PeerInfo
	if err := call(http.MethodGet, "/v1/peers", nil, &peers); err != nil {
		return err
	}

	if len(peers) == 0 {
		fmt.Println("No peer known yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tKIND\tSTATE\tPOOL\tIDLE\tLAST SEEN\tLAST USED")
	for _, p := range peers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			p.Address,
			p.Name,
			p.Kind,
			p.State,
			p.PoolSize,
			p.IdleConns,
			p.LastSeen.Format("2006-01-02 15:04:05"),
			p.LastUsed.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}
