package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/raskyld/pcf/internal/daemon"
	"github.com/spf13/cobra"
)

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "address of the recipient, every connected peer when empty")
	sendCmd.Flags().StringVar(&sendType, "type", "", "message type, general when empty")
	sendCmd.Flags().StringVar(&sendJSON, "json", "", "payload as a JSON object, instead of key=value arguments")
	rootCmd.AddCommand(sendCmd)
}

var (
	sendTo   string
	sendType string
	sendJSON string
)

var sendCmd = &cobra.Command{
	Use:   "send [key=value...]",
	Short: "Send a message through a running node",
	Example: `  pcfd send msg=hello
  pcfd send --to 192.168.1.12:6174 --type chat --json '{"text":"hi"}'`,
	RunE: runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	payload, err := parsePayload(sendJSON, args)
	if err != nil {
		return err
	}

	var resp daemon.SendResponse
	err = call(http.MethodPost, "/v1/send", daemon.SendRequest{
		Payload:   payload,
		Recipient: sendTo,
		Type:      sendType,
	}, &resp)
	if err != nil {
		return err
	}

	if len(resp.Deliveries) == 0 {
		fmt.Println("No connected peer.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PEER\tSTATUS\tCODE\tLATENCY")
	for _, d := range resp.Deliveries {
		status := "ok"
		if !d.Success {
			status = d.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%.2fms\n", d.Address, status, d.Code, d.LatencyMs)
	}
	return w.Flush()
}

func parsePayload(raw string, args []string) (map[string]any, error) {
	payload := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("invalid --json payload: %w", err)
		}
	}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", arg)
		}
		payload[key] = value
	}
	return payload, nil
}
