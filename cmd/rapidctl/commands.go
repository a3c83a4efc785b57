package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rapid/sos-relay/internal/model"
)

type options struct {
	node    string
	timeout time.Duration
	raw     bool
}

func (o *options) client() *nodeClient {
	return newNodeClient(o.node, o.timeout)
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	defaultNode := os.Getenv("RAPID_NODE_URL")
	if defaultNode == "" {
		defaultNode = "http://localhost:8080"
	}

	rootCmd := &cobra.Command{
		Use:           "rapidctl",
		Short:         "Operate a RAPID relay node",
		Long:          `rapidctl triggers SOS alerts, inspects the delivery queue and manages the mesh of a running relay node.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.node, "node", defaultNode, "relay node base URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&opts.raw, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(newStatusCmd(opts))
	rootCmd.AddCommand(newSOSCmd(opts))
	rootCmd.AddCommand(newContactsCmd(opts))
	rootCmd.AddCommand(newMeshCmd(opts))
	return rootCmd
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node connectivity, storage health and mesh state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st struct {
				NodeID   string `json:"node_id"`
				NodeName string `json:"node_name"`
				Online   bool   `json:"online"`
				Store    struct {
					Backend     string `json:"backend"`
					SecureReady bool   `json:"secure_ready"`
					Degraded    bool   `json:"degraded"`
					LastError   string `json:"last_error"`
				} `json:"store"`
				Mesh struct {
					State     string `json:"state"`
					Adapter   string `json:"adapter"`
					Degraded  bool   `json:"degraded"`
					QueueSize int    `json:"queue_size"`
					Peers     int    `json:"peers"`
				} `json:"mesh"`
				Queue struct {
					Pending int `json:"pending"`
					Failed  int `json:"failed"`
				} `json:"queue"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/status", nil, &st); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), st)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "node\t%s (%s)\n", st.NodeName, st.NodeID)
			fmt.Fprintf(tw, "online\t%t\n", st.Online)
			fmt.Fprintf(tw, "store\t%s secure=%t degraded=%t\n", st.Store.Backend, st.Store.SecureReady, st.Store.Degraded)
			if st.Store.LastError != "" {
				fmt.Fprintf(tw, "store error\t%s\n", st.Store.LastError)
			}
			fmt.Fprintf(tw, "mesh\t%s adapter=%s peers=%d queued=%d\n", st.Mesh.State, orNone(st.Mesh.Adapter), st.Mesh.Peers, st.Mesh.QueueSize)
			fmt.Fprintf(tw, "sos queue\tpending=%d failed=%d\n", st.Queue.Pending, st.Queue.Failed)
			return tw.Flush()
		},
	}
}

func newSOSCmd(opts *options) *cobra.Command {
	sosCmd := &cobra.Command{
		Use:   "sos",
		Short: "Send emergency alerts and manage the delivery queue",
	}

	var contactIDs []string
	sendCmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Dispatch an SOS immediately",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"message": strings.Join(args, " "), "contact_ids": contactIDs}
			var res struct {
				Alert       model.Alert `json:"alert"`
				Delivered   bool        `json:"delivered"`
				Queued      bool        `json:"queued"`
				MeshOffered bool        `json:"mesh_offered"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/sos", body, &res); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), res)
			}
			out := cmd.OutOrStdout()
			switch {
			case res.Delivered:
				fmt.Fprintf(out, "alert %s delivered via %s\n", res.Alert.ID, res.Alert.Method)
			case res.Queued:
				fmt.Fprintf(out, "alert %s NOT delivered; queued for retry (mesh offered: %t)\n", res.Alert.ID, res.MeshOffered)
			default:
				fmt.Fprintf(out, "alert %s NOT delivered and could not be queued\n", res.Alert.ID)
			}
			return nil
		},
	}
	sendCmd.Flags().StringSliceVar(&contactIDs, "contact", nil, "contact id to alert (repeatable, default all)")

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Alerts []model.Alert `json:"alerts"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/sos/queue", nil, &res); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), res)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tRETRIES\tCREATED")
			for _, a := range res.Alerts {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", a.ID, a.Status, a.RetryCount, a.Timestamp.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Retry queued alerts now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var report struct {
				Skipped   bool `json:"skipped"`
				Offline   bool `json:"offline"`
				Attempted int  `json:"attempted"`
				Sent      int  `json:"sent"`
				Retrying  int  `json:"retrying"`
				Failed    int  `json:"failed"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/sos/drain", nil, &report); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), report)
			}
			out := cmd.OutOrStdout()
			switch {
			case report.Offline:
				fmt.Fprintln(out, "node is offline; nothing drained")
			case report.Skipped:
				fmt.Fprintln(out, "drain skipped")
			default:
				fmt.Fprintf(out, "attempted=%d sent=%d retrying=%d failed=%d\n", report.Attempted, report.Sent, report.Retrying, report.Failed)
			}
			return nil
		},
	}

	var trigger string
	armCmd := &cobra.Command{
		Use:   "arm [message]",
		Short: "Start a cancelable SOS countdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"trigger": trigger, "message": strings.Join(args, " ")}
			var cd struct {
				ID      string    `json:"id"`
				Trigger string    `json:"trigger"`
				FiresAt time.Time `json:"fires_at"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/sos/arm", body, &cd); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), cd)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "countdown %s (%s) fires at %s; cancel with: rapidctl sos cancel %s\n",
				cd.ID, cd.Trigger, cd.FiresAt.Format(time.RFC3339), cd.ID)
			return nil
		},
	}
	armCmd.Flags().StringVar(&trigger, "trigger", "manual", "trigger source: manual, crash or shake")

	cancelCmd := &cobra.Command{
		Use:   "cancel [countdown-id]",
		Short: "Cancel an armed countdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.client().do(cmd.Context(), http.MethodDelete, "/api/sos/arm?id="+url.QueryEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "countdown %s cancelled\n", args[0])
			return nil
		},
	}

	sosCmd.AddCommand(sendCmd, queueCmd, drainCmd, armCmd, cancelCmd)
	return sosCmd
}

func newContactsCmd(opts *options) *cobra.Command {
	contactsCmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage emergency contacts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List emergency contacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Contacts []model.Contact `json:"contacts"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/contacts", nil, &res); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), res)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tPHONE\tPRIMARY")
			for _, c := range res.Contacts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", c.ID, c.Name, c.PhoneNumber, c.IsPrimary)
			}
			return tw.Flush()
		},
	}

	var file string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Replace the contact list from a JSON file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := readInput(cmd, file)
			if err != nil {
				return err
			}
			var contacts []model.Contact
			if err := json.Unmarshal(raw, &contacts); err != nil {
				return fmt.Errorf("parse contacts: %w", err)
			}
			body := map[string]any{"contacts": contacts}
			if _, err := opts.client().do(cmd.Context(), http.MethodPut, "/api/contacts", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %d contacts\n", len(contacts))
			return nil
		},
	}
	setCmd.Flags().StringVarP(&file, "file", "f", "-", "JSON array of contacts, - for stdin")

	contactsCmd.AddCommand(listCmd, setCmd)
	return contactsCmd
}

func newMeshCmd(opts *options) *cobra.Command {
	meshCmd := &cobra.Command{
		Use:   "mesh",
		Short: "Inspect and use the peer mesh",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show mesh engine state and peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st struct {
				State     string `json:"state"`
				Adapter   string `json:"adapter"`
				QueueSize int    `json:"queue_size"`
				PeerList  []struct {
					ID        string `json:"id"`
					Name      string `json:"name"`
					Connected bool   `json:"connected"`
				} `json:"peer_list"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/mesh/status", nil, &st); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state=%s adapter=%s queued=%d\n", st.State, orNone(st.Adapter), st.QueueSize)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PEER\tNAME\tCONNECTED")
			for _, p := range st.PeerList {
				fmt.Fprintf(tw, "%s\t%s\t%t\n", p.ID, p.Name, p.Connected)
			}
			return tw.Flush()
		},
	}

	var to string
	sendCmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Broadcast a text message, or send it to one peer with --to",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"text": strings.Join(args, " "), "to": to}
			var res struct {
				EnvelopeID string `json:"envelope_id"`
				Status     string `json:"status"`
				Error      string `json:"error"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/mesh/broadcast", body, &res); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "envelope %s %s\n", res.EnvelopeID, res.Status)
			return nil
		},
	}
	sendCmd.Flags().StringVar(&to, "to", "", "peer id for a direct message")

	inboxCmd := &cobra.Command{
		Use:   "inbox",
		Short: "List SOS alerts received from peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Alerts []struct {
					Sender     string    `json:"sender"`
					HopCount   int       `json:"hop_count"`
					ReceivedAt time.Time `json:"received_at"`
					Forwarded  bool      `json:"forwarded"`
					Alert      struct {
						AlertID    string `json:"alert_id"`
						SenderName string `json:"sender_name"`
						Message    string `json:"message"`
					} `json:"alert"`
				} `json:"alerts"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodGet, "/api/mesh/inbox", nil, &res); err != nil {
				return err
			}
			if opts.raw {
				return printJSON(cmd.OutOrStdout(), res)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ALERT\tFROM\tHOPS\tRECEIVED\tFORWARDED")
			for _, a := range res.Alerts {
				name := a.Alert.SenderName
				if name == "" {
					name = a.Sender
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n", a.Alert.AlertID, name, a.HopCount, a.ReceivedAt.Format(time.RFC3339), a.Forwarded)
			}
			return tw.Flush()
		},
	}

	discoveryCmd := &cobra.Command{
		Use:       "discovery on|off",
		Short:     "Start or stop peer discovery",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[0] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[0])
			}
			var st struct {
				State   string `json:"state"`
				Adapter string `json:"adapter"`
			}
			if _, err := opts.client().do(cmd.Context(), http.MethodPost, "/api/mesh/discovery", map[string]bool{"enabled": enabled}, &st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mesh %s (adapter %s)\n", st.State, orNone(st.Adapter))
			return nil
		},
	}

	disconnectCmd := &cobra.Command{
		Use:   "disconnect [peer-id]",
		Short: "Drop a peer from the mesh",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.client().do(cmd.Context(), http.MethodDelete, "/api/mesh/peer?id="+url.QueryEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "peer %s disconnected\n", args[0])
			return nil
		},
	}

	meshCmd.AddCommand(statusCmd, sendCmd, inboxCmd, discoveryCmd, disconnectCmd)
	return meshCmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
