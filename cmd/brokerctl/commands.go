package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/olekukonko/tablewriter"
	"github.com/pscheid92/signpulse/internal/auth"
	"github.com/pscheid92/signpulse/internal/broker"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const timeLayout = "2006-01-02 15:04:05"

func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		user   string
		tenant string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		Long:  "Signs a token with the broker's JWT_SECRET. Intended for local development and smoke tests.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := v.GetString(jwtSecretKey)
			if secret == "" {
				return errors.New("JWT_SECRET is not set")
			}

			issuer := auth.NewIssuer(secret, v.GetString(jwtIssuerKey), clockwork.NewRealClock())
			token, err := issuer.Issue(domain.Identity{UserID: user, TenantID: tenant}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id (token subject)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var cluster bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show live sessions and channels of your tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClientFrom(v)
			if err != nil {
				return err
			}

			if cluster {
				sessions, err := c.ClusterStatus(cmd.Context())
				if err != nil {
					return err
				}
				renderClusterSessions(cmd.OutOrStdout(), sessions)
				return nil
			}

			snap, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			renderSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().BoolVar(&cluster, "cluster", false, "list sessions on every broker instance")
	return cmd
}

func newDevicesCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the recorded connectivity of your tenant's devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClientFrom(v)
			if err != nil {
				return err
			}

			devices, err := c.Devices(cmd.Context())
			if err != nil {
				return err
			}

			table := newTable(cmd.OutOrStdout(), "Device", "Status", "Last Seen")
			for _, d := range devices {
				table.Append([]string{d.DeviceID, string(d.Status), d.LastSeen.Local().Format(timeLayout)})
			}
			table.Render()
			return nil
		},
	}
}

func newPublishCmd(v *viper.Viper) *cobra.Command {
	var req publishRequest
	var msgType, payload string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message through the broker",
		Example: `  brokerctl publish --type layout_update --channel lobby-screens --payload '{"layout":"grid"}'
  brokerctl publish --type notification --target device:kiosk-7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClientFrom(v)
			if err != nil {
				return err
			}

			req.Type = domain.MessageType(msgType)
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return errors.New("payload must be valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}

			count, err := c.Publish(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered to %d session(s)\n", count)
			return nil
		},
	}

	cmd.Flags().StringVar(&msgType, "type", "", "message type")
	cmd.Flags().StringVar(&req.Channel, "channel", "", "channel name (defaults to your tenant channel)")
	cmd.Flags().StringVar(&req.Target, "target", "", "device:{id} or user:{id}; wins over --channel")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func renderSnapshot(w io.Writer, snap broker.Snapshot) {
	sessions := newTable(w, "Session", "User", "Device", "Channels", "Opened", "Last Seen")
	for _, s := range snap.Sessions {
		sessions.Append([]string{
			s.ID,
			s.UserID,
			s.DeviceID,
			strconv.Itoa(len(s.Channels)),
			s.OpenedAt.Local().Format(timeLayout),
			s.LastSeen.Local().Format(timeLayout),
		})
	}
	sessions.Render()

	fmt.Fprintln(w)

	channels := newTable(w, "Channel", "Members")
	for _, ch := range snap.Channels {
		channels.Append([]string{ch.Name, strconv.Itoa(ch.Members)})
	}
	channels.Render()
}

func renderClusterSessions(w io.Writer, sessions []domain.ClusterSession) {
	table := newTable(w, "Session", "Instance", "User", "Device", "Last Seen")
	for _, s := range sessions {
		table.Append([]string{s.ID, s.InstanceID, s.UserID, s.DeviceID, s.LastSeen.Local().Format(timeLayout)})
	}
	table.Render()
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}
