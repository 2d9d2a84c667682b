package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	permitflowsdk "permitflow/sdk/go"
)

func remoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Work with permits through a running server",
	}
	cmd.PersistentFlags().String("url", "http://127.0.0.1:8080", "server URL")
	cmd.PersistentFlags().String("token", "", "bearer token")
	cmd.PersistentFlags().String("base-path", "/api", "API base path")
	_ = viper.BindPFlag("remote.url", cmd.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("remote.token", cmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("remote.base_path", cmd.PersistentFlags().Lookup("base-path"))

	cmd.AddCommand(remoteMeCmd())
	cmd.AddCommand(remoteListCmd())
	cmd.AddCommand(remoteShowCmd())
	cmd.AddCommand(remoteApproveCmd())
	cmd.AddCommand(remoteRejectCmd())
	cmd.AddCommand(remoteSummaryCmd())
	cmd.AddCommand(remoteHistoryCmd())
	return cmd
}

func newClient() *permitflowsdk.Client {
	c := permitflowsdk.New(viper.GetString("remote.url"))
	c.BasePath = viper.GetString("remote.base_path")
	c.BearerToken = viper.GetString("remote.token")
	return c
}

func remoteMeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the identity the server resolves for --token",
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := newClient().Me(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(me)
			}
			fmt.Printf("%s (%s) forms=%s\n", me.Username, me.Role, strings.Join(me.Forms, ","))
			return nil
		},
	}
}

func remoteListCmd() *cobra.Command {
	var f permitflowsdk.ListFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List permits",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().List(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printRemotePermits(items)
		},
	}
	cmd.Flags().StringArrayVar(&f.Statuses, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&f.Plant, "plant", "", "plant substring")
	cmd.Flags().StringVar(&f.DateFrom, "from", "", "permit date from (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.DateTo, "to", "", "permit date to (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&f.AwaitingMe, "awaiting-me", false, "only permits awaiting the token's role")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "maximum rows")
	return cmd
}

func remoteShowCmd() *cobra.Command {
	return remotePermitCmd("show <id>", "Show one permit", func(ctx context.Context, c *permitflowsdk.Client, id int64) (permitflowsdk.Permit, error) {
		return c.Get(ctx, id)
	})
}

func remoteApproveCmd() *cobra.Command {
	return remotePermitCmd("approve <id>", "Approve the current stage", func(ctx context.Context, c *permitflowsdk.Client, id int64) (permitflowsdk.Permit, error) {
		return c.Approve(ctx, id)
	})
}

func remoteRejectCmd() *cobra.Command {
	var reason string
	cmd := remotePermitCmd("reject <id>", "Reject a permit", func(ctx context.Context, c *permitflowsdk.Client, id int64) (permitflowsdk.Permit, error) {
		return c.Reject(ctx, id, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func remotePermitCmd(use, short string, fn func(context.Context, *permitflowsdk.Client, int64) (permitflowsdk.Permit, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p, err := fn(cmd.Context(), newClient(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(p.Fields)
			}
			return printRemotePermits([]permitflowsdk.Permit{p})
		},
	}
}

func remoteSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count permits per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newClient().Summary(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(s)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"Status", "Count"})
			for status, n := range s.ByStatus {
				tw.AppendRow(table.Row{status, n})
			}
			tw.SortBy([]table.SortBy{{Name: "Status", Mode: table.Asc}})
			tw.AppendFooter(table.Row{"Total", s.Total})
			tw.Render()
			return nil
		},
	}
}

func remoteHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of a permit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			evts, err := newClient().History(cmd.Context(), id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(evts)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Actor", "Role", "Payload"})
			for _, ev := range evts {
				tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.Actor, ev.Role, ev.PayloadJSON})
			}
			tw.Render()
			return nil
		},
	}
}

func printRemotePermits(items []permitflowsdk.Permit) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Date", "Plant", "BD Slip", "Status", "Awaiting"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, deref(p.PermitDate), deref(p.Plant), deref(p.BDSlipNo), p.Status, deref(p.CurrentApproverRole)})
	}
	tw.Render()
	return nil
}
