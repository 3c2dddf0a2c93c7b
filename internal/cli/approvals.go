package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/pliu/chatbridge/internal/models"
	"github.com/spf13/cobra"
)

func approvalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "List and decide device approval requests",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			reqs, err := st.ListApprovalRequests(cmd.Context(), models.ApprovalStatus(status))
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPHONE\tDEVICE\tSTATUS\tCREATED")
			for _, r := range reqs {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n", r.ID, r.Phone, r.DeviceInfo.Platform, r.DeviceInfo.Model, r.Status, r.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&status, "status", string(models.ApprovalPending), "pending, approved, rejected or empty for all")

	var by string
	decide := func(use, short string, approve bool) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <request-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				st, err := openStore(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer st.Close()

				decideFn := st.RejectDevice
				if approve {
					decideFn = st.ApproveDevice
				}
				req, err := decideFn(cmd.Context(), args[0], by)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Request %s for %s is now %s\n", req.ID, req.Phone, req.Status)
				return nil
			},
		}
		c.Flags().StringVar(&by, "by", "cli", "name recorded as the decider")
		return c
	}

	cmd.AddCommand(list, decide("approve", "Approve a device", true), decide("reject", "Reject a device", false))
	return cmd
}
