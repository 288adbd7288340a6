package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"escrow-backend/chain"
	"escrow-backend/core/marketplace"
)

type rootFlags struct {
	config  string
	network string
	actor   string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	var a *app

	cmd := &cobra.Command{
		Use:           "escrowctl",
		Short:         "Fund, claim and deliver escrow-backed jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(flags.config, flags.network, cmd.OutOrStdout())
			return err
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "config file path")
	cmd.PersistentFlags().StringVarP(&flags.network, "network", "n", "", "network profile key or chain id")
	cmd.PersistentFlags().StringVar(&flags.actor, "as", "", "acting identity name (defaults to ESCROW_ACTOR)")

	get := func() *app { return a }
	cmd.AddCommand(
		newFundCommand(get, flags),
		newRepublishCommand(get),
		newJobsCommand(get),
		newJobCommand(get),
		newApplyCommand(get, flags),
		newAssignCommand(get, flags),
		newSubmitCommand(get, flags),
		newHistoryCommand(get),
		newUsersCommand(get),
		newNetworkCommand(get),
	)
	return cmd
}

func newFundCommand(get func() *app, flags *rootFlags) *cobra.Command {
	var (
		title, description, amount string
		tags                       []string
		saveRecord                 string
	)
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Approve, fund and publish a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			ctx := cmd.Context()
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("%w: %q", marketplace.ErrInvalidAmount, amount)
			}
			sess, err := a.session(ctx, flags.actor)
			if err != nil {
				return err
			}
			if a.cfg.WalletPrivateKey == "" {
				return fmt.Errorf("ESCROW_WALLET_PRIVATE_KEY is required to fund a job")
			}
			wallet, err := chain.NewKeyWallet(a.cfg.WalletPrivateKey, a.endpoints())
			if err != nil {
				return err
			}
			defer wallet.Close()

			orch := marketplace.NewOrchestrator(wallet, a.projection)
			orch.Progress().Subscribe(func(step marketplace.TransactionStep) {
				fmt.Fprintln(cmd.ErrOrStderr(), step.Status)
			})

			res, err := orch.Fund(ctx, sess, marketplace.FundRequest{
				Title:       title,
				Description: description,
				Amount:      value,
				Tags:        tags,
			})
			var publishErr *marketplace.ProjectionPublishError
			if errors.As(err, &publishErr) && saveRecord != "" {
				if werr := writeRecord(saveRecord, publishErr.Record); werr != nil {
					return errors.Join(err, werr)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "funded record saved to %s; run `escrowctl republish %s`\n", saveRecord, saveRecord)
			}
			if err != nil {
				return err
			}
			if res.Degraded {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: JobCreated event not found, job indexed under fallback id %s\n", res.Job.ChainJobID)
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringVar(&description, "description", "", "job description")
	cmd.Flags().StringVar(&amount, "amount", "", "reward in tokens, e.g. 100 or 12.5")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "job tag (repeatable)")
	cmd.Flags().StringVar(&saveRecord, "save-record", "escrow-record.json", "where to save the job record if publishing fails")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newRepublishCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "republish [record.json]",
		Short: "Retry publishing a funded job record to the projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var rec marketplace.JobRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("parse record: %w", err)
			}
			job, err := marketplace.NewOrchestrator(nil, a.projection).RetryPublish(cmd.Context(), rec)
			if err != nil {
				return err
			}
			return a.printJSON(job)
		},
	}
}

func newJobsCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs on the active network",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			svc := marketplace.NewService(a.projection)
			jobs, err := svc.Jobs(cmd.Context(), marketplace.Session{Networks: a.networks})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tAMOUNT\tCLIENT\tWORKER\tTITLE")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ChainJobID, j.Status, j.AmountMNEE, j.ClientName, j.FreelancerName, j.Title)
			}
			return tw.Flush()
		},
	}
}

func newJobCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "job [id]",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			job, err := marketplace.NewService(a.projection).Job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(job)
		},
	}
}

func newApplyCommand(get func() *app, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [id]",
		Short: "Apply to an open job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			sess, err := a.session(cmd.Context(), flags.actor)
			if err != nil {
				return err
			}
			job, err := marketplace.NewService(a.projection).Apply(cmd.Context(), sess, args[0])
			if err != nil {
				return err
			}
			return a.printJSON(job)
		},
	}
}

func newAssignCommand(get func() *app, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "assign [id] [worker]",
		Short: "Assign your open job to a worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			sess, err := a.session(cmd.Context(), flags.actor)
			if err != nil {
				return err
			}
			job, err := marketplace.NewService(a.projection).Assign(cmd.Context(), sess, args[0], args[1])
			if err != nil {
				return err
			}
			return a.printJSON(job)
		},
	}
}

func newSubmitCommand(get func() *app, flags *rootFlags) *cobra.Command {
	var (
		notes string
		files []string
	)
	cmd := &cobra.Command{
		Use:   "submit [id]",
		Short: "Deliver work on an assigned job and wait for the verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			sess, err := a.session(cmd.Context(), flags.actor)
			if err != nil {
				return err
			}
			artifacts, err := readArtifacts(files)
			if err != nil {
				return err
			}
			pipeline := marketplace.NewPipeline(a.projection, a.judge(), nil)
			res, err := pipeline.Submit(cmd.Context(), sess, args[0], notes, artifacts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "verdict: %s\n", res.Submission.Verdict)
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "delivery notes")
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "file to deliver (repeatable)")
	return cmd
}

func newHistoryCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history [id]",
		Short: "Show a job's submissions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			subs, err := a.projection.Submissions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WHEN\tBY\tVERDICT\tREASON")
			for _, s := range subs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.CreatedAt.Format("2006-01-02 15:04"), s.FreelancerName, s.Verdict, s.Reason)
			}
			return tw.Flush()
		},
	}
}

func newUsersCommand(get func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List known identities",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := get()
			users, err := a.projection.Users(cmd.Context())
			if err != nil {
				return err
			}
			return a.printJSON(users)
		},
	}
}

func newNetworkCommand(get func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Inspect network profiles",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show the active profile",
			RunE: func(cmd *cobra.Command, args []string) error {
				a := get()
				return a.printJSON(a.networks.ActiveProfile())
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List all profiles",
			RunE: func(cmd *cobra.Command, args []string) error {
				a := get()
				active := a.networks.ActiveProfile().ChainID
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "\tKEY\tCHAIN\tNAME\tESCROW")
				for _, p := range a.networks.Profiles() {
					mark := ""
					if p.ChainID == active {
						mark = "*"
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", mark, p.Key, p.ChainID, p.Name, p.EscrowAddress)
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "toggle",
			Short: "Show the next profile in toggle order",
			RunE: func(cmd *cobra.Command, args []string) error {
				a := get()
				return a.printJSON(a.networks.Toggle())
			},
		},
	)
	return cmd
}

func readArtifacts(paths []string) ([]marketplace.Artifact, error) {
	out := make([]marketplace.Artifact, 0, len(paths))
	for _, p := range paths {
		content, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, marketplace.Artifact{Name: filepath.Base(p), Content: content})
	}
	return out, nil
}

func writeRecord(path string, rec marketplace.JobRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
