package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/gemledger"
	"github.com/ineyio/gemledger/generator/mock"
	"github.com/ineyio/gemledger/generator/remote"
)

func newSpendCmd(a *app) *cobra.Command {
	var (
		fail      bool
		empty     bool
		latency   time.Duration
		policyArg string
		input     string
		funcURL   string
		funcKey   string
	)

	cmd := &cobra.Command{
		Use:   "spend <user> <feature>",
		Short: "Run one guarded generation and charge for it",
		Long: "Runs a paid generation for user under the feature's spend policy. " +
			"Without --function-url the built-in mock generator is used.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, feature := args[0], args[1]

			req := gemledger.SpendRequest{Feature: feature}
			if input != "" {
				if !json.Valid([]byte(input)) {
					return errors.New("--input is not valid JSON")
				}
				req.Input = json.RawMessage(input)
			}
			if policyArg != "" {
				p, err := gemledger.ParsePolicy(policyArg)
				if err != nil {
					return err
				}
				req.Policy = &p
			}

			var gen gemledger.Generator
			if funcURL != "" {
				gen = remote.New(funcURL, remote.WithAPIKey(funcKey))
			} else {
				opts := []mock.Option{mock.WithLatency(latency)}
				if fail {
					opts = append(opts, mock.WithError(errors.New("simulated generation failure")))
				}
				if empty {
					opts = append(opts, mock.WithEmptyResult())
				}
				gen = mock.New(opts...)
			}

			ctx := context.Background()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			if a.statusChecker(b).IsBlocked(ctx, userID) {
				return fmt.Errorf("user %s is blocked", userID)
			}

			usage, closeUsage, err := a.openUsageLog()
			if err != nil {
				return err
			}
			defer closeUsage()

			l, err := a.newLedger(b)
			if err != nil {
				return err
			}
			l.SignIn(userID)

			guard, err := a.newGuard(l, b, usage)
			if err != nil {
				return err
			}

			out, err := guard.Run(ctx, req, gen)
			if err != nil {
				fmt.Println(gemledger.UserMessage(err))
				fmt.Printf("policy=%s charged=%t balance=%d\n", out.Policy, out.Charged, out.Balance)
				return err
			}

			if out.Drift {
				fmt.Println(gemledger.UserMessage(&gemledger.SpendError{Kind: gemledger.KindDriftAsymmetry}))
			}
			fmt.Printf("policy=%s charged=%t amount=%d balance=%d\n", out.Policy, out.Charged, out.Amount, out.Balance)
			for _, ref := range out.Result.OutputRefs {
				fmt.Println(ref)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fail, "fail", false, "make the mock generator fail")
	cmd.Flags().BoolVar(&empty, "empty", false, "make the mock generator return no output")
	cmd.Flags().DurationVar(&latency, "latency", 0, "mock generator latency")
	cmd.Flags().StringVar(&policyArg, "policy", "", "override the spend policy (deduct_first or deduct_after)")
	cmd.Flags().StringVar(&input, "input", "", "JSON input passed to the generator")
	cmd.Flags().StringVar(&funcURL, "function-url", "", "remote generation function URL")
	cmd.Flags().StringVar(&funcKey, "function-key", "", "bearer key for the remote function")
	return cmd
}
