package main

import (
	"context"
	"fmt"

	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/tinysync/statesync/kv/transaction"
	"github.com/tinysync/statesync/kv/transaction/commit"
	"go.uber.org/zap"
)

func newScenarioCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scenario",
		Short: "Run two transactions that require the same key and print their outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, engine, err := setup()
			if err != nil {
				return err
			}
			defer func() {
				if err := engine.Stop(); err != nil {
					log.Error("stop engine", zap.Error(err))
				}
			}()
			outcomes, err := runScenario(globalContext, engine, []byte("bench/scenario"))
			if err != nil {
				return err
			}
			for i, r := range outcomes {
				fmt.Printf("T%d: %s\n", i+1, r.Outcome)
			}
			return nil
		},
	}
}

// runScenario requires key in two transactions, writes slot 1 from both and commits them one after the other.
// The first commit succeeds and the second conflicts, unless the store fails.
func runScenario(ctx context.Context, engine *transaction.Engine, key []byte) ([]commit.Result, error) {
	k, err := engine.Key(key)
	if err != nil {
		return nil, err
	}
	defer k.Release()

	txns := []*transaction.Txn{engine.Begin(), engine.Begin()}
	for i, txn := range txns {
		defer txn.Close()
		if err := txn.Require(k); err != nil {
			return nil, err
		}
		if err := txn.Set(k, 1, []byte(fmt.Sprintf("written by T%d", i+1))); err != nil {
			return nil, err
		}
	}

	results := make([]commit.Result, 0, len(txns))
	for _, txn := range txns {
		r, err := txn.Commit(ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}
