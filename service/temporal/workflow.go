package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// SummaryWorkflow reconciles every active wallet and then publishes
// earnings and the leaderboard. It is triggered by a Temporal schedule.
//
// A wallet that fails to reconcile after retries is reported in the result
// and does not stop the others from being summarized.
func SummaryWorkflow(ctx workflow.Context, input SummaryInput) (*SummaryResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SummaryWorkflow started")

	result := &SummaryResult{RunTime: workflow.Now(ctx)}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var wallets *ListActiveWalletsResult
	if err := workflow.ExecuteActivity(ctx, a.ListActiveWallets).Get(ctx, &wallets); err != nil {
		return result, fmt.Errorf("failed to list active wallets: %w", err)
	}
	result.Wallets = len(wallets.Addresses)

	futures := make([]workflow.Future, len(wallets.Addresses))
	for i, addr := range wallets.Addresses {
		futures[i] = workflow.ExecuteActivity(ctx, a.ReconcileWallet, ReconcileWalletInput{
			Address: addr,
			Limit:   input.PageSize,
		})
	}

	var reconciled []string
	for i, f := range futures {
		addr := wallets.Addresses[i]
		var res *ReconcileWalletResult
		if err := f.Get(ctx, &res); err != nil {
			logger.Warn("failed to reconcile wallet", "address", addr, "error", err)
			result.Failed = append(result.Failed, addr)
			continue
		}
		result.Ingested += res.Ingested
		reconciled = append(reconciled, addr)
	}

	var published *PublishSummaryResult
	err := workflow.ExecuteActivity(ctx, a.PublishSummary, PublishSummaryInput{
		Addresses:       reconciled,
		LeaderboardSize: input.LeaderboardSize,
	}).Get(ctx, &published)
	if err != nil {
		return result, fmt.Errorf("failed to publish summary: %w", err)
	}
	result.Published = published.Published

	logger.Info("SummaryWorkflow completed",
		"wallets", result.Wallets,
		"ingested", result.Ingested,
		"failed", len(result.Failed),
		"published", result.Published,
	)
	return result, nil
}
