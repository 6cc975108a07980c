package relaytests

import (
	"context"
	"fmt"
	"time"
)

// DefaultPollInterval is how often the wait helpers re-check their condition.
const DefaultPollInterval = 10 * time.Millisecond

// WaitFor polls condition until it returns true or timeout runs out.
func WaitFor(ctx context.Context, condition func() bool, timeout time.Duration) error {
	_, err := WaitForCheckedConditionWithResult(ctx, func() (*struct{}, error) {
		if condition() {
			return &struct{}{}, nil
		}
		return nil, nil
	}, func(t *struct{}, _ error) bool {
		return t != nil
	}, timeout, DefaultPollInterval)
	return err
}

// WaitForConditionWithResult polls condition until it returns a result or an error.
func WaitForConditionWithResult[T any](
	ctx context.Context,
	condition func() (*T, error),
	timeout time.Duration,
	pollInterval time.Duration,
) (*T, error) {
	return WaitForCheckedConditionWithResult(ctx, condition, func(t *T, err error) bool {
		return err != nil || t != nil
	}, timeout, pollInterval)
}

// WaitForCheckedConditionWithResult polls condition until canReturnChecker accepts its outcome or timeout occurs.
func WaitForCheckedConditionWithResult[T any](
	ctx context.Context,
	condition func() (*T, error), canReturnChecker func(*T, error) bool,
	timeout time.Duration,
	pollInterval time.Duration,
) (*T, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		result, err := condition()
		if canReturnChecker(result, err) {
			return result, err
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("condition not met within timeout of %v", timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
