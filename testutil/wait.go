// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package testutil

import (
	"os"
	"time"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult repeatedly evaluates test until it succeeds or the retry
// budget is exhausted, at which point error is invoked with the last error.
func WaitForResult(test testFn, error errorFn) {
	WaitForResultRetries(500*TestMultiplier(), test, error)
}

// WaitForResultRetries is WaitForResult with an explicit retry budget.
func WaitForResultRetries(retries int64, test testFn, error errorFn) {
	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}

// TestMultiplier returns a multiplier for retries and waits given environment
// the tests are being run under.
func TestMultiplier() int64 {
	if IsCI() {
		return 4
	}
	return 1
}

// IsCI returns true if the tests appear to be running under CI.
func IsCI() bool {
	_, ok := os.LookupEnv("CI")
	return ok
}

// Timeout takes the desired timeout and increases it if running in CI.
func Timeout(original time.Duration) time.Duration {
	return original * time.Duration(TestMultiplier())
}
