// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/entraauth/tokencore/internal/oauth/ops/authority"
	"github.com/montanaflynn/stats"
)

// populatePartitions fills the partitioned cache with tokens tokens for each
// of users assertions, the shape an on-behalf-of service cache takes.
func populatePartitions(t *testing.T, m *PartitionedManager, users, tokens int) {
	t.Helper()
	for user := 0; user < users; user++ {
		for token := 0; token < tokens; token++ {
			params := testAuthParams(t, fmt.Sprintf("scope%d", token))
			params.AuthorizeType = authority.ATOnBehalfOf
			params.UserAssertion = fmt.Sprintf("assertion%d", user)

			tr := fakeTokenResponse([]string{fmt.Sprintf("scope%d", token)}, "rt", "")
			tr.ClientInfo.UTID = fmt.Sprintf("utid%d", user)
			if _, err := m.Write(params, tr); err != nil {
				t.Fatalf("populating cache: %v", err)
			}
		}
	}
}

func TestPartitionedReadLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cache latency measurement in short mode")
	}
	const (
		users  = 100
		tokens = 20
		reads  = 2000
	)

	m := NewPartitionedManager(fakeResolver{})
	populatePartitions(t, m, users, tokens)

	durations := make([]float64, 0, reads)
	for i := 0; i < reads; i++ {
		params := testAuthParams(t, fmt.Sprintf("scope%d", i%tokens))
		params.AuthorizeType = authority.ATOnBehalfOf
		params.UserAssertion = fmt.Sprintf("assertion%d", i%users)

		start := time.Now()
		tr, err := m.Read(context.Background(), params)
		durations = append(durations, float64(time.Since(start)))
		if err != nil {
			t.Fatalf("Read returned error: %v", err)
		}
		if tr.AccessToken.IsZero() {
			t.Fatalf("read %d missed a token that was written", i)
		}
	}

	mean, err := stats.Mean(durations)
	if err != nil {
		t.Fatal(err)
	}
	median, err := stats.Median(durations)
	if err != nil {
		t.Fatal(err)
	}
	p99, err := stats.Percentile(durations, 99)
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("partitioned read over %d users x %d tokens: mean %.1fµs median %.1fµs p99 %.1fµs",
		users, tokens, mean/float64(time.Microsecond), median/float64(time.Microsecond), p99/float64(time.Microsecond))

	// Partitioning exists so lookups scan one partition, not the whole
	// cache. A millisecond median would mean that property is lost.
	if med := time.Duration(median); med > time.Millisecond {
		t.Errorf("median read latency %v, want under 1ms", med)
	}
}
