// Copyright 2026 Trellis Building Automation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statsDuration time.Duration

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Run a discovery round and report transport statistics",
	Long: `Stats broadcasts a Who-Is, listens for the given duration and prints
the transport core's counters.

Examples:
  trellis-bacnet stats --duration 10s
  trellis-bacnet stats -o json`,

	RunE: runStats,
}

func init() {
	statsCmd.Flags().DurationVar(&statsDuration, "duration", 5*time.Second, "How long to listen")
}

func runStats(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+statsDuration)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	fmt.Fprintln(os.Stderr, "Listening...")

	if err := client.WhoIs(0, 0x3FFFFF); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	time.Sleep(statsDuration)

	snap := client.Metrics().Snapshot()

	if outputFmt == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("\nUptime:              %s\n", snap.Uptime.Round(time.Millisecond))
	fmt.Printf("Last activity:       %s\n", snap.LastActivity.Format(time.RFC3339))
	fmt.Println()
	fmt.Printf("Requests sent:       %d\n", snap.RequestsSent)
	fmt.Printf("Requests succeeded:  %d\n", snap.RequestsSucceeded)
	fmt.Printf("Requests failed:     %d\n", snap.RequestsFailed)
	fmt.Printf("Requests timed out:  %d\n", snap.RequestsTimedOut)
	fmt.Printf("Retransmits:         %d\n", snap.Retransmits)
	fmt.Println()
	fmt.Printf("Responses received:  %d\n", snap.ResponsesReceived)
	fmt.Printf("Stray replies:       %d\n", snap.StrayReplies)
	fmt.Printf("Malformed PDUs:      %d\n", snap.MalformedPDUs)
	fmt.Printf("Transport errors:    %d\n", snap.TransportErrors)
	fmt.Println()
	fmt.Printf("Segments sent:       %d\n", snap.SegmentsSent)
	fmt.Printf("Segments received:   %d\n", snap.SegmentsReceived)
	fmt.Printf("Reassembly timeouts: %d\n", snap.ReassemblyTimeouts)
	fmt.Println()
	fmt.Printf("Who-Is sent:         %d\n", snap.WhoIsSent)
	fmt.Printf("I-Am received:       %d\n", snap.IAmReceived)
	fmt.Printf("Devices discovered:  %d\n", snap.DevicesDiscovered)
	fmt.Println()
	fmt.Printf("Bytes sent:          %d\n", snap.BytesSent)
	fmt.Printf("Bytes received:      %d\n", snap.BytesReceived)

	if snap.LatencyStats.Count > 0 {
		fmt.Println()
		fmt.Printf("Latency (min/avg/max): %s / %s / %s over %d requests\n",
			snap.LatencyStats.Min, snap.LatencyStats.Avg, snap.LatencyStats.Max,
			snap.LatencyStats.Count)
	}

	return nil
}
