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
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/trellis-bas/bacnet"
)

var (
	resolveDeviceID uint32
	resolveTimeout  time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve a device instance to its network address",
	Long: `Resolve broadcasts a targeted Who-Is for one device instance and waits
for its I-Am announcement.

Examples:
  # Resolve device 1234
  trellis-bacnet resolve -d 1234`,

	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().Uint32VarP(&resolveDeviceID, "device", "d", 0, "Device instance to resolve")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "resolve-timeout", 5*time.Second, "Discovery timeout")
	resolveCmd.MarkFlagRequired("device")
}

func runResolve(cmd *cobra.Command, args []string) error {
	client, err := createClient(bacnet.WithDiscoveryTimeout(resolveTimeout))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+resolveTimeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	info, err := client.ResolveDevice(ctx, resolveDeviceID)
	if err != nil {
		if errors.Is(err, bacnet.ErrDeviceUnreachable) {
			return fmt.Errorf("device %d did not answer within %s", resolveDeviceID, resolveTimeout)
		}
		return fmt.Errorf("resolve: %w", err)
	}

	if outputFmt == "json" {
		fmt.Printf(`{"device_id": %d, "address": "%s", "vendor_id": %d, "segmentation": "%s", "max_apdu": %d}`+"\n",
			info.ObjectID.Instance,
			info.Address.String(),
			info.VendorID,
			info.Segmentation.String(),
			info.MaxAPDULength,
		)
		return nil
	}

	fmt.Printf("Device ID:    %d\n", info.ObjectID.Instance)
	fmt.Printf("Address:      %s\n", info.Address.String())
	fmt.Printf("Vendor ID:    %d\n", info.VendorID)
	fmt.Printf("Segmentation: %s\n", info.Segmentation.String())
	fmt.Printf("Max APDU:     %d\n", info.MaxAPDULength)
	return nil
}
