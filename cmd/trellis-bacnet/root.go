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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/trellis-bas/bacnet"
)

var (
	cfgFile      string
	localAddress string
	localPort    int
	broadcast    string
	timeout      time.Duration
	retries      int
	outputFmt    string
	verbose      bool
	useTCP       bool
	bbmdAddress  string
	bbmdPort     int
	bbmdTTL      time.Duration

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "trellis-bacnet",
	Short: "BACnet/IP transport diagnostics CLI",
	Long: `trellis-bacnet exercises the BACnet transport core against live networks.

It discovers devices, resolves device instances to addresses, sends raw
confirmed requests and reports transport statistics.

Examples:
  # Discover devices on the network
  trellis-bacnet scan

  # Resolve a device instance to its address
  trellis-bacnet resolve -d 1234

  # Send a raw confirmed request (service choice + hex payload)
  trellis-bacnet send -a 10.1.2.3:47808 -s 12 -P 0c020000010c194c`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))

		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.trellis-bacnet.yaml)")
	rootCmd.PersistentFlags().StringVar(&localAddress, "local", "0.0.0.0", "Local address to bind to")
	rootCmd.PersistentFlags().IntVarP(&localPort, "port", "p", bacnet.DefaultPort, "Local BACnet/IP port")
	rootCmd.PersistentFlags().StringVar(&broadcast, "broadcast", "255.255.255.255", "Broadcast address")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "Per-attempt request timeout")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 3, "Number of retries")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&useTCP, "tcp", false, "Use the stream transport for unicast traffic")
	rootCmd.PersistentFlags().StringVar(&bbmdAddress, "bbmd", "", "BBMD address for foreign device registration")
	rootCmd.PersistentFlags().IntVar(&bbmdPort, "bbmd-port", bacnet.DefaultPort, "BBMD port")
	rootCmd.PersistentFlags().DurationVar(&bbmdTTL, "bbmd-ttl", 60*time.Second, "BBMD registration TTL")

	viper.BindPFlag("local", rootCmd.PersistentFlags().Lookup("local"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("broadcast", rootCmd.PersistentFlags().Lookup("broadcast"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("retries", rootCmd.PersistentFlags().Lookup("retries"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("tcp", rootCmd.PersistentFlags().Lookup("tcp"))
	viper.BindPFlag("bbmd", rootCmd.PersistentFlags().Lookup("bbmd"))
	viper.BindPFlag("bbmd-port", rootCmd.PersistentFlags().Lookup("bbmd-port"))
	viper.BindPFlag("bbmd-ttl", rootCmd.PersistentFlags().Lookup("bbmd-ttl"))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".trellis-bacnet")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACNET")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// createClient creates a BACnet client with current configuration
func createClient(extra ...bacnet.Option) (*bacnet.Client, error) {
	opts := []bacnet.Option{
		bacnet.WithBindAddress(localAddress),
		bacnet.WithBindPort(localPort),
		bacnet.WithBroadcastAddress(broadcast),
		bacnet.WithDefaultTimeout(timeout),
		bacnet.WithMaxRetries(retries),
		bacnet.WithLogger(logger),
	}

	if useTCP {
		opts = append(opts, bacnet.WithTCPTransport(0, 0))
	}

	if bbmdAddress != "" {
		opts = append(opts, bacnet.WithBBMD(bbmdAddress, bbmdPort, bbmdTTL))
	}

	opts = append(opts, extra...)
	return bacnet.NewClient(opts...)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("trellis-bacnet version 1.0.0")
	},
}
