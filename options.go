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

package bacnet

import (
	"log/slog"
	"time"
)

// UnconfirmedHandler receives unconfirmed requests the core does not
// consume itself (everything except I-Am)
type UnconfirmedHandler func(src DeviceAddress, service UnconfirmedServiceChoice, data []byte)

// clientOptions holds configuration for the transport core
type clientOptions struct {
	// Network configuration
	bindAddress      string
	bindPort         int
	broadcastAddress string

	// BBMD / foreign device registration
	bbmdAddress      string
	bbmdPort         int
	foreignDeviceTTL time.Duration

	// Transaction defaults
	defaultTimeout time.Duration
	maxRetries     int

	// Segmentation
	maxAPDULength  uint16
	segmentWindow  uint8
	reassemblyIdle time.Duration

	// Discovery
	deviceCacheTTL   time.Duration
	discoveryTimeout time.Duration

	// Stream transport for resolved unicast destinations
	tcpEnabled        bool
	tcpConnectTimeout time.Duration
	tcpIdleTimeout    time.Duration

	// Application callbacks
	unconfirmedHandler UnconfirmedHandler

	// Logging
	logger *slog.Logger
}

// defaultOptions returns the default client options
func defaultOptions() *clientOptions {
	return &clientOptions{
		bindAddress:       "0.0.0.0",
		bindPort:          DefaultPort,
		broadcastAddress:  "255.255.255.255",
		bbmdPort:          DefaultPort,
		defaultTimeout:    3 * time.Second,
		maxRetries:        3,
		maxAPDULength:     MaxAPDULength,
		segmentWindow:     1,
		reassemblyIdle:    5 * time.Second,
		deviceCacheTTL:    5 * time.Minute,
		discoveryTimeout:  5 * time.Second,
		tcpConnectTimeout: 10 * time.Second,
		tcpIdleTimeout:    60 * time.Second,
		logger:            slog.Default(),
	}
}

// Option is a functional option for configuring the client
type Option func(*clientOptions)

// WithBindAddress sets the local address to bind the UDP socket to
func WithBindAddress(addr string) Option {
	return func(o *clientOptions) {
		o.bindAddress = addr
	}
}

// WithBindPort sets the local UDP port
func WithBindPort(port int) Option {
	return func(o *clientOptions) {
		o.bindPort = port
	}
}

// WithBroadcastAddress sets the address used for local broadcasts
func WithBroadcastAddress(addr string) Option {
	return func(o *clientOptions) {
		o.broadcastAddress = addr
	}
}

// WithBBMD sets the BBMD (BACnet Broadcast Management Device) address for
// foreign device registration
func WithBBMD(addr string, port int, ttl time.Duration) Option {
	return func(o *clientOptions) {
		o.bbmdAddress = addr
		o.bbmdPort = port
		o.foreignDeviceTTL = ttl
	}
}

// WithDefaultTimeout sets the per-attempt timeout for confirmed requests
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.defaultTimeout = d
	}
}

// WithMaxRetries sets the default retry budget for confirmed requests
func WithMaxRetries(n int) Option {
	return func(o *clientOptions) {
		o.maxRetries = n
	}
}

// WithMaxAPDULength sets the maximum APDU size; larger payloads are
// segmented
func WithMaxAPDULength(length uint16) Option {
	return func(o *clientOptions) {
		o.maxAPDULength = length
	}
}

// WithSegmentWindow sets the proposed/accepted segment window size
func WithSegmentWindow(size uint8) Option {
	return func(o *clientOptions) {
		if size > 0 {
			o.segmentWindow = size
		}
	}
}

// WithReassemblyIdle bounds how long a partial segmented response may
// stall before the reassembly buffer is released
func WithReassemblyIdle(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reassemblyIdle = d
	}
}

// WithDeviceCacheTTL sets the expiry of resolved device addresses
func WithDeviceCacheTTL(d time.Duration) Option {
	return func(o *clientOptions) {
		o.deviceCacheTTL = d
	}
}

// WithDiscoveryTimeout bounds how long a device resolution may wait for an
// I-Am
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.discoveryTimeout = d
	}
}

// WithTCPTransport routes unicast traffic for resolved destinations over
// the stream binding instead of UDP. Broadcast discovery stays on UDP.
func WithTCPTransport(connectTimeout, idleTimeout time.Duration) Option {
	return func(o *clientOptions) {
		o.tcpEnabled = true
		if connectTimeout > 0 {
			o.tcpConnectTimeout = connectTimeout
		}
		if idleTimeout > 0 {
			o.tcpIdleTimeout = idleTimeout
		}
	}
}

// WithUnconfirmedHandler registers a callback for unconfirmed requests the
// core does not consume itself
func WithUnconfirmedHandler(h UnconfirmedHandler) Option {
	return func(o *clientOptions) {
		o.unconfirmedHandler = h
	}
}

// WithLogger sets the logger for the client
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ReplyCardinality declares the reply a confirmed request expects
type ReplyCardinality uint8

const (
	// ReplySimple expects a SimpleAck
	ReplySimple ReplyCardinality = iota
	// ReplyComplex expects a ComplexAck, possibly segmented
	ReplyComplex
)

// RequestOptions holds per-request overrides of the client defaults
type RequestOptions struct {
	Timeout    time.Duration
	MaxRetries int
	Window     uint8
	Expects    ReplyCardinality
}

// RequestOption is a functional option for a single confirmed request
type RequestOption func(*RequestOptions)

// WithRequestTimeout overrides the per-attempt timeout for one request
func WithRequestTimeout(d time.Duration) RequestOption {
	return func(o *RequestOptions) {
		o.Timeout = d
	}
}

// WithRequestRetries overrides the retry budget for one request
func WithRequestRetries(n int) RequestOption {
	return func(o *RequestOptions) {
		o.MaxRetries = n
	}
}

// WithRequestWindow overrides the proposed segment window for one request
func WithRequestWindow(size uint8) RequestOption {
	return func(o *RequestOptions) {
		if size > 0 {
			o.Window = size
		}
	}
}

// WithExpectedReply declares the reply cardinality for one request. The
// core does not interpret service semantics, so the caller states which
// ack kind its service contract allows; a reply of the other kind fails
// the request with ErrUnexpectedReply. Defaults to ReplyComplex.
func WithExpectedReply(c ReplyCardinality) RequestOption {
	return func(o *RequestOptions) {
		o.Expects = c
	}
}
