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

// addressFailureLimit is the number of consecutive transport failures to an
// address before its cache entries are invalidated as stale
const addressFailureLimit = 3

// resolveOutcome is delivered once per discovery waiter
type resolveOutcome struct {
	info *DeviceInfo
	err  error
}

// cacheEntry is one device-instance to address mapping with its refresh time
type cacheEntry struct {
	info      *DeviceInfo
	refreshed time.Time
}

// pendingDiscovery coalesces concurrent resolve calls for one unresolved
// device instance: a single Who-Is broadcast, many waiters
type pendingDiscovery struct {
	instance uint32
	deadline time.Time
	waiters  []chan resolveOutcome
}

// addressResolver maps device instance numbers to network addresses via a
// TTL cache backed by Who-Is/I-Am broadcast discovery. All state is mutated
// on the client's event loop goroutine.
type addressResolver struct {
	ttl              time.Duration
	discoveryTimeout time.Duration

	cache       map[uint32]*cacheEntry
	discoveries map[uint32]*pendingDiscovery
	failures    map[string]int // consecutive transport failures per address

	broadcast func(service UnconfirmedServiceChoice, data []byte) error
	metrics   *Metrics
	logger    *slog.Logger
}

func newAddressResolver(ttl, discoveryTimeout time.Duration, broadcast func(UnconfirmedServiceChoice, []byte) error, metrics *Metrics, logger *slog.Logger) *addressResolver {
	return &addressResolver{
		ttl:              ttl,
		discoveryTimeout: discoveryTimeout,
		cache:            make(map[uint32]*cacheEntry),
		discoveries:      make(map[uint32]*pendingDiscovery),
		failures:         make(map[string]int),
		broadcast:        broadcast,
		metrics:          metrics,
		logger:           logger,
	}
}

// lookup returns the cached device info if present and unexpired
func (r *addressResolver) lookup(instance uint32, now time.Time) *DeviceInfo {
	entry := r.cache[instance]
	if entry == nil {
		return nil
	}
	if r.ttl > 0 && now.Sub(entry.refreshed) > r.ttl {
		delete(r.cache, instance)
		return nil
	}
	return entry.info
}

// resolve returns cached info immediately, or registers the waiter on a
// discovery, issuing the Who-Is broadcast only for the first caller.
func (r *addressResolver) resolve(instance uint32, waiter chan resolveOutcome, now time.Time) {
	if info := r.lookup(instance, now); info != nil {
		waiter <- resolveOutcome{info: info}
		return
	}

	disc := r.discoveries[instance]
	if disc != nil {
		disc.waiters = append(disc.waiters, waiter)
		return
	}

	disc = &pendingDiscovery{
		instance: instance,
		deadline: now.Add(r.discoveryTimeout),
		waiters:  []chan resolveOutcome{waiter},
	}
	r.discoveries[instance] = disc

	r.metrics.WhoIsSent.Inc()
	if err := r.broadcast(ServiceWhoIs, EncodeWhoIs(instance, instance)); err != nil {
		r.metrics.TransportErrors.Inc()
		r.logger.Debug("who-is broadcast failed", slog.String("error", err.Error()))
		// the discovery deadline still bounds the wait
	}
}

// handleIAm caches an announcement and resolves any coalesced waiters
func (r *addressResolver) handleIAm(info *DeviceInfo, now time.Time) {
	r.metrics.IAmReceived.Inc()

	instance := info.ObjectID.Instance
	if _, known := r.cache[instance]; !known {
		r.metrics.DevicesDiscovered.Inc()
	}
	r.cache[instance] = &cacheEntry{info: info, refreshed: now}
	delete(r.failures, info.Address.key())

	r.logger.Debug("device discovered",
		slog.Uint64("device_id", uint64(instance)),
		slog.String("address", info.Address.String()),
		slog.Uint64("vendor_id", uint64(info.VendorID)),
	)

	if disc := r.discoveries[instance]; disc != nil {
		delete(r.discoveries, instance)
		for _, w := range disc.waiters {
			w <- resolveOutcome{info: info}
		}
	}
}

// expire fails every discovery whose deadline passed with DeviceUnreachable
func (r *addressResolver) expire(now time.Time) {
	for instance, disc := range r.discoveries {
		if disc.deadline.After(now) {
			continue
		}
		delete(r.discoveries, instance)
		r.metrics.DiscoveryTimeouts.Inc()
		for _, w := range disc.waiters {
			w <- resolveOutcome{err: ErrDeviceUnreachable}
		}
	}
}

// nextDeadline returns the earliest discovery deadline
func (r *addressResolver) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	for _, disc := range r.discoveries {
		if earliest.IsZero() || disc.deadline.Before(earliest) {
			earliest = disc.deadline
		}
	}
	return earliest, !earliest.IsZero()
}

// noteFailure records a transport failure toward an address. Repeated
// failures invalidate cache entries pointing at it, forcing rediscovery.
func (r *addressResolver) noteFailure(addr DeviceAddress) {
	key := addr.key()
	r.failures[key]++
	if r.failures[key] < addressFailureLimit {
		return
	}
	delete(r.failures, key)
	for instance, entry := range r.cache {
		if entry.info.Address.Equal(addr) {
			delete(r.cache, instance)
			r.logger.Debug("cache entry invalidated after transport failures",
				slog.Uint64("device_id", uint64(instance)),
				slog.String("address", addr.String()),
			)
		}
	}
}

// noteSuccess clears the failure streak for an address
func (r *addressResolver) noteSuccess(addr DeviceAddress) {
	delete(r.failures, addr.key())
}

// devices returns a snapshot of every cached device
func (r *addressResolver) devices() []*DeviceInfo {
	out := make([]*DeviceInfo, 0, len(r.cache))
	for _, entry := range r.cache {
		out = append(out, entry.info)
	}
	return out
}

// EncodeWhoIs encodes Who-Is service parameters limiting the responding
// device instance range. low == high targets a single instance; a zero
// range (0, 0x3FFFFF) asks every device to respond.
func EncodeWhoIs(low, high uint32) []byte {
	if low == 0 && high >= 0x3FFFFF {
		return nil
	}
	data := make([]byte, 0, 10)
	data = append(data, EncodeContextUnsigned(0, low)...)
	data = append(data, EncodeContextUnsigned(1, high)...)
	return data
}

// ParseIAm decodes I-Am service parameters. src is the transport source of
// the announcement; a source specifier in npdu overrides it for devices
// behind a router.
func ParseIAm(data []byte, src DeviceAddress, npdu *NPDU) (*DeviceInfo, error) {
	// device object identifier
	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil || class != TagClassApplication || ApplicationTag(tagNum) != TagObjectID || length != 4 {
		return nil, ErrInvalidAPDU
	}
	if headerLen+4 > len(data) {
		return nil, ErrInvalidAPDU
	}
	oid := DecodeObjectIdentifier(DecodeUnsigned(data[headerLen : headerLen+4]))
	if oid.Type != ObjectTypeDevice {
		return nil, ErrInvalidAPDU
	}
	offset := headerLen + 4

	// max APDU length accepted
	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || class != TagClassApplication || ApplicationTag(tagNum) != TagUnsignedInt || offset+headerLen+length > len(data) {
		return nil, ErrInvalidAPDU
	}
	maxAPDU := uint16(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
	offset += headerLen + length

	// segmentation supported
	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || class != TagClassApplication || ApplicationTag(tagNum) != TagEnumerated || offset+headerLen+length > len(data) {
		return nil, ErrInvalidAPDU
	}
	segmentation := Segmentation(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
	offset += headerLen + length

	// vendor id
	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || class != TagClassApplication || ApplicationTag(tagNum) != TagUnsignedInt || offset+headerLen+length > len(data) {
		return nil, ErrInvalidAPDU
	}
	vendorID := uint16(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))

	addr := src
	if npdu != nil && npdu.Source != nil {
		addr = *npdu.Source
	}

	return &DeviceInfo{
		ObjectID:      oid,
		Address:       addr,
		MaxAPDULength: maxAPDU,
		Segmentation:  segmentation,
		VendorID:      vendorID,
	}, nil
}

// EncodeIAm encodes I-Am service parameters, for devices announcing
// themselves and for tests injecting announcements.
func EncodeIAm(instance uint32, maxAPDU uint16, segmentation Segmentation, vendorID uint16) []byte {
	data := make([]byte, 0, 16)
	data = append(data, EncodeObjectIdentifierTag(ObjectIdentifier{Type: ObjectTypeDevice, Instance: instance})...)
	data = append(data, EncodeUnsignedTag(uint32(maxAPDU))...)
	data = append(data, EncodeEnumeratedTag(uint32(segmentation))...)
	data = append(data, EncodeUnsignedTag(uint32(vendorID))...)
	return data
}
