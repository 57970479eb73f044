package scanner

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/mdslink/internal/bluetooth"
	"github.com/srg/mdslink/internal/groutine"
	"github.com/srg/mdslink/internal/ringchan"
	"github.com/srg/mdslink/pkg/mds"
)

// Condition is one scan filter. The set fields of a single Condition must
// all hold (AND); across a list, conditions are OR-ed: an advertisement is
// kept if any condition accepts it.
type Condition struct {
	// MatchAll accepts every advertisement.
	MatchAll bool
	// ConnectableOnly accepts only connectable advertisements.
	ConnectableOnly bool
	// ServiceUUID accepts advertisements carrying this service UUID.
	ServiceUUID string
}

// MatchAll accepts everything.
func MatchAll() Condition { return Condition{MatchAll: true} }

// Connectable accepts connectable advertisements only.
func Connectable() Condition { return Condition{ConnectableOnly: true} }

// AdvertisingService accepts advertisements that carry the given service.
func AdvertisingService(uuid string) Condition { return Condition{ServiceUUID: uuid} }

// AdvertisingMDS accepts advertisements that carry the Memfault Diagnostic
// Service.
func AdvertisingMDS() Condition { return AdvertisingService(mds.ServiceUUID) }

// AndConnectable narrows the condition to connectable advertisements.
func (c Condition) AndConnectable() Condition {
	c.ConnectableOnly = true
	return c
}

func (c Condition) accepts(adv bluetooth.Advertisement) bool {
	if c.MatchAll {
		return true
	}
	if !c.ConnectableOnly && c.ServiceUUID == "" {
		return false // an empty condition matches nothing
	}
	if c.ConnectableOnly && !adv.Connectable {
		return false
	}
	if c.ServiceUUID != "" {
		found := false
		for _, svc := range adv.Services {
			if mds.EqualUUID(svc, c.ServiceUUID) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DeviceInfo is the merged view of one discovered device. The radio emits
// duplicate records; the scanner merges them by identity with the newest
// advertisement winning.
type DeviceInfo struct {
	ID          string
	Name        string
	RSSI        int
	Connectable bool
	Services    []string
	LastSeen    time.Time
}

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type       DeviceEventType
	DeviceInfo DeviceInfo
}

// Scanner handles BLE device discovery. Scanning runs only while the
// should-scan flag is set; Start and Stop toggle it and the underlying radio
// scan with it.
type Scanner struct {
	transport bluetooth.ScanTransport
	logger    *logrus.Logger

	devices *hashmap.Map[string, *deviceRecord]
	events  *ringchan.RingChannel[DeviceEvent]

	shouldScan atomic.Bool
	cancelMu   sync.Mutex
	cancel     context.CancelFunc

	conditions []Condition
}

type deviceRecord struct {
	mu   sync.Mutex
	info DeviceInfo
}

// New creates a scanner on top of the radio's scan transport.
func New(transport bluetooth.ScanTransport, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		transport: transport,
		logger:    logger,
		devices:   hashmap.New[string, *deviceRecord](),
		events:    ringchan.New[DeviceEvent](100),
	}
}

// Start sets the should-scan flag and starts the radio scan. A second Start
// while scanning is a no-op. Scanning continues until Stop is called or ctx
// ends.
func (s *Scanner) Start(ctx context.Context, conditions ...Condition) {
	if !s.shouldScan.CompareAndSwap(false, true) {
		return
	}
	if len(conditions) == 0 {
		conditions = []Condition{MatchAll()}
	}
	s.conditions = conditions

	scanCtx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()

	s.logger.WithField("conditions", len(conditions)).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "ble-scan-pump", func(ctx context.Context) {
		defer s.shouldScan.Store(false)
		// Duplicates wanted: merging by identity happens here, not in the
		// radio.
		if err := s.transport.Scan(ctx, true, s.handleAdvertisement); err != nil {
			s.logger.WithField("error", err).Error("BLE scan failed")
		}
		s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	})
}

// Stop clears the should-scan flag and stops the underlying radio scan.
func (s *Scanner) Stop() {
	if !s.shouldScan.CompareAndSwap(true, false) {
		return
	}
	s.cancelMu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.cancelMu.Unlock()
}

// IsScanning reports whether the should-scan flag is set.
func (s *Scanner) IsScanning() bool {
	return s.shouldScan.Load()
}

// handleAdvertisement merges one raw advertisement into the device table.
func (s *Scanner) handleAdvertisement(adv bluetooth.Advertisement) {
	if !s.shouldIncludeDevice(adv) {
		return
	}

	rec, existing := s.devices.Get(adv.ID)
	if !existing {
		rec, existing = s.devices.GetOrInsert(adv.ID, &deviceRecord{info: DeviceInfo{ID: adv.ID}})
	}

	rec.mu.Lock()
	if adv.Name != "" {
		rec.info.Name = adv.Name
	}
	rec.info.RSSI = adv.RSSI
	rec.info.Connectable = adv.Connectable
	if len(adv.Services) > 0 {
		rec.info.Services = adv.Services
	}
	rec.info.LastSeen = time.Now()
	info := rec.info
	rec.mu.Unlock()

	event := DeviceEvent{DeviceInfo: info}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device": info.Name,
			"id":     info.ID,
			"rssi":   info.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}

	s.events.ForceSend(event)
}

// shouldIncludeDevice applies the OR-ed scan conditions.
func (s *Scanner) shouldIncludeDevice(adv bluetooth.Advertisement) bool {
	for _, cond := range s.conditions {
		if cond.accepts(adv) {
			return true
		}
	}
	return false
}

// Devices returns a snapshot of discovered devices, strongest signal first.
func (s *Scanner) Devices() []DeviceInfo {
	devs := make([]DeviceInfo, 0, s.devices.Len())
	s.devices.Range(func(_ string, rec *deviceRecord) bool {
		rec.mu.Lock()
		devs = append(devs, rec.info)
		rec.mu.Unlock()
		return true
	})
	sort.Slice(devs, func(i, j int) bool {
		return devs[i].RSSI > devs[j].RSSI
	})
	return devs
}

// Events returns a read-only channel of device events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
