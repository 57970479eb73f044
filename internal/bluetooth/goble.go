package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
	"github.com/sirupsen/logrus"

	"github.com/srg/mdslink/internal/groutine"
	"github.com/srg/mdslink/internal/ringchan"
	"github.com/srg/mdslink/pkg/mds"
)

// DefaultStreamBuffer is the buffer size for characteristic data streams.
const DefaultStreamBuffer = 128

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func() (ble.Device, error) {
	dev, err := darwin.NewDevice()
	if err != nil {
		// Wrap Bluetooth state errors with clearer messages
		if strings.Contains(err.Error(), "central manager has invalid state") {
			if strings.Contains(err.Error(), "have=4") { // StatePoweredOff
				return nil, fmt.Errorf("Bluetooth is turned off - please enable Bluetooth and retry")
			}
			return nil, fmt.Errorf("Bluetooth is not ready - %w", err)
		}
		return nil, err
	}
	return dev, nil
}

// BLETransport is the go-ble-backed Transport. It owns the single radio
// handle for the process; everything above this layer refers to peripherals
// by identity string only.
type BLETransport struct {
	logger *logrus.Logger
	guard  *Guard

	radioMu sync.Mutex
	radio   ble.Device

	devMu   sync.RWMutex
	devices map[string]*blePeripheral
}

// blePeripheral tracks one connected peripheral: the live client handle, the
// discovered attribute tables, and the open data streams.
type blePeripheral struct {
	id     string
	client ble.Client

	mu       sync.RWMutex
	services map[string]*ble.Service                    // normalized service UUID
	chars    map[string]map[string]*ble.Characteristic // service UUID -> char UUID
	streams  map[string][]*ringchan.RingChannel[StreamValue]
	closed   bool

	localDisconnect atomic.Bool
}

// NewBLETransport creates a Transport backed by the platform BLE stack. The
// radio itself is created lazily on first use.
func NewBLETransport(logger *logrus.Logger) *BLETransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &BLETransport{
		logger:  logger,
		guard:   NewGuard(),
		devices: make(map[string]*blePeripheral),
	}
}

// ensureRadio creates the radio on first use and registers it as the default
// device for dialing.
func (t *BLETransport) ensureRadio() (ble.Device, error) {
	t.radioMu.Lock()
	defer t.radioMu.Unlock()
	if t.radio != nil {
		return t.radio, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	t.radio = dev
	return dev, nil
}

// Scan delivers raw advertisement records until ctx ends. Context
// cancellation and deadline expiry are normal scan termination, not errors.
func (t *BLETransport) Scan(ctx context.Context, allowDuplicates bool, handler func(Advertisement)) error {
	dev, err := t.ensureRadio()
	if err != nil {
		return err
	}

	t.logger.WithField("allow_duplicates", allowDuplicates).Info("Starting BLE scan...")

	err = dev.Scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
		services := make([]string, 0, len(adv.Services()))
		for _, u := range adv.Services() {
			services = append(services, u.String())
		}
		handler(Advertisement{
			ID:          adv.Addr().String(),
			Name:        adv.LocalName(),
			RSSI:        adv.RSSI(),
			Connectable: adv.Connectable(),
			Services:    services,
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapPlatform(err)
	}
	return nil
}

// resolveOp runs one blocking platform call through a single-owner completion
// slot, racing it against link loss and ctx cancellation. Whichever settles
// first wins; a late platform return finds the slot resolved and is
// discarded, so a suspended operation is never resumed twice.
func resolveOp[T any](ctx context.Context, deviceID string, disconnected <-chan struct{}, call func() (T, error)) (T, error) {
	slot := NewCompletion[T]()

	groutine.Go(ctx, "ble-op-"+deviceID, func(context.Context) {
		v, err := call()
		slot.Resolve(v, WrapPlatform(err))
	})
	groutine.Go(ctx, "ble-op-monitor-"+deviceID, func(context.Context) {
		select {
		case <-disconnected:
			var zero T
			slot.Resolve(zero, &TransportError{Kind: UnexpectedDisconnection, Attribute: deviceID})
		case <-slot.done:
		}
	})

	return slot.Await(ctx)
}

func (t *BLETransport) peripheral(deviceID string) (*blePeripheral, error) {
	t.devMu.RLock()
	defer t.devMu.RUnlock()
	p, ok := t.devices[deviceID]
	if !ok {
		return nil, NotFound(CannotRetrievePeripheral, deviceID)
	}
	return p, nil
}

// Connect dials the peripheral and starts the link monitor that completes or
// fails open data streams when the connection ends.
func (t *BLETransport) Connect(ctx context.Context, deviceID string) error {
	if err := t.guard.Begin(deviceID, "connect"); err != nil {
		return err
	}
	defer t.guard.End(deviceID)

	if _, err := t.peripheral(deviceID); err == nil {
		return WrapPlatform(fmt.Errorf("device %q already connected", deviceID))
	}

	if _, err := t.ensureRadio(); err != nil {
		return err
	}

	t.logger.WithField("device", deviceID).Info("Connecting to BLE device...")

	client, err := ble.Dial(ctx, ble.NewAddr(deviceID))
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"device": deviceID,
			"error":  err,
		}).Error("Failed to dial BLE device")
		return WrapPlatform(err)
	}

	p := &blePeripheral{
		id:       deviceID,
		client:   client,
		services: make(map[string]*ble.Service),
		chars:    make(map[string]map[string]*ble.Characteristic),
		streams:  make(map[string][]*ringchan.RingChannel[StreamValue]),
	}

	t.devMu.Lock()
	t.devices[deviceID] = p
	t.devMu.Unlock()

	groutine.Go(context.Background(), "ble-link-monitor-"+deviceID, func(context.Context) {
		<-client.Disconnected()
		if p.localDisconnect.Load() {
			return // orderly disconnect already completed the streams
		}
		t.logger.WithField("device", deviceID).Warn("Peripheral dropped the connection unexpectedly")
		p.failStreams(&TransportError{Kind: UnexpectedDisconnection, Attribute: deviceID})
		t.devMu.Lock()
		delete(t.devices, deviceID)
		t.devMu.Unlock()
	})

	t.logger.WithField("device", deviceID).Info("BLE device connected")
	return nil
}

// DiscoverServices discovers services, optionally filtered, and records them
// for characteristic lookup.
func (t *BLETransport) DiscoverServices(ctx context.Context, deviceID string, serviceUUIDs []string) ([]string, error) {
	if err := t.guard.Begin(deviceID, "discover_services"); err != nil {
		return nil, err
	}
	defer t.guard.End(deviceID)

	p, err := t.peripheral(deviceID)
	if err != nil {
		return nil, err
	}

	filter, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return nil, err
	}

	services, err := resolveOp(ctx, deviceID, p.client.Disconnected(), func() ([]*ble.Service, error) {
		return p.client.DiscoverServices(filter)
	})
	if err != nil {
		return nil, err
	}

	found := make([]string, 0, len(services))
	p.mu.Lock()
	for _, svc := range services {
		uuid := mds.NormalizeUUID(svc.UUID.String())
		p.services[uuid] = svc
		if _, ok := p.chars[uuid]; !ok {
			p.chars[uuid] = make(map[string]*ble.Characteristic)
		}
		found = append(found, uuid)
	}
	p.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"device":   deviceID,
		"services": len(found),
	}).Debug("Discovered services")
	return found, nil
}

// DiscoverCharacteristics discovers characteristics of an already-discovered
// service.
func (t *BLETransport) DiscoverCharacteristics(ctx context.Context, deviceID, serviceUUID string, characteristicUUIDs []string) ([]string, error) {
	if err := t.guard.Begin(deviceID, "discover_characteristics"); err != nil {
		return nil, err
	}
	defer t.guard.End(deviceID)

	p, err := t.peripheral(deviceID)
	if err != nil {
		return nil, err
	}

	svcUUID := mds.NormalizeUUID(serviceUUID)
	p.mu.RLock()
	svc, ok := p.services[svcUUID]
	p.mu.RUnlock()
	if !ok {
		return nil, NotFound(CannotRetrieveService, serviceUUID)
	}

	filter, err := parseUUIDs(characteristicUUIDs)
	if err != nil {
		return nil, err
	}

	chars, err := resolveOp(ctx, deviceID, p.client.Disconnected(), func() ([]*ble.Characteristic, error) {
		return p.client.DiscoverCharacteristics(filter, svc)
	})
	if err != nil {
		return nil, err
	}

	found := make([]string, 0, len(chars))
	p.mu.Lock()
	for _, char := range chars {
		uuid := mds.NormalizeUUID(char.UUID.String())
		p.chars[svcUUID][uuid] = char
		found = append(found, uuid)
	}
	p.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"device":          deviceID,
		"service":         svcUUID,
		"characteristics": len(found),
	}).Debug("Discovered characteristics")
	return found, nil
}

// characteristic resolves an already-discovered characteristic locally, with
// no radio round-trip.
func (p *blePeripheral) characteristic(serviceUUID, characteristicUUID string) (*ble.Characteristic, error) {
	svcUUID := mds.NormalizeUUID(serviceUUID)
	charUUID := mds.NormalizeUUID(characteristicUUID)

	p.mu.RLock()
	defer p.mu.RUnlock()
	chars, ok := p.chars[svcUUID]
	if !ok {
		return nil, NotFound(CannotRetrieveService, serviceUUID)
	}
	char, ok := chars[charUUID]
	if !ok {
		return nil, NotFound(CannotRetrieveCharacteristic, characteristicUUID)
	}
	return char, nil
}

// ReadCharacteristic reads the current value of a characteristic.
func (t *BLETransport) ReadCharacteristic(ctx context.Context, deviceID, serviceUUID, characteristicUUID string) ([]byte, error) {
	if err := t.guard.Begin(deviceID, "read"); err != nil {
		return nil, err
	}
	defer t.guard.End(deviceID)

	p, err := t.peripheral(deviceID)
	if err != nil {
		return nil, err
	}
	char, err := p.characteristic(serviceUUID, characteristicUUID)
	if err != nil {
		return nil, err
	}

	return resolveOp(ctx, deviceID, p.client.Disconnected(), func() ([]byte, error) {
		return p.client.ReadCharacteristic(char)
	})
}

// WriteCharacteristic writes data to a characteristic. ATT write responses
// carry no payload on this stack, so leftover bytes a device answers the
// enable-write with arrive as a notification on the data stream instead.
func (t *BLETransport) WriteCharacteristic(ctx context.Context, deviceID, serviceUUID, characteristicUUID string, data []byte, mode WriteMode) ([]byte, error) {
	if err := t.guard.Begin(deviceID, "write"); err != nil {
		return nil, err
	}
	defer t.guard.End(deviceID)

	p, err := t.peripheral(deviceID)
	if err != nil {
		return nil, err
	}
	char, err := p.characteristic(serviceUUID, characteristicUUID)
	if err != nil {
		return nil, err
	}

	noRsp := mode == WriteWithoutResponse
	return resolveOp(ctx, deviceID, p.client.Disconnected(), func() ([]byte, error) {
		return nil, p.client.WriteCharacteristic(char, data, noRsp)
	})
}

// SetNotify toggles the notification subscription and returns the resulting
// subscription state.
func (t *BLETransport) SetNotify(ctx context.Context, deviceID, serviceUUID, characteristicUUID string, enabled bool) (bool, error) {
	if err := t.guard.Begin(deviceID, "set_notify"); err != nil {
		return false, err
	}
	defer t.guard.End(deviceID)

	p, err := t.peripheral(deviceID)
	if err != nil {
		return false, err
	}
	char, err := p.characteristic(serviceUUID, characteristicUUID)
	if err != nil {
		return false, err
	}

	key := streamKey(serviceUUID, characteristicUUID)
	if enabled {
		subscribed, err := resolveOp(ctx, deviceID, p.client.Disconnected(), func() (bool, error) {
			if err := p.client.Subscribe(char, false, func(data []byte) {
				p.fanout(key, data)
			}); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return subscribed, err
		}
		t.logger.WithFields(logrus.Fields{
			"device":         deviceID,
			"characteristic": characteristicUUID,
		}).Info("Subscribed to characteristic notifications")
		return subscribed, nil
	}

	stillNotifying, err := resolveOp(ctx, deviceID, p.client.Disconnected(), func() (bool, error) {
		if err := p.client.Unsubscribe(char, false); err != nil {
			// The subscription survives a failed unsubscribe.
			return true, err
		}
		return false, nil
	})
	if err != nil {
		return stillNotifying, err
	}
	t.logger.WithFields(logrus.Fields{
		"device":         deviceID,
		"characteristic": characteristicUUID,
	}).Info("Unsubscribed from characteristic notifications")
	return false, nil
}

// DataStream opens a long-lived stream of updates for one characteristic.
// Streams bypass the single-flight guard so a chunk arriving while a
// request/response operation is in flight is queued, not dropped.
func (t *BLETransport) DataStream(deviceID, serviceUUID, characteristicUUID string) (<-chan StreamValue, error) {
	p, err := t.peripheral(deviceID)
	if err != nil {
		return nil, err
	}

	key := streamKey(serviceUUID, characteristicUUID)
	rc := ringchan.New[StreamValue](DefaultStreamBuffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		rc.Close()
		return rc.C(), nil
	}
	p.streams[key] = append(p.streams[key], rc)
	return rc.C(), nil
}

// Disconnect cancels the connection and completes all open data streams.
func (t *BLETransport) Disconnect(ctx context.Context, deviceID string) error {
	if err := t.guard.Begin(deviceID, "disconnect"); err != nil {
		return err
	}
	defer t.guard.End(deviceID)

	p, err := t.peripheral(deviceID)
	if err != nil {
		return err
	}

	p.localDisconnect.Store(true)

	t.logger.WithField("device", deviceID).Info("Disconnecting BLE device...")
	disconnectErr := p.client.CancelConnection()

	p.completeStreams()

	t.devMu.Lock()
	delete(t.devices, deviceID)
	t.devMu.Unlock()

	if disconnectErr != nil {
		t.logger.WithFields(logrus.Fields{
			"device": deviceID,
			"error":  disconnectErr,
		}).Warn("BLE device disconnected with errors")
		return WrapPlatform(disconnectErr)
	}
	t.logger.WithField("device", deviceID).Info("BLE device disconnected")
	return nil
}

// fanout delivers one notification to every stream open on the
// characteristic. The payload is copied once; ring buffers never block the
// notification callback.
func (p *blePeripheral) fanout(key string, data []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	streams := p.streams[key]
	if len(streams) == 0 {
		return
	}
	value := StreamValue{Data: append([]byte(nil), data...)}
	for _, rc := range streams {
		rc.ForceSend(value)
	}
}

// completeStreams closes all open streams without error (orderly disconnect).
func (p *blePeripheral) completeStreams() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, streams := range p.streams {
		for _, rc := range streams {
			rc.Close()
		}
	}
	p.streams = make(map[string][]*ringchan.RingChannel[StreamValue])
}

// failStreams delivers a final error value on all open streams, then closes
// them (unexpected disconnection).
func (p *blePeripheral) failStreams(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, streams := range p.streams {
		for _, rc := range streams {
			rc.ForceSend(StreamValue{Err: err})
			rc.Close()
		}
	}
	p.streams = make(map[string][]*ringchan.RingChannel[StreamValue])
}

func streamKey(serviceUUID, characteristicUUID string) string {
	return mds.NormalizeUUID(serviceUUID) + "/" + mds.NormalizeUUID(characteristicUUID)
}

func parseUUIDs(uuids []string) ([]ble.UUID, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	parsed := make([]ble.UUID, 0, len(uuids))
	for _, s := range uuids {
		u, err := ble.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", s, err)
		}
		parsed = append(parsed, u)
	}
	return parsed, nil
}
