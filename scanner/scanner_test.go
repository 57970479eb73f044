package scanner

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/mdslink/internal/bluetooth"
	"github.com/srg/mdslink/pkg/mds"
)

// fakeScanTransport replays a scripted advertisement sequence, signals
// delivered, then holds the scan open until the context ends.
type fakeScanTransport struct {
	advs      []bluetooth.Advertisement
	delivered chan struct{}
}

func (f *fakeScanTransport) Scan(ctx context.Context, _ bool, handler func(bluetooth.Advertisement)) error {
	for _, adv := range f.advs {
		handler(adv)
	}
	close(f.delivered)
	<-ctx.Done()
	return nil
}

func runScan(t *testing.T, advs []bluetooth.Advertisement, conditions ...Condition) *Scanner {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	transport := &fakeScanTransport{advs: advs, delivered: make(chan struct{})}
	s := New(transport, logger)

	s.Start(context.Background(), conditions...)
	t.Cleanup(s.Stop)

	select {
	case <-transport.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scripted advertisements")
	}
	return s
}

func TestScannerMergesDuplicatesByIdentity(t *testing.T) {
	// GOAL: Verify that repeated advertisements from the same device collapse
	// into one record with the newest values winning, while a missing name in
	// a later record never erases an earlier one.

	s := runScan(t, []bluetooth.Advertisement{
		{ID: "dev-a", Name: "MDS-Device", RSSI: -60, Connectable: true, Services: []string{mds.ServiceUUID}},
		{ID: "dev-a", Name: "", RSSI: -48, Connectable: true},
		{ID: "dev-b", Name: "Other", RSSI: -80, Connectable: false},
	})

	devs := s.Devices()
	require.Len(t, devs, 2)

	assert.Equal(t, "dev-a", devs[0].ID, "devices MUST sort strongest signal first")
	assert.Equal(t, "MDS-Device", devs[0].Name, "an empty name MUST NOT erase a known one")
	assert.Equal(t, -48, devs[0].RSSI, "the newest RSSI MUST win")
	assert.Equal(t, []string{mds.ServiceUUID}, devs[0].Services, "known services MUST survive a record without them")

	assert.Equal(t, "dev-b", devs[1].ID)
}

func TestScannerEmitsNewThenUpdated(t *testing.T) {
	s := runScan(t, []bluetooth.Advertisement{
		{ID: "dev-a", Name: "MDS-Device", RSSI: -60},
		{ID: "dev-a", RSSI: -55},
	})

	ev := <-s.Events()
	assert.Equal(t, EventNew, ev.Type)
	assert.Equal(t, "dev-a", ev.DeviceInfo.ID)

	ev = <-s.Events()
	assert.Equal(t, EventUpdated, ev.Type)
	assert.Equal(t, -55, ev.DeviceInfo.RSSI)
}

func TestScannerConditionsAreORed(t *testing.T) {
	// TEST SCENARIO: Filter for "connectable OR advertising MDS". A
	// non-connectable MDS device and a connectable non-MDS device both pass;
	// a device matching neither condition is dropped.

	s := runScan(t, []bluetooth.Advertisement{
		{ID: "mds-only", Connectable: false, Services: []string{mds.ServiceUUID}},
		{ID: "connectable-only", Connectable: true},
		{ID: "neither", Connectable: false},
	}, Connectable(), AdvertisingMDS())

	devs := s.Devices()
	require.Len(t, devs, 2)

	ids := []string{devs[0].ID, devs[1].ID}
	assert.Contains(t, ids, "mds-only")
	assert.Contains(t, ids, "connectable-only")
}

func TestCombinedConditionFieldsAreANDed(t *testing.T) {
	// TEST SCENARIO: Filter for connectable devices advertising MDS as one
	// combined condition. A non-connectable MDS device and a connectable
	// non-MDS device both fail it; only the device satisfying both passes.

	s := runScan(t, []bluetooth.Advertisement{
		{ID: "mds-connectable", Connectable: true, Services: []string{mds.ServiceUUID}},
		{ID: "mds-only", Connectable: false, Services: []string{mds.ServiceUUID}},
		{ID: "connectable-only", Connectable: true},
	}, AdvertisingMDS().AndConnectable())

	devs := s.Devices()
	require.Len(t, devs, 1, "fields within one condition MUST all hold")
	assert.Equal(t, "mds-connectable", devs[0].ID)
}

func TestServiceConditionIgnoresUUIDFormatting(t *testing.T) {
	s := runScan(t, []bluetooth.Advertisement{
		{ID: "dev-a", Services: []string{"54220000F6A54007A371722F4EBD8436"}},
	}, AdvertisingMDS())

	require.Len(t, s.Devices(), 1, "a dashless uppercase UUID MUST still match")
}

func TestScannerStartStop(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := New(&fakeScanTransport{delivered: make(chan struct{})}, logger)

	assert.False(t, s.IsScanning())

	s.Start(context.Background())
	assert.True(t, s.IsScanning())

	// A second Start while scanning changes nothing.
	s.Start(context.Background())
	assert.True(t, s.IsScanning())

	s.Stop()
	assert.Eventually(t, func() bool { return !s.IsScanning() },
		2*time.Second, 10*time.Millisecond, "Stop MUST end the radio scan")
}
