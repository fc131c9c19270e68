// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

// Package hci provides a transport.Adapter that drives a Linux HCI
// device directly using github.com/go-ble/ble.
package hci

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kortschak/pmdstream/transport"
)

// mtu is the ATT MTU requested after connection. Polar sensors
// negotiate 232 bytes, which holds a full measurement frame.
const mtu = 232

// Adapter is a transport.Adapter using an HCI device.
type Adapter struct {
	dev *linux.Device
}

// NewAdapter opens the HCI device with the provided ID, hci0 being 0.
func NewAdapter(ctx context.Context, id int) (*Adapter, error) {
	zerolog.Ctx(ctx).Debug().Int("device_id", id).Msg("initializing hci device")
	dev, err := linux.NewDevice(
		ble.OptDeviceID(id),
		ble.OptScanParams(cmd.LESetScanParameters{
			LEScanType:           0x01,   // 0x00: passive, 0x01: active
			LEScanInterval:       0x0010, // 0x0004 - 0x4000; N * 0.625msec
			LEScanWindow:         0x0010, // 0x0004 - 0x4000; N * 0.625msec
			OwnAddressType:       0x00,   // 0x00: public, 0x01: random
			ScanningFilterPolicy: 0x00,   // 0x00: accept all, 0x01: ignore non-allow-listed.
		}),
		ble.OptConnParams(cmd.LECreateConnection{
			LEScanInterval:        0x0004,    // 0x0004 - 0x4000; N * 0.625 msec
			LEScanWindow:          0x0004,    // 0x0004 - 0x4000; N * 0.625 msec
			InitiatorFilterPolicy: 0x00,      // White list is not used
			PeerAddressType:       0x00,      // Public Device Address
			PeerAddress:           [6]byte{}, //
			OwnAddressType:        0x00,      // Public Device Address
			ConnIntervalMin:       0x0006,    // 0x0006 - 0x0C80; N * 1.25 msec
			ConnIntervalMax:       0x0018,    // 0x0006 - 0x0C80; N * 1.25 msec
			ConnLatency:           0x0000,    // 0x0000 - 0x01F3; N * 1.25 msec
			SupervisionTimeout:    0x0190,    // 0x000A - 0x0C80; N * 10 msec
			MinimumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
			MaximumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
		}),
	)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to init bluetooth device")
	}
	return &Adapter{dev: dev}, nil
}

// Close releases the HCI device.
func (a *Adapter) Close() error {
	return a.dev.Stop()
}

func (a *Adapter) Scan(ctx context.Context, filter func(transport.Advertisement) bool) (<-chan transport.Advertisement, error) {
	log := zerolog.Ctx(ctx)
	c := make(chan transport.Advertisement)
	go func() {
		defer close(c)
		err := a.dev.Scan(ctx, false, func(found ble.Advertisement) {
			adv := transport.Advertisement{
				Name:        found.LocalName(),
				Address:     found.Addr().String(),
				RSSI:        found.RSSI(),
				Connectable: found.Connectable(),
			}
			if filter != nil && !filter(adv) {
				return
			}
			log.Trace().Str("name", adv.Name).Str("addr", adv.Address).Int("rssi", adv.RSSI).Msg("advertisement")
			// The library may call the handler after ctx is done.
			select {
			case <-ctx.Done():
			case c <- adv:
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Error().Err(err).Msg("scan failed")
		}
	}()
	return c, nil
}

func (a *Adapter) Connect(ctx context.Context, adv transport.Advertisement) (transport.Conn, error) {
	log := zerolog.Ctx(ctx)
	cln, err := a.dev.Dial(ctx, ble.NewAddr(adv.Address))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to connect to %s", adv.Address)
	}
	txMTU, err := cln.ExchangeMTU(mtu)
	if err != nil {
		log.Warn().Err(err).Msg("failed to exchange mtu")
	} else {
		log.Debug().Int("mtu", txMTU).Msg("exchanged mtu")
	}
	return &Conn{client: cln}, nil
}

// Conn is a connection to a peripheral.
type Conn struct {
	client ble.Client

	mu       sync.Mutex
	services []*ble.Service
}

func (c *Conn) discover() ([]*ble.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.services != nil {
		return c.services, nil
	}
	srvs, err := c.client.DiscoverServices(nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to discover services")
	}
	c.services = srvs
	return srvs, nil
}

func (c *Conn) Services(ctx context.Context) ([]uuid.UUID, error) {
	srvs, err := c.discover()
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(srvs))
	for _, s := range srvs {
		id, err := fromUUID(s.UUID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Conn) Characteristic(ctx context.Context, srvID, charID uuid.UUID) (transport.Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	srvs, err := c.discover()
	if err != nil {
		return nil, err
	}
	want := toUUID(srvID)
	for _, s := range srvs {
		if !s.UUID.Equal(want) {
			continue
		}
		chars, err := c.client.DiscoverCharacteristics([]ble.UUID{toUUID(charID)}, s)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to discover characteristic %s", charID)
		}
		if len(chars) == 0 {
			break
		}
		char := chars[0]
		// The client characteristic configuration descriptor is
		// needed to subscribe.
		_, err = c.client.DiscoverDescriptors(nil, char)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to discover descriptors of %s", charID)
		}
		return &Characteristic{id: charID, client: c.client, char: char}, nil
	}
	return nil, pkgerrors.Wrapf(transport.ErrNotFound, "characteristic %s in service %s", charID, srvID)
}

func (c *Conn) Disconnect() error {
	return c.client.CancelConnection()
}

func (c *Conn) Disconnected() <-chan struct{} { return c.client.Disconnected() }

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic struct {
	id     uuid.UUID
	client ble.Client
	char   *ble.Characteristic
}

func (c *Characteristic) UUID() uuid.UUID { return c.id }

func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := c.client.ReadCharacteristic(c.char)
	return b, pkgerrors.Wrapf(err, "failed to read characteristic %s", c.id)
}

func (c *Characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.client.WriteCharacteristic(c.char, data, !withResponse)
	return pkgerrors.Wrapf(err, "failed to write characteristic %s", c.id)
}

// indicate returns whether the characteristic only supports
// indications. The PMD control point is such a characteristic.
func (c *Characteristic) indicate() bool {
	return c.char.Property&ble.CharNotify == 0 && c.char.Property&ble.CharIndicate != 0
}

func (c *Characteristic) Subscribe(fn func(buf []byte)) error {
	err := c.client.Subscribe(c.char, c.indicate(), ble.NotificationHandler(fn))
	return pkgerrors.Wrapf(err, "failed to subscribe to %s", c.id)
}

func (c *Characteristic) Unsubscribe() error {
	err := c.client.Unsubscribe(c.char, c.indicate())
	return pkgerrors.Wrapf(err, "failed to unsubscribe from %s", c.id)
}
