// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package forkbeard provides a transport.Adapter backed by the
// tinygo.org/x/bluetooth stack.
package forkbeard

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"tinygo.org/x/bluetooth"

	"github.com/kortschak/pmdstream/transport"
)

// Adapter is a transport.Adapter using a tinygo bluetooth adapter.
type Adapter struct {
	adapter *bluetooth.Adapter

	mu    sync.Mutex
	seen  map[string]bluetooth.Address
	conns map[string]*Conn
}

// NewAdapter enables the default system adapter and returns it as a
// transport.Adapter.
func NewAdapter() (*Adapter, error) {
	a := bluetooth.DefaultAdapter
	err := a.Enable()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enable bluetooth")
	}
	ad := &Adapter{
		adapter: a,
		seen:    make(map[string]bluetooth.Address),
		conns:   make(map[string]*Conn),
	}
	a.SetConnectHandler(ad.connectHandler)
	return ad, nil
}

func (a *Adapter) connectHandler(dev bluetooth.Device, connected bool) {
	if connected {
		return
	}
	addr := dev.Address.String()
	a.mu.Lock()
	c := a.conns[addr]
	delete(a.conns, addr)
	a.mu.Unlock()
	if c != nil {
		c.lost()
	}
}

// Scan scans until ctx is done. Only one scan may run at a time.
func (a *Adapter) Scan(ctx context.Context, filter func(transport.Advertisement) bool) (<-chan transport.Advertisement, error) {
	log := zerolog.Ctx(ctx)
	c := make(chan transport.Advertisement)
	done := make(chan struct{})
	go func() {
		defer close(c)
		defer close(done)
		err := a.adapter.Scan(func(_ *bluetooth.Adapter, found bluetooth.ScanResult) {
			adv := transport.Advertisement{
				Name:        found.LocalName(),
				Address:     found.Address.String(),
				RSSI:        int(found.RSSI),
				Connectable: true,
			}
			if filter != nil && !filter(adv) {
				return
			}
			a.mu.Lock()
			a.seen[adv.Address] = found.Address
			a.mu.Unlock()
			log.Trace().Str("name", adv.Name).Str("addr", adv.Address).Int("rssi", adv.RSSI).Msg("advertisement")
			select {
			case <-ctx.Done():
			case c <- adv:
			}
		})
		if err != nil {
			log.Error().Err(err).Msg("scan failed")
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			err := a.adapter.StopScan()
			if err != nil {
				log.Debug().Err(err).Msg("failed to stop scan")
			}
		case <-done:
		}
	}()
	return c, nil
}

// Connect connects to a peripheral previously returned by Scan.
func (a *Adapter) Connect(ctx context.Context, adv transport.Advertisement) (transport.Conn, error) {
	a.mu.Lock()
	addr, ok := a.seen[adv.Address]
	a.mu.Unlock()
	if !ok {
		return nil, errors.Errorf("no advertisement seen from %s", adv.Address)
	}
	type result struct {
		dev bluetooth.Device
		err error
	}
	res := make(chan result, 1)
	go func() {
		dev, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		res <- result{dev, err}
	}()
	var r result
	select {
	case <-ctx.Done():
		go func() {
			r := <-res
			if r.err == nil {
				r.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r = <-res:
	}
	if r.err != nil {
		return nil, errors.Wrapf(r.err, "failed to connect to %s", adv.Address)
	}
	c := &Conn{dev: r.dev, done: make(chan struct{})}
	a.mu.Lock()
	a.conns[adv.Address] = c
	a.mu.Unlock()
	return c, nil
}

// Conn is a connection to a peripheral.
type Conn struct {
	dev  bluetooth.Device
	once sync.Once
	done chan struct{}
}

func (c *Conn) lost() { c.once.Do(func() { close(c.done) }) }

func (c *Conn) Services(ctx context.Context) ([]uuid.UUID, error) {
	srvs, err := c.dev.DiscoverServices(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to discover services")
	}
	ids := make([]uuid.UUID, 0, len(srvs))
	for _, s := range srvs {
		id, err := fromUUID(s.UUID())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Characteristic returns a specified characteristic from a Bluetooth
// service.
func (c *Conn) Characteristic(ctx context.Context, srvID, charID uuid.UUID) (transport.Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	srv, err := c.dev.DiscoverServices([]bluetooth.UUID{toUUID(srvID)})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to discover service %s", srvID)
	}
	for _, s := range srv {
		char, err := s.DiscoverCharacteristics([]bluetooth.UUID{toUUID(charID)})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to discover characteristic %s", charID)
		}
		if len(char) == 0 {
			break
		}
		return &Characteristic{id: charID, char: char[0]}, nil
	}
	return nil, errors.Wrapf(transport.ErrNotFound, "characteristic %s in service %s", charID, srvID)
}

func (c *Conn) Disconnect() error {
	err := c.dev.Disconnect()
	c.lost()
	return err
}

func (c *Conn) Disconnected() <-chan struct{} { return c.done }

// Characteristic is a GATT characteristic on a connected peripheral.
type Characteristic struct {
	id   uuid.UUID
	char bluetooth.DeviceCharacteristic
}

func (c *Characteristic) UUID() uuid.UUID { return c.id }

// Read reads data from the characteristic.
func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mtu, err := c.char.GetMTU()
	if err != nil {
		return nil, errors.Wrap(err, "failed to obtain mtu of characteristic")
	}
	buf := make([]byte, mtu)
	n, err := c.char.Read(buf)
	if err != nil && err != io.EOF {
		return buf[:n], errors.Wrap(err, "failed to read response from characteristic")
	}
	return buf[:n], nil
}

func (c *Characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(write(c.char, data, withResponse), "failed to write to characteristic %s", c.id)
}

func (c *Characteristic) Subscribe(fn func(buf []byte)) error {
	return errors.Wrapf(c.char.EnableNotifications(fn), "failed to enable notifications for %s", c.id)
}

func (c *Characteristic) Unsubscribe() error {
	return errors.Wrapf(c.char.EnableNotifications(nil), "failed to disable notifications for %s", c.id)
}

func toUUID(u uuid.UUID) bluetooth.UUID {
	return bluetooth.NewUUID(u)
}

func fromUUID(u bluetooth.UUID) (uuid.UUID, error) {
	id, err := uuid.Parse(u.String())
	return id, errors.Wrapf(err, "invalid uuid %s", u)
}
