// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package transporttest provides an in-memory transport for testing
// code that talks to Bluetooth peripherals.
package transporttest

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/kortschak/pmdstream/transport"
)

// Adapter is an in-memory transport.Adapter serving a fixed set of
// peripherals.
type Adapter struct {
	mu      sync.Mutex
	devices []*Device

	// ConnectErr, when non-nil, is called before each connection
	// attempt and its non-nil result is returned from Connect.
	ConnectErr func(adv transport.Advertisement) error

	connects int
}

// NewAdapter returns an Adapter advertising the provided devices.
func NewAdapter(devs ...*Device) *Adapter {
	return &Adapter{devices: devs}
}

// Connects returns the number of Connect calls made.
func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

func (a *Adapter) Scan(ctx context.Context, filter func(transport.Advertisement) bool) (<-chan transport.Advertisement, error) {
	a.mu.Lock()
	devs := slices.Clone(a.devices)
	a.mu.Unlock()
	c := make(chan transport.Advertisement)
	go func() {
		defer close(c)
		for _, d := range devs {
			adv := d.Advertisement()
			if filter != nil && !filter(adv) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case c <- adv:
			}
		}
		<-ctx.Done()
	}()
	return c, nil
}

func (a *Adapter) Connect(ctx context.Context, adv transport.Advertisement) (transport.Conn, error) {
	a.mu.Lock()
	a.connects++
	hook := a.ConnectErr
	a.mu.Unlock()
	if hook != nil {
		if err := hook(adv); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range a.devices {
		if d.Address == adv.Address {
			return d.connect(), nil
		}
	}
	return nil, fmt.Errorf("no device at %s", adv.Address)
}

// Device is a simulated peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int

	mu       sync.Mutex
	services map[uuid.UUID][]*Characteristic
	order    []uuid.UUID
	conn     *Conn
}

// NewDevice returns a new simulated peripheral.
func NewDevice(name, addr string) *Device {
	return &Device{
		Name:     name,
		Address:  addr,
		RSSI:     -60,
		services: make(map[uuid.UUID][]*Characteristic),
	}
}

// Advertisement returns the advertisement the device emits.
func (d *Device) Advertisement() transport.Advertisement {
	return transport.Advertisement{
		Name:        d.Name,
		Address:     d.Address,
		RSSI:        d.RSSI,
		Connectable: true,
	}
}

// AddCharacteristic adds a characteristic to the service srv and
// returns it for configuration.
func (d *Device) AddCharacteristic(srv, char uuid.UUID) *Characteristic {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.services[srv]; !ok {
		d.order = append(d.order, srv)
	}
	c := &Characteristic{id: char}
	d.services[srv] = append(d.services[srv], c)
	return c
}

// Conn returns the most recent connection to the device, or nil.
func (d *Device) Conn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func (d *Device) connect() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &Conn{dev: d, done: make(chan struct{})}
	d.conn = c
	return c
}

// Conn is a simulated connection.
type Conn struct {
	dev  *Device
	once sync.Once
	done chan struct{}
}

func (c *Conn) Services(ctx context.Context) ([]uuid.UUID, error) {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	return slices.Clone(c.dev.order), nil
}

func (c *Conn) Characteristic(ctx context.Context, srv, char uuid.UUID) (transport.Characteristic, error) {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	chars, ok := c.dev.services[srv]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", srv, transport.ErrNotFound)
	}
	for _, ch := range chars {
		if ch.id == char {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("characteristic %s: %w", char, transport.ErrNotFound)
}

func (c *Conn) Disconnect() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Conn) Disconnected() <-chan struct{} { return c.done }

// Drop simulates loss of the link.
func (c *Conn) Drop() { c.Disconnect() }

// Characteristic is a simulated characteristic.
type Characteristic struct {
	id uuid.UUID

	mu      sync.Mutex
	value   []byte
	readErr error
	onWrite func(c *Characteristic, data []byte)
	writes  [][]byte
	notify  func([]byte)
}

func (c *Characteristic) UUID() uuid.UUID { return c.id }

// SetValue sets the value returned by Read.
func (c *Characteristic) SetValue(v []byte) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = bytes.Clone(v)
	return c
}

// SetReadError sets the error returned by Read.
func (c *Characteristic) SetReadError(err error) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
	return c
}

// OnWrite sets a function called after each write. It is typically
// used to answer control point commands with Notify.
func (c *Characteristic) OnWrite(fn func(c *Characteristic, data []byte)) *Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWrite = fn
	return c
}

// Writes returns a copy of all data written to the characteristic.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := make([][]byte, len(c.writes))
	for i, b := range c.writes {
		w[i] = bytes.Clone(b)
	}
	return w
}

// Subscribed returns whether a notification handler is installed.
func (c *Characteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify != nil
}

// Notify delivers buf to the subscribed handler, if any. It reports
// whether a handler was called.
func (c *Characteristic) Notify(buf []byte) bool {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(bytes.Clone(buf))
	return true
}

func (c *Characteristic) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return bytes.Clone(c.value), nil
}

func (c *Characteristic) Write(ctx context.Context, data []byte, withResponse bool) error {
	c.mu.Lock()
	c.writes = append(c.writes, bytes.Clone(data))
	fn := c.onWrite
	c.mu.Unlock()
	if fn != nil {
		go fn(c, bytes.Clone(data))
	}
	return nil
}

func (c *Characteristic) Subscribe(fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
	return nil
}

func (c *Characteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = nil
	return nil
}
