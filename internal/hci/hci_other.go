// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package hci

import (
	"context"
	"errors"

	"github.com/kortschak/pmdstream/transport"
)

// ErrUnsupported is returned by NewAdapter on platforms without
// HCI socket support.
var ErrUnsupported = errors.New("hci transport is only supported on linux")

// Adapter is unavailable on this platform.
type Adapter struct{}

// NewAdapter returns ErrUnsupported.
func NewAdapter(ctx context.Context, id int) (*Adapter, error) {
	return nil, ErrUnsupported
}

func (a *Adapter) Close() error { return ErrUnsupported }

func (a *Adapter) Scan(ctx context.Context, filter func(transport.Advertisement) bool) (<-chan transport.Advertisement, error) {
	return nil, ErrUnsupported
}

func (a *Adapter) Connect(ctx context.Context, adv transport.Advertisement) (transport.Conn, error) {
	return nil, ErrUnsupported
}
