//go:build !linux

package systemdmanager

import "context"

type Manager struct{}

func New(context.Context) (*Manager, error) { return nil, ErrUnsupported }

func (m *Manager) Close() error { return nil }

func (m *Manager) Status(context.Context, string) (UnitStatus, error) {
	return UnitStatus{}, ErrUnsupported
}

func (m *Manager) Restart(context.Context, string) error { return ErrUnsupported }
