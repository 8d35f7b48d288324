//go:build !linux

package systemdmanager

import "context"

type Manager struct{}

func New() *Manager { return &Manager{} }

func (m *Manager) Close() error { return nil }

func (m *Manager) Do(ctx context.Context, unit string, action Action) (string, error) {
	return formatOperationMessage(action, UnitName(unit), ErrUnsupported), ErrUnsupported
}

func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	return "", ErrUnsupported
}
