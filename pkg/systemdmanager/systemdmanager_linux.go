//go:build linux

package systemdmanager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds one lazily opened system bus connection. A failed call drops
// the connection so the next call reconnects.
type Manager struct {
	mu   sync.Mutex
	conn *dbus.Conn
	dial func(ctx context.Context) (*dbus.Conn, error)
}

func New() *Manager {
	return &Manager{dial: dbus.NewSystemConnectionContext}
}

func (m *Manager) connection(ctx context.Context) (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

func (m *Manager) drop(conn *dbus.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	conn.Close()
}

// Close closes the systemd connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Do runs action on unit and waits until systemd reports the job result.
// The returned message is human readable in both cases.
func (m *Manager) Do(ctx context.Context, unit string, action Action) (string, error) {
	unit = UnitName(unit)
	if unit == "" {
		return "", errors.New("unit name required")
	}
	conn, err := m.connection(ctx)
	if err != nil {
		return formatOperationMessage(action, unit, err), err
	}

	call := conn.RestartUnitContext
	switch action {
	case ActionStart:
		call = conn.StartUnitContext
	case ActionStop:
		call = conn.StopUnitContext
	case ActionReload:
		call = conn.ReloadUnitContext
	}

	done := make(chan string, 1)
	if _, err := call(ctx, unit, "replace", done); err != nil {
		if !isNoSuchUnitErr(err) {
			m.drop(conn)
		}
		err = fmt.Errorf("failed to %s %s: %w", action, unit, err)
		return formatOperationMessage(action, unit, err), err
	}

	select {
	case res := <-done:
		if res != "done" {
			err = &JobError{Unit: unit, Action: action, Result: res}
		}
	case <-ctx.Done():
		err = ctx.Err()
	}
	return formatOperationMessage(action, unit, err), err
}

// ActiveState returns the unit's ActiveState ("active", "failed", ...).
func (m *Manager) ActiveState(ctx context.Context, unit string) (string, error) {
	conn, err := m.connection(ctx)
	if err != nil {
		return "", err
	}
	p, err := conn.GetUnitPropertyContext(ctx, UnitName(unit), "ActiveState")
	if err != nil {
		return "", err
	}
	s, _ := p.Value.Value().(string)
	return s, nil
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
