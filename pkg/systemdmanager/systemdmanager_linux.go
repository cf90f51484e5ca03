//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager talks to the system bus. Safe for concurrent use.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func (m *Manager) get() (*dbus.Conn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	return m.conn, nil
}

// Status uses ListUnitsByPatterns for the core state and only pulls the
// property map for units that are down.
func (m *Manager) Status(ctx context.Context, name string) (UnitStatus, error) {
	conn, err := m.get()
	if err != nil {
		return UnitStatus{}, err
	}
	unit := UnitName(name)

	units, err := conn.ListUnitsByPatternsContext(ctx, nil, []string{unit})
	if err == nil && len(units) > 0 {
		u := units[0]
		for _, x := range units {
			if x.Name == unit {
				u = x
				break
			}
		}
		st := UnitStatus{
			Name:        name,
			Active:      u.ActiveState,
			SubState:    u.SubState,
			LoadState:   u.LoadState,
			Description: u.Description,
		}
		if st.Missing() {
			return missing(name), nil
		}
		if st.IsActive() {
			return st, nil
		}
		if props, perr := conn.GetUnitPropertiesContext(ctx, unit); perr == nil {
			st.ActiveExit = parseTimestamp(props, "ActiveExitTimestamp")
			st.InactiveSince = parseTimestamp(props, "InactiveEnterTimestamp")
			st.StateChange = parseTimestamp(props, "StateChangeTimestamp")
		}
		return st, nil
	}

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return missing(name), nil
		}
		return UnitStatus{}, fmt.Errorf("status of %s: %w", unit, err)
	}
	st := UnitStatus{
		Name:          name,
		Active:        stringProp(props, "ActiveState"),
		SubState:      stringProp(props, "SubState"),
		LoadState:     stringProp(props, "LoadState"),
		Description:   stringProp(props, "Description"),
		ActiveExit:    parseTimestamp(props, "ActiveExitTimestamp"),
		InactiveSince: parseTimestamp(props, "InactiveEnterTimestamp"),
		StateChange:   parseTimestamp(props, "StateChangeTimestamp"),
	}
	if st.Missing() {
		return missing(name), nil
	}
	return st, nil
}

// Restart queues a restart job and waits for its result or ctx.
func (m *Manager) Restart(ctx context.Context, name string) error {
	conn, err := m.get()
	if err != nil {
		return err
	}
	unit := UnitName(name)
	done := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("restart %s: %w", unit, err)
	}
	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("restart %s: job %s", unit, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
