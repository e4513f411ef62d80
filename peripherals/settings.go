package peripherals

import (
	"context"

	"github.com/spider-net/spider/sender"
	"github.com/spider-net/spider/ui"
)

const headerPeripherals = "peripherals"

// RegisterBaseSettings installs the "install new peripheral" row; processor
// calls this once at startup.
func (m *Manager) RegisterBaseSettings() {
	m.ui.SetSetting(headerPeripherals, "install new peripheral", []ui.SettingInput{
		{Kind: ui.SettingTextEntry, Label: "git url"},
	}, func(slot int, value string) {
		if err := m.Install(value); err != nil {
			m.log.WithError(err).Warn("peripherals: install failed")
		}
	})
}

func (m *Manager) registerServiceSetting(name string) {
	m.ui.SetSetting(headerPeripherals, name, []ui.SettingInput{
		{Kind: ui.SettingText, Label: statusLabel(m.Status(name))},
		{Kind: ui.SettingButton, Label: "start"},
		{Kind: ui.SettingButton, Label: "stop"},
		{Kind: ui.SettingButton, Label: "remove"},
	}, func(slot int, value string) {
		switch slot {
		case 1:
			_ = m.Start(name)
		case 2:
			_ = m.Stop(name)
		case 3:
			_ = m.Remove(name)
		}
	})
}

func (m *Manager) removeServiceSetting(name string) {
	m.ui.RemoveSetting(headerPeripherals, name)
}

func statusLabel(s ServiceStatus) string {
	switch s {
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "uninstalled"
	}
}

// DispatchCommand runs an operator-issued peripheral Command.
func (m *Manager) DispatchCommand(_ context.Context, cmd sender.Command) {
	switch {
	case cmd.InstallPeripheral != nil:
		if err := m.Install(cmd.InstallPeripheral.URL); err != nil {
			m.log.WithError(err).Warn("peripherals: install failed")
		}
	case cmd.StartPeripheral != nil:
		_ = m.Start(cmd.StartPeripheral.Name)
	case cmd.StopPeripheral != nil:
		_ = m.Stop(cmd.StopPeripheral.Name)
	case cmd.RemovePeripheral != nil:
		_ = m.Remove(cmd.RemovePeripheral.Name)
	}
}
