package processor

import (
	"github.com/spider-net/spider/sender"
	"github.com/spider-net/spider/ui"
)

const headerSystem = "system"

// registerSettings installs the System section (rename/show-key/exit) and
// every other component's own rows; called once at startup.
func (p *Processor) registerSettings() {
	p.ui.SetSetting(headerSystem, "rename this base", []ui.SettingInput{
		{Kind: ui.SettingTextEntry, Label: "name"},
	}, func(slot int, value string) {
		p.snd.Command(sender.Command{RenameSelf: &sender.RenameSelfCmd{Name: value}})
	})

	p.ui.SetSetting(headerSystem, "show own key", []ui.SettingInput{
		{Kind: ui.SettingButton, Label: "show"},
	}, func(slot int, value string) {
		p.snd.Command(sender.Command{ShowOwnKey: &struct{}{}})
	})

	p.ui.SetSetting(headerSystem, "exit", []ui.SettingInput{
		{Kind: ui.SettingButton, Label: "exit"},
	}, func(slot int, value string) {
		p.snd.Command(sender.Command{Exit: &struct{}{}})
	})

	p.rtr.RegisterBaseSettings()
	p.peri.RegisterBaseSettings()
}
