package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/spider-net/spider/identity"
	"github.com/spider-net/spider/sender"
	"github.com/spider-net/spider/ui"
)

const (
	headerPendingLinks = "pending links"
	headerDirectory    = "directory"
	headerChords       = "chords"
	headerDangerZone   = ui.DangerZoneHeader
)

// registerPendingSetting surfaces an approve/deny/code-entry row for a
// newly pending relation.
func (r *Router) registerPendingSetting(rel identity.Relation, code string) {
	title := rel.String()
	r.ui.SetSetting(headerPendingLinks, title, []ui.SettingInput{
		{Kind: ui.SettingButton, Label: "approve"},
		{Kind: ui.SettingButton, Label: "deny"},
		{Kind: ui.SettingTextEntry, Label: fmt.Sprintf("enter code (issued: %s)", code)},
	}, func(slot int, value string) {
		switch slot {
		case 0:
			r.ApprovePendingLink(rel)
		case 1:
			r.DenyPendingLink(rel)
		case 2:
			r.SubmitApprovalCode(rel, value)
		}
	})
}

func (r *Router) removePendingSetting(rel identity.Relation) {
	r.ui.RemoveSetting(headerPendingLinks, rel.String())
}

// registerDirectorySetting surfaces one known relation as an operator row:
// a nickname entry labelled with its current display name, a block/unblock
// toggle, and a forget button. Re-registered after every mutation so the
// labels track the entry.
func (r *Router) registerDirectorySetting(rel identity.Relation) {
	entry, ok := r.sd.DirectoryEntry(rel)
	if !ok {
		return
	}
	blockLabel := "block"
	if entry.Blocked() {
		blockLabel = "unblock"
	}
	r.ui.SetSetting(headerDirectory, rel.String(), []ui.SettingInput{
		{Kind: ui.SettingTextEntry, Label: "nickname (" + r.DisplayName(rel) + ")"},
		{Kind: ui.SettingButton, Label: blockLabel},
		{Kind: ui.SettingButton, Label: "forget"},
	}, func(slot int, value string) {
		switch slot {
		case 0:
			r.SetNickname(rel, value)
		case 1:
			if e, ok := r.sd.DirectoryEntry(rel); ok && e.Blocked() {
				r.UnblockRelation(rel)
			} else {
				r.BlockRelation(rel)
			}
		case 2:
			r.ClearDirectoryEntry(rel)
		}
	})
}

func (r *Router) removeDirectorySetting(rel identity.Relation) {
	r.ui.RemoveSetting(headerDirectory, rel.String())
}

// RegisterBaseSettings installs the chord join/host controls, one row per
// known directory entry, and the danger-zone rows the router owns;
// processor calls this once at startup.
func (r *Router) RegisterBaseSettings() {
	for rel := range r.sd.Directory() {
		r.registerDirectorySetting(rel)
	}

	r.ui.SetSetting(headerChords, "join a chord", []ui.SettingInput{
		{Kind: ui.SettingTextEntry, Label: "name@bootstrap address (blank address to host)"},
	}, func(slot int, value string) {
		name, addr, _ := strings.Cut(value, "@")
		if name == "" {
			return
		}
		cmd := sender.Command{HostChord: &sender.HostChordCmd{Name: name}}
		if addr != "" {
			cmd = sender.Command{JoinChord: &sender.JoinChordCmd{Name: name, Addr: addr}}
		}
		go r.DispatchCommand(context.Background(), cmd)
	})

	r.ui.SetSetting(headerDangerZone, "leave all chords", []ui.SettingInput{
		{Kind: ui.SettingButton, Label: "leave"},
	}, func(slot int, value string) {
		r.mu.Lock()
		names := make([]string, 0, len(r.chords))
		for name := range r.chords {
			names = append(names, name)
		}
		r.mu.Unlock()
		for _, name := range names {
			_ = r.LeaveChord(name)
		}
	})
}

// DispatchCommand runs an operator-issued Command against router state.
// Commands outside router's domain are ignored; processor routes those to
// the owning component instead.
func (r *Router) DispatchCommand(ctx context.Context, cmd sender.Command) {
	switch {
	case cmd.ApprovePendingLink != nil:
		r.ApprovePendingLink(cmd.ApprovePendingLink.Relation)
	case cmd.DenyPendingLink != nil:
		r.DenyPendingLink(cmd.DenyPendingLink.Relation)
	case cmd.SubmitApprovalCode != nil:
		r.SubmitApprovalCode(cmd.SubmitApprovalCode.Relation, cmd.SubmitApprovalCode.Code)
	case cmd.SetNickname != nil:
		r.SetNickname(cmd.SetNickname.Relation, cmd.SetNickname.Nickname)
	case cmd.BlockRelation != nil:
		r.BlockRelation(cmd.BlockRelation.Relation)
	case cmd.UnblockRelation != nil:
		r.UnblockRelation(cmd.UnblockRelation.Relation)
	case cmd.ClearDirectoryEntry != nil:
		r.ClearDirectoryEntry(cmd.ClearDirectoryEntry.Relation)
	case cmd.JoinChord != nil:
		if err := r.JoinChord(ctx, cmd.JoinChord.Name, cmd.JoinChord.Addr); err != nil {
			r.log.WithError(err).Warn("router: join chord failed")
		}
	case cmd.HostChord != nil:
		if err := r.HostChord(ctx, cmd.HostChord.Name); err != nil {
			r.log.WithError(err).Warn("router: host chord failed")
		}
	case cmd.LeaveChord != nil:
		_ = r.LeaveChord(cmd.LeaveChord.Name)
	case cmd.RenameSelf != nil:
		r.sd.SetName(cmd.RenameSelf.Name)
		_ = r.sd.Save()
	}
}
