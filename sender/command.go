package sender

import "github.com/spider-net/spider/identity"

// Command is the tagged enum of operator-triggered actions a settings row
// callback produces: one closed sum type, dispatched by whichever component
// owns the action.
type Command struct {
	ApprovePendingLink  *ApprovePendingLinkCmd
	DenyPendingLink     *DenyPendingLinkCmd
	SubmitApprovalCode  *SubmitApprovalCodeCmd
	SetNickname         *SetNicknameCmd
	BlockRelation       *BlockRelationCmd
	UnblockRelation     *UnblockRelationCmd
	ClearDirectoryEntry *ClearDirectoryEntryCmd
	JoinChord           *JoinChordCmd
	HostChord           *HostChordCmd
	LeaveChord          *LeaveChordCmd
	RenameSelf          *RenameSelfCmd
	ShowOwnKey          *struct{}
	Exit                *struct{}
	InstallPeripheral   *InstallPeripheralCmd
	StartPeripheral     *StartPeripheralCmd
	StopPeripheral      *StopPeripheralCmd
	RemovePeripheral    *RemovePeripheralCmd
}

type ApprovePendingLinkCmd struct{ Relation identity.Relation }
type DenyPendingLinkCmd struct{ Relation identity.Relation }
type SubmitApprovalCodeCmd struct {
	Relation identity.Relation
	Code     string
}
type SetNicknameCmd struct {
	Relation identity.Relation
	Nickname string
}
type BlockRelationCmd struct{ Relation identity.Relation }
type UnblockRelationCmd struct{ Relation identity.Relation }
type ClearDirectoryEntryCmd struct{ Relation identity.Relation }
type JoinChordCmd struct {
	Name string
	Addr string
}
type HostChordCmd struct{ Name string }
type LeaveChordCmd struct{ Name string }
type RenameSelfCmd struct{ Name string }
type InstallPeripheralCmd struct{ URL string }
type StartPeripheralCmd struct{ Name string }
type StopPeripheralCmd struct{ Name string }
type RemovePeripheralCmd struct{ Name string }
