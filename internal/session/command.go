package session

import (
	"strings"

	"pkt.systems/xferd/internal/job"
)

// Command is a control command known to the session.
type Command int

// Session commands.
const (
	CmdBye Command = iota
	CmdQuit
	CmdSyst
	CmdFeat
	CmdNoop
	CmdPwd
	CmdCwd
	CmdCdup
	CmdMkd
	CmdDele
	CmdRnfr
	CmdRnto
	CmdRmd
	CmdPasv
	CmdEpsv
	CmdList
	CmdStat
	CmdMlst
	CmdMlsd
	CmdSize
	CmdRang
	CmdRest
	CmdRetr
	CmdAllo
	CmdStor
	CmdAppe
	CmdMfmt
	CmdMff
	CmdType
	CmdKeepAlive
	CmdOpts
	CmdHash
	CmdSyncToClient
	CmdSyncToServer
	CmdSendFile
	CmdReceiveFile
	CmdRcpStatus
	CmdRcpAbort
	CmdAbor
	numCommands
)

type commandInfo struct {
	name  string
	level job.AccessLevel
}

var commandTable = [numCommands]commandInfo{
	CmdBye:          {"BYE", job.AccessNone},
	CmdQuit:         {"QUIT", job.AccessNone},
	CmdSyst:         {"SYST", job.AccessNone},
	CmdFeat:         {"FEAT", job.AccessNone},
	CmdNoop:         {"NOOP", job.AccessNone},
	CmdPwd:          {"PWD", job.AccessInfo},
	CmdCwd:          {"CWD", job.AccessInfo},
	CmdCdup:         {"CDUP", job.AccessInfo},
	CmdMkd:          {"MKD", job.AccessFull},
	CmdDele:         {"DELE", job.AccessFull},
	CmdRnfr:         {"RNFR", job.AccessWrite},
	CmdRnto:         {"RNTO", job.AccessWrite},
	CmdRmd:          {"RMD", job.AccessFull},
	CmdPasv:         {"PASV", job.AccessNone},
	CmdEpsv:         {"EPSV", job.AccessNone},
	CmdList:         {"LIST", job.AccessInfo},
	CmdStat:         {"STAT", job.AccessInfo},
	CmdMlst:         {"MLST", job.AccessInfo},
	CmdMlsd:         {"MLSD", job.AccessInfo},
	CmdSize:         {"SIZE", job.AccessInfo},
	CmdRang:         {"RANG", job.AccessRead},
	CmdRest:         {"REST", job.AccessRead},
	CmdRetr:         {"RETR", job.AccessRead},
	CmdAllo:         {"ALLO", job.AccessWrite},
	CmdStor:         {"STOR", job.AccessWrite},
	CmdAppe:         {"APPE", job.AccessWrite},
	CmdMfmt:         {"MFMT", job.AccessWrite},
	CmdMff:          {"MFF", job.AccessWrite},
	CmdType:         {"TYPE", job.AccessNone},
	CmdKeepAlive:    {"KEEP-ALIVE", job.AccessNone},
	CmdOpts:         {"OPTS", job.AccessNone},
	CmdHash:         {"HASH", job.AccessRead},
	CmdSyncToClient: {"SYNC-TO-CLIENT", job.AccessRead},
	CmdSyncToServer: {"SYNC-TO-SERVER", job.AccessWrite},
	CmdSendFile:     {"SEND-FILE", job.AccessRead},
	CmdReceiveFile:  {"RECEIVE-FILE", job.AccessWrite},
	CmdRcpStatus:    {"RCP-STATUS", job.AccessNone},
	CmdRcpAbort:     {"RCP-ABORT", job.AccessNone},
	CmdAbor:         {"ABOR", job.AccessNone},
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, numCommands)
	for i, info := range commandTable {
		m[info.name] = Command(i)
	}
	return m
}()

// ParseCommand maps a wire token (any case) to its Command.
func ParseCommand(token string) (Command, bool) {
	c, ok := commandsByName[strings.ToUpper(token)]
	return c, ok
}

func (c Command) String() string {
	if c < 0 || c >= numCommands {
		return "UNKNOWN"
	}
	return commandTable[c].name
}

// Level returns the access level a session needs to run c.
func (c Command) Level() job.AccessLevel {
	if c < 0 || c >= numCommands {
		return job.AccessFull
	}
	return commandTable[c].level
}

// Action tells the session loop what follows a handled command.
type Action int

// Session actions.
const (
	Continue Action = iota
	Retrieve
	Store
	SyncToClient
	SyncToServer
	OpenDataSocket
	CloseData
	SendHash
	End
)

var actionNames = [...]string{"continue", "retrieve", "store", "sync-to-client", "sync-to-server", "open-data-socket", "close-data", "send-hash", "end"}

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return "unknown"
	}
	return actionNames[a]
}
