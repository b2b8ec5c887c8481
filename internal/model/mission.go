package model

import "time"

// MissionKind tags the variant held by a Mission.
type MissionKind string

const (
	MissionInline MissionKind = "inline"
	MissionScript MissionKind = "script"
)

// Mission is the command bound to a job: either inline shell text or a
// snapshot of a stored script, plus the remote OS user to run as.
type Mission struct {
	JobID      string      `json:"job_id"`
	Kind       MissionKind `json:"kind"`
	Command    string      `json:"command,omitempty"`
	ScriptID   string      `json:"script_id,omitempty"`
	ScriptBody string      `json:"-"`
	RemoteUser string      `json:"remote_user"`
}

// NewInlineMission returns a mission that runs command as remoteUser.
func NewInlineMission(jobID, command, remoteUser string) *Mission {
	return &Mission{JobID: jobID, Kind: MissionInline, Command: command, RemoteUser: remoteUser}
}

// NewScriptMission returns a mission that runs a snapshot of s as remoteUser.
func NewScriptMission(jobID string, s *Script, remoteUser string) *Mission {
	return &Mission{
		JobID:      jobID,
		Kind:       MissionScript,
		ScriptID:   s.ID,
		ScriptBody: s.Body,
		RemoteUser: remoteUser,
	}
}

// Payload returns the text the adapter should execute.
func (m *Mission) Payload() string {
	if m.Kind == MissionScript {
		return m.ScriptBody
	}
	return m.Command
}

// Script is a stored script artifact owned by a single user.
type Script struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
}

// Identity is the authenticated caller. It is passed explicitly to every
// service operation.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}
