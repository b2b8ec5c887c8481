package main

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// manifest is a job described in YAML:
//
//	name: restart-nginx
//	targets: [10.0.0.1, 10.0.0.2]
//	remote_user: ops
//	command: systemctl restart nginx
//	wait_timeout: 90s
type manifest struct {
	Name        string   `yaml:"name"`
	Targets     []string `yaml:"targets"`
	RemoteUser  string   `yaml:"remote_user"`
	Command     string   `yaml:"command"`
	ScriptID    string   `yaml:"script_id"`
	WaitTimeout string   `yaml:"wait_timeout"`
}

// submitBody mirrors the JSON body of POST /v1/jobs.
type submitBody struct {
	Targets       []string `json:"targets"`
	Command       string   `json:"command,omitempty"`
	ScriptID      string   `json:"script_id,omitempty"`
	RemoteUser    string   `json:"remote_user"`
	Name          string   `json:"name,omitempty"`
	WaitTimeoutMS *int64   `json:"wait_timeout_ms,omitempty"`
}

func parseManifest(data []byte) (submitBody, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return submitBody{}, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Targets) == 0 {
		return submitBody{}, errors.New("manifest has no targets")
	}
	if (m.Command == "") == (m.ScriptID == "") {
		return submitBody{}, errors.New("manifest needs exactly one of command or script_id")
	}

	body := submitBody{
		Targets:    m.Targets,
		Command:    m.Command,
		ScriptID:   m.ScriptID,
		RemoteUser: m.RemoteUser,
		Name:       m.Name,
	}
	if m.WaitTimeout != "" {
		d, err := time.ParseDuration(m.WaitTimeout)
		if err != nil || d <= 0 {
			return submitBody{}, fmt.Errorf("invalid wait_timeout %q", m.WaitTimeout)
		}
		ms := d.Milliseconds()
		body.WaitTimeoutMS = &ms
	}
	return body, nil
}
