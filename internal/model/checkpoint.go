package model

import (
	"maps"
	"time"
)

const FileTypeSessionCheckpoint = "session_checkpoint"

type ContextSummary struct {
	ChunkCount  int     `yaml:"chunk_count"`
	TokensUsed  int     `yaml:"tokens_used"`
	Utilization float64 `yaml:"utilization"`
}

type Message struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// SessionCheckpoint is a detached snapshot of session progress. Use Clone
// before handing a live checkpoint to another owner.
type SessionCheckpoint struct {
	SchemaVersion       int               `yaml:"schema_version"`
	FileType            string            `yaml:"file_type"`
	SessionID           string            `yaml:"session_id"`
	TaskID              string            `yaml:"task_id"`
	Timestamp           string            `yaml:"timestamp"`
	CreatedAt           string            `yaml:"created_at"`
	TaskType            TaskType          `yaml:"task_type"`
	Confidence          float64           `yaml:"confidence"`
	OriginalRequest     string            `yaml:"original_request"`
	State               SessionState      `yaml:"state"`
	Reason              string            `yaml:"reason,omitempty"`
	ContextSummary      ContextSummary    `yaml:"context_summary"`
	ContextText         string            `yaml:"context_text,omitempty"`
	Truncated           bool              `yaml:"truncated"`
	TokenBudget         TokenBudget       `yaml:"token_budget"`
	SelectedTools       []string          `yaml:"selected_tools,omitempty"`
	Model               string            `yaml:"model,omitempty"`
	Artifacts           []Artifact        `yaml:"artifacts"`
	ConversationHistory []Message         `yaml:"conversation_history"`
	Iterations          int               `yaml:"iterations"`
	Warnings            []string          `yaml:"warnings,omitempty"`
	Metadata            map[string]string `yaml:"metadata,omitempty"`
}

func (c *SessionCheckpoint) Clone() *SessionCheckpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.SelectedTools = append([]string(nil), c.SelectedTools...)
	out.Artifacts = append([]Artifact(nil), c.Artifacts...)
	out.ConversationHistory = append([]Message(nil), c.ConversationHistory...)
	out.Warnings = append([]string(nil), c.Warnings...)
	if c.Metadata != nil {
		out.Metadata = maps.Clone(c.Metadata)
	}
	return &out
}

func (c *SessionCheckpoint) Touch(now time.Time) {
	c.Timestamp = now.UTC().Format(time.RFC3339Nano)
}
