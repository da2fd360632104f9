//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-studio-go/log"
	"trpc.group/trpc-go/trpc-studio-go/state"
)

// ExportVersion is the schema version stamped on export envelopes.
// Import refuses anything else.
const ExportVersion = "1.0"

// exportEnvelope is the self-describing document written by
// ExportSession and read back by ImportSession.
type exportEnvelope struct {
	Version     string         `json:"version"`
	ExportedAt  string         `json:"exported_at"`
	SessionInfo exportInfo     `json:"session_info"`
	State       map[string]any `json:"state"`
}

type exportInfo struct {
	SessionID    string `json:"session_id"`
	UserMission  string `json:"user_mission"`
	ProjectName  string `json:"project_name"`
	Status       string `json:"status"`
	CurrentPhase string `json:"current_phase"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// ExportSession writes the session and its metadata summary as JSON to
// path. The file appears atomically: the document is staged beside the
// target and renamed into place.
func (o *Orchestrator) ExportSession(ctx context.Context, sessionID, path string) error {
	const op = "export session"
	info, err := o.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return err
	}
	sess, err := o.store.GetState(ctx, sessionID)
	if err != nil {
		return err
	}
	stateMap, err := state.ToMap(sess)
	if err != nil {
		return opError(op, sessionID, err)
	}

	envelope := exportEnvelope{
		Version:    ExportVersion,
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		SessionInfo: exportInfo{
			SessionID:    info.SessionID,
			UserMission:  info.Mission,
			ProjectName:  info.ProjectName,
			Status:       string(info.Status),
			CurrentPhase: string(info.CurrentPhase),
			CreatedAt:    info.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:    info.UpdatedAt.UTC().Format(time.RFC3339),
		},
		State: stateMap,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return opError(op, sessionID, fmt.Errorf("encode export: %w", err))
	}
	if err := writeFileAtomic(path, data); err != nil {
		return opError(op, sessionID, err)
	}
	log.Infof("session %s: exported to %s", sessionID, path)
	return nil
}

// ImportSession loads an exported session document and persists it
// under its recorded session id, or a fresh one when the document
// carries none. The graph thread is not restored; an imported session
// is inspectable but resumes from scratch.
func (o *Orchestrator) ImportSession(ctx context.Context, path string) (string, error) {
	const op = "import session"
	data, err := os.ReadFile(path)
	if err != nil {
		return "", opError(op, "", err)
	}
	var envelope exportEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", opError(op, "", fmt.Errorf("%w: %v", ErrInvalidExport, err))
	}
	if envelope.Version != ExportVersion {
		return "", opError(op, "", fmt.Errorf("%w: unsupported version %q", ErrInvalidExport, envelope.Version))
	}
	if envelope.State == nil {
		return "", opError(op, "", fmt.Errorf("%w: missing state", ErrInvalidExport))
	}
	sess, err := state.FromMap(envelope.State)
	if err != nil {
		return "", opError(op, "", fmt.Errorf("%w: %v", ErrInvalidExport, err))
	}

	sessionID := sess.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		sess.SessionID = sessionID
	}
	if err := o.store.Save(ctx, sessionID, sess); err != nil {
		return "", opError(op, sessionID, err)
	}
	log.Infof("session %s: imported from %s", sessionID, path)
	return sessionID, nil
}

// writeFileAtomic stages data in a temp file next to path and renames
// it into place, creating parent directories as needed.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("stage export: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write export: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish export: %w", err)
	}
	return nil
}
