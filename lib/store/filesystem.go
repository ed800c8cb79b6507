// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FilesystemStore keeps one JSON document per task under a session
// directory. Writes go through a temporary file and a rename, so a
// crash mid-save never leaves a truncated record behind.
type FilesystemStore struct {
	dir string
}

// NewFilesystemStore opens (creating if needed) a session directory.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("cannot create session directory %s: %w", dir, err)
	}
	return &FilesystemStore{dir: dir}, nil
}

// Dir returns the session directory.
func (fs *FilesystemStore) Dir() string { return fs.dir }

func (fs *FilesystemStore) path(id string) string {
	return filepath.Join(fs.dir, id+".json")
}

// Save writes the record as <id>.json in the session directory.
func (fs *FilesystemStore) Save(ctx context.Context, rec *TaskRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = newID()
	}
	buf, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("cannot encode task %s: %w", rec.ID, err)
	}
	tmp, err := os.CreateTemp(fs.dir, "."+rec.ID+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), fs.path(rec.ID)); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Load reads the record saved under the given id.
func (fs *FilesystemStore) Load(ctx context.Context, id string) (*TaskRecord, error) {
	buf, err := os.ReadFile(fs.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}
	var rec TaskRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, fmt.Errorf("cannot decode task %s: %w", id, err)
	}
	return &rec, nil
}

// List returns the saved task ids, sorted.
func (fs *FilesystemStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the record saved under the given id.
func (fs *FilesystemStore) Delete(ctx context.Context, id string) error {
	err := os.Remove(fs.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return err
}

// Close is a no-op for a filesystem store.
func (fs *FilesystemStore) Close() error { return nil }
