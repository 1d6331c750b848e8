package store

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sanitizePath normalizes a client-supplied file path and rejects anything
// that would escape the project workspace.
func sanitizePath(filePath string) (string, error) {
	clean := strings.TrimLeft(filePath, "/")
	clean = filepath.Clean(clean)

	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, filePath)
	}
	return clean, nil
}

// workspacePath returns the on-disk directory for a project.
func (s *Store) workspacePath(projectID string) string {
	return filepath.Join(s.projectsDir, projectID)
}

// WriteFile stores file content in the project workspace and upserts the file
// record. The record's UNIQUE(project_id, path) constraint makes repeated
// writes to the same path an update.
func (s *Store) WriteFile(ctx context.Context, projectID, filePath, content string) (File, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return File{}, err
	}

	clean, err := sanitizePath(filePath)
	if err != nil {
		return File{}, err
	}

	fullPath := filepath.Join(s.workspacePath(projectID), clean)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return File{}, fmt.Errorf("create file dir: %w", err)
	}
	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		return File{}, fmt.Errorf("write file: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	localPath := filepath.Join(projectID, clean)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO files(id, project_id, path, local_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, path) DO UPDATE SET local_path = excluded.local_path, updated_at = excluded.updated_at`,
		uuid.NewString(), projectID, clean, localPath, now, now,
	); err != nil {
		return File{}, fmt.Errorf("upsert file record: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, path, local_path, created_at, updated_at
		 FROM files WHERE project_id = ? AND path = ?`, projectID, clean)
	return scanFile(row)
}

// ReadFile returns the content of a project file.
func (s *Store) ReadFile(ctx context.Context, projectID, filePath string) (string, error) {
	clean, err := sanitizePath(filePath)
	if err != nil {
		return "", err
	}

	var localPath string
	err = s.db.QueryRowContext(ctx,
		`SELECT local_path FROM files WHERE project_id = ? AND path = ?`,
		projectID, clean).Scan(&localPath)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, filePath)
	}
	if err != nil {
		return "", fmt.Errorf("lookup file: %w", err)
	}

	data, err := os.ReadFile(filepath.Join(s.projectsDir, localPath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, filePath)
		}
		return "", fmt.Errorf("read file: %w", err)
	}
	return string(data), nil
}

// Zip archives the entire project workspace and returns the bytes.
func (s *Store) Zip(ctx context.Context, projectID string) ([]byte, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return nil, err
	}

	root := s.workspacePath(projectID)
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return nil, fmt.Errorf("archive project: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

// CheckFilesystem verifies the projects directory is writable.
func (s *Store) CheckFilesystem() error {
	probe := filepath.Join(s.projectsDir, ".healthcheck")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("projects dir not writable: %w", err)
	}
	return os.Remove(probe)
}

// CheckDatabase verifies the database responds.
func (s *Store) CheckDatabase(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ProjectExists reports whether the project record exists.
// Part of the supervisor's Workspaces interface.
func (s *Store) ProjectExists(id string) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM projects WHERE id = ?`, id).Scan(&one)
	return err == nil
}

// WorkingDir returns the project's workspace directory, creating it if a
// record exists but the directory was lost.
// Part of the supervisor's Workspaces interface.
func (s *Store) WorkingDir(id string) (string, error) {
	if !s.ProjectExists(id) {
		return "", fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	dir := s.workspacePath(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}
