package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FilesystemBackend keeps blobs under a base directory with a .meta sidecar per file.
type FilesystemBackend struct {
	basePath string
}

// NewFilesystemBackend creates a new filesystem storage backend
func NewFilesystemBackend(basePath string) (*FilesystemBackend, error) {
	if basePath == "" {
		return nil, fmt.Errorf("filesystem base path is required")
	}
	// Ensure base path exists
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &FilesystemBackend{basePath: basePath}, nil
}

func newFilesystemFromMap(config map[string]interface{}) (Backend, error) {
	basePath, _ := config["path"].(string)
	return NewFilesystemBackend(basePath)
}

type fileMeta struct {
	OrganizationID string            `json:"organization_id"`
	MessageID      string            `json:"message_id"`
	AttachmentID   string            `json:"attachment_id"`
	FileName       string            `json:"file_name"`
	ContentType    string            `json:"content_type"`
	Size           int64             `json:"size"`
	Checksum       string            `json:"checksum"`
	CreatedTime    time.Time         `json:"created_time"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Store writes the blob and its sidecar. The blob is written to a temporary
// file first so a crash never leaves a truncated attachment behind.
func (f *FilesystemBackend) Store(ctx context.Context, obj *Object) (*Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if obj.CreatedTime.IsZero() {
		obj.CreatedTime = time.Now().UTC()
	}

	hash := sha256.Sum256(obj.Content)
	checksum := hex.EncodeToString(hash[:])

	key := ObjectKey(obj)
	filePath := f.fullPath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(obj.Content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to move file into place: %w", err)
	}

	meta := fileMeta{
		OrganizationID: obj.OrganizationID,
		MessageID:      obj.MessageID,
		AttachmentID:   obj.AttachmentID,
		FileName:       obj.FileName,
		ContentType:    obj.ContentType,
		Size:           int64(len(obj.Content)),
		Checksum:       checksum,
		CreatedTime:    obj.CreatedTime,
		Metadata:       obj.Metadata,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filePath+".meta", metaJSON, 0o644); err != nil {
		os.Remove(filePath)
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	return &Reference{
		Backend:     TypeLocal,
		Key:         key,
		ContentType: obj.ContentType,
		FileName:    obj.FileName,
		Size:        meta.Size,
		Checksum:    checksum,
		CreatedTime: obj.CreatedTime,
	}, nil
}

// Retrieve gets blob content from the filesystem
func (f *FilesystemBackend) Retrieve(ctx context.Context, ref *Reference) (*Object, error) {
	filePath := f.fullPath(ref.Key)
	content, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", ref.Key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	obj := &Object{
		FileName:    ref.FileName,
		ContentType: ref.ContentType,
		Content:     content,
		CreatedTime: ref.CreatedTime,
	}

	var meta fileMeta
	if metaBytes, err := os.ReadFile(filePath + ".meta"); err == nil && json.Unmarshal(metaBytes, &meta) == nil {
		obj.OrganizationID = meta.OrganizationID
		obj.MessageID = meta.MessageID
		obj.AttachmentID = meta.AttachmentID
		obj.Metadata = meta.Metadata
		if obj.FileName == "" {
			obj.FileName = meta.FileName
		}
		if obj.ContentType == "" {
			obj.ContentType = meta.ContentType
		}
	}
	return obj, nil
}

// Delete removes the blob and its sidecar
func (f *FilesystemBackend) Delete(ctx context.Context, ref *Reference) error {
	filePath := f.fullPath(ref.Key)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	_ = os.Remove(filePath + ".meta")

	// Try to remove directory if empty
	_ = os.Remove(filepath.Dir(filePath))
	return nil
}

// Exists checks if the blob exists on the filesystem
func (f *FilesystemBackend) Exists(ctx context.Context, ref *Reference) (bool, error) {
	_, err := os.Stat(f.fullPath(ref.Key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetInfo returns backend information
func (f *FilesystemBackend) GetInfo() *BackendInfo {
	stats := &BackendStats{}

	_ = filepath.Walk(f.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() && !strings.HasSuffix(path, ".meta") {
			stats.TotalFiles++
			stats.TotalSize += info.Size()
		}
		return nil
	})

	return &BackendInfo{
		Name:         "FilesystemBackend",
		Type:         TypeLocal,
		Capabilities: []string{"store", "retrieve", "delete"},
		Status:       "active",
		Statistics:   stats,
	}
}

// HealthCheck verifies the filesystem is writable
func (f *FilesystemBackend) HealthCheck(ctx context.Context) error {
	testFile := filepath.Join(f.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("filesystem not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return fmt.Errorf("filesystem cleanup failed: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) fullPath(key string) string {
	return filepath.Join(f.basePath, filepath.FromSlash(key))
}
