package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a referenced blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Backend defines the interface for attachment blob storage
type Backend interface {
	// Store saves the blob and returns a reference to it
	Store(ctx context.Context, obj *Object) (*Reference, error)

	// Retrieve gets blob content by reference
	Retrieve(ctx context.Context, ref *Reference) (*Object, error)

	// Delete removes a blob
	Delete(ctx context.Context, ref *Reference) error

	// Exists checks if a blob exists
	Exists(ctx context.Context, ref *Reference) (bool, error)

	// GetInfo returns backend information
	GetInfo() *BackendInfo

	// HealthCheck verifies backend is operational
	HealthCheck(ctx context.Context) error
}

// Object is an attachment blob together with what is known about it.
type Object struct {
	OrganizationID string
	MessageID      string
	AttachmentID   string
	FileName       string
	ContentType    string
	Content        []byte
	Metadata       map[string]string
	CreatedTime    time.Time
}

// Reference points to stored content
type Reference struct {
	Backend     string
	Key         string
	ContentType string
	FileName    string
	Size        int64
	Checksum    string
	CreatedTime time.Time
}

// BackendInfo provides information about a storage backend
type BackendInfo struct {
	Name         string
	Type         string
	Capabilities []string
	Status       string
	Statistics   *BackendStats
}

// BackendStats contains usage statistics
type BackendStats struct {
	TotalFiles int64
	TotalSize  int64
}

// Factory creates storage backends based on configuration
type Factory interface {
	// Create instantiates a storage backend
	Create(backendType string, config map[string]interface{}) (Backend, error)

	// Register adds a new backend type
	Register(backendType string, constructor BackendConstructor)

	// List returns available backend types
	List() []string
}

// BackendConstructor creates a new backend instance
type BackendConstructor func(config map[string]interface{}) (Backend, error)

// DefaultFactory is the global storage backend factory
var DefaultFactory Factory = NewStorageFactory()

func init() {
	DefaultFactory.Register(TypeLocal, newFilesystemFromMap)
	DefaultFactory.Register(TypeS3, newS3FromMap)
}

// StorageFactory implements the Factory interface
type StorageFactory struct {
	constructors map[string]BackendConstructor
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory() *StorageFactory {
	return &StorageFactory{
		constructors: make(map[string]BackendConstructor),
	}
}

// Create instantiates a storage backend
func (f *StorageFactory) Create(backendType string, config map[string]interface{}) (Backend, error) {
	constructor, exists := f.constructors[backendType]
	if !exists {
		return nil, fmt.Errorf("unknown storage backend type: %s", backendType)
	}

	return constructor(config)
}

// Register adds a new backend type
func (f *StorageFactory) Register(backendType string, constructor BackendConstructor) {
	f.constructors[backendType] = constructor
}

// List returns available backend types
func (f *StorageFactory) List() []string {
	types := make([]string, 0, len(f.constructors))
	for t := range f.constructors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFileName reduces a provider supplied filename to something usable as a
// path segment on every backend.
func SafeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "attachment"
	}
	if len(name) > 128 {
		ext := path.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = name[:128-len(ext)] + ext
	}
	return name
}

// ObjectKey builds the backend independent key of a blob:
// org/YYYY/MM/DD/message/attachment-filename.
func ObjectKey(obj *Object) string {
	t := obj.CreatedTime
	if t.IsZero() {
		t = time.Now()
	}
	t = t.UTC()
	name := SafeFileName(obj.FileName)
	if obj.AttachmentID != "" {
		name = SafeFileName(obj.AttachmentID) + "-" + name
	}
	return path.Join(
		segment(obj.OrganizationID),
		t.Format("2006"), t.Format("01"), t.Format("02"),
		segment(obj.MessageID),
		name,
	)
}

func segment(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "_"
	}
	return s
}
