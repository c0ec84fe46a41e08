package telemetry

import (
	"maps"
	"sync"

	"github.com/solatis/telemetryd/internal/types"
)

// Desktop event names.
const (
	EventAppOpen       = "app::open"
	EventAppClose      = "app::close"
	EventProjectLoad   = "project::load"
	EventProjectCreate = "project::create"
	EventProjectSave   = "project::save"
	EventProjectUpload = "project::upload"
	FieldVersion       = "version"
	FieldProjectName   = "projectName"
)

// ProjectMetadata is the shell's description of a project, sent as-is in
// project events (projectName, language, spriteCount and so on).
type ProjectMetadata map[string]any

// Desktop records the desktop shell's lifecycle and project events through
// a Client. Every event carries the shell version.
type Desktop struct {
	client  *Client
	version string

	mu          sync.Mutex
	pendingSave ProjectMetadata
}

// NewDesktop wraps client for a shell reporting version.
func NewDesktop(client *Client, version string) *Desktop {
	return &Desktop{client: client, version: version}
}

// AppWasOpened records app::open.
func (d *Desktop) AppWasOpened() {
	d.add(EventAppOpen, nil)
}

// AppWillClose records app::close.
func (d *Desktop) AppWillClose() {
	d.add(EventAppClose, nil)
}

// ProjectDidLoad records project::load.
func (d *Desktop) ProjectDidLoad(meta ProjectMetadata) {
	d.add(EventProjectLoad, meta)
}

// ProjectWasCreated records project::create.
func (d *Desktop) ProjectWasCreated(meta ProjectMetadata) {
	d.add(EventProjectCreate, meta)
}

// ProjectWasUploaded records project::upload.
func (d *Desktop) ProjectWasUploaded(meta ProjectMetadata) {
	d.add(EventProjectUpload, meta)
}

// ProjectDidSave holds a save until the shell learns the file's final title.
// A second call before completion replaces the pending save.
func (d *Desktop) ProjectDidSave(meta ProjectMetadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingSave = maps.Clone(meta)
	if d.pendingSave == nil {
		d.pendingSave = ProjectMetadata{}
	}
}

// ProjectSaveCompleted records the pending save as project::save under
// newTitle. Without a pending save it does nothing and returns false.
func (d *Desktop) ProjectSaveCompleted(newTitle string) bool {
	d.mu.Lock()
	meta := d.pendingSave
	d.pendingSave = nil
	d.mu.Unlock()

	if meta == nil {
		return false
	}
	meta[FieldProjectName] = newTitle
	d.add(EventProjectSave, meta)
	return true
}

// ProjectSaveCanceled discards the pending save.
func (d *Desktop) ProjectSaveCanceled() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingSave = nil
}

// HasPendingSave reports whether a save awaits completion or cancellation.
func (d *Desktop) HasPendingSave() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pendingSave != nil
}

// DidOptIn delegates to the client.
func (d *Desktop) DidOptIn() types.OptIn {
	return d.client.DidOptIn()
}

// SetDidOptIn delegates to the client.
func (d *Desktop) SetDidOptIn(v bool) error {
	return d.client.SetDidOptIn(v)
}

func (d *Desktop) add(name string, meta ProjectMetadata) {
	fields := make(map[string]any, len(meta)+1)
	maps.Copy(fields, meta)
	fields[FieldVersion] = d.version
	d.client.AddEvent(name, fields)
}
