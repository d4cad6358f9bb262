package builds_test

import (
	"context"
	"fmt"
	"sync"

	"fwforge/services/builds"
	"fwforge/services/builds/buildstest"
	"fwforge/services/catalog"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []builds.Event
}

func (p *recordingPublisher) Publish(evt builds.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) Events() []builds.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]builds.Event(nil), p.events...)
}

type staticResolver map[string]*catalog.Source

func (r staticResolver) Find(repo, version string) (*catalog.Source, error) {
	src, ok := r[repo+"@"+version]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", catalog.ErrSourceNotFound, repo, version)
	}
	return src, nil
}

func testSource(releaseID string) *catalog.Source {
	return &catalog.Source{
		Repo:      "Org/Repo",
		Version:   "v1.2.0",
		Branch:    catalog.DefaultBranch,
		Toolchain: catalog.ToolchainPlatformIO,
		Boards:    []string{"X"},
		Manifest: catalog.Manifest{
			Toolchain: catalog.ToolchainPlatformIO,
			Defaults: map[string]catalog.BoardDefaults{
				"X": {Values: map[string]any{}, FlashingRules: catalog.FlashingRules{ApplicationOffset: 0x10000}},
			},
		},
		ReleaseID:  releaseID,
		ArchiveURL: "https://example.test/archive.zip",
	}
}

// scriptedRunner walks a build through the stages and optionally pauses at
// BUILDING until released.
type scriptedRunner struct {
	store *buildstest.Store

	mu      sync.Mutex
	calls   []string
	fail    bool
	started chan string
	release chan struct{}
}

func (r *scriptedRunner) Supports(toolchain string) bool {
	return toolchain == catalog.ToolchainPlatformIO
}

func (r *scriptedRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *scriptedRunner) Run(ctx context.Context, task builds.Task) {
	r.mu.Lock()
	r.calls = append(r.calls, task.Build.ID)
	fail := r.fail
	r.mu.Unlock()

	for _, next := range []builds.Status{
		builds.StatusCreatingBuildFolder,
		builds.StatusDownloadingSource,
		builds.StatusExtractingSource,
		builds.StatusBuilding,
	} {
		if err := task.Progress.Advance(ctx, next); err != nil {
			_ = task.Progress.Fail(ctx)
			return
		}
	}
	if r.started != nil {
		r.started <- task.Build.ID
	}
	if r.release != nil {
		<-r.release
	}
	if fail {
		_ = task.Progress.Fail(ctx)
		return
	}

	if err := task.Progress.Advance(ctx, builds.StatusSaving); err != nil {
		_ = task.Progress.Fail(ctx)
		return
	}
	file, err := r.store.AddFile(ctx, builds.File{
		FirmwareID: task.Build.ID,
		FilePath:   "bucket/" + task.Build.ID + "/firmware-part-0.bin",
		Offset:     0x10000,
		IsFirmware: true,
		Digest:     "sha256:00",
	})
	if err != nil {
		_ = task.Progress.Fail(ctx)
		return
	}
	_ = task.Progress.Done(ctx, []builds.File{file})
}
