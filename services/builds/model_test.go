package builds

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFirmwareModelToAPI(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := Request{Source: "Org/Repo", Version: "v1.0.0", Board: "X", Values: map[string]any{"imus": []any{"BNO085"}}}

	model := newFirmwareModel(Build{ID: "f1", ReleaseID: "r1", Status: StatusDone, Request: req})
	model.CreatedAt = created
	model.UpdatedAt = created
	model.Files = []firmwareFileModel{
		{ID: 2, FirmwareID: "f1", FilePath: "bucket/f1/firmware-part-0.bin", FlashOffset: 4096, Digest: "sha256:aa"},
		{ID: 3, FirmwareID: "f1", FilePath: "bucket/f1/firmware-part-1.bin", FlashOffset: 65536, IsFirmware: true, Digest: "sha256:bb"},
	}

	assert.Equal(t, "Org/Repo", model.Source)
	assert.Equal(t, "X", model.Board)

	got := model.toAPI()
	assert.Equal(t, Build{
		ID:        "f1",
		ReleaseID: "r1",
		Status:    StatusDone,
		Request:   req,
		CreatedAt: created,
		UpdatedAt: created,
		Files: []File{
			{ID: 2, FirmwareID: "f1", FilePath: "bucket/f1/firmware-part-0.bin", Offset: 4096, Digest: "sha256:aa"},
			{ID: 3, FirmwareID: "f1", FilePath: "bucket/f1/firmware-part-1.bin", Offset: 65536, IsFirmware: true, Digest: "sha256:bb"},
		},
	}, got)
}

func TestBuildEventOnlyCarriesFilesWhenDone(t *testing.T) {
	files := []File{{ID: 1}}
	assert.Nil(t, Build{ID: "a", Status: StatusSaving, Files: files}.Event().Files)
	assert.Equal(t, files, Build{ID: "a", Status: StatusDone, Files: files}.Event().Files)
}
