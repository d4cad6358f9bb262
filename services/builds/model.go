package builds

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Request is the client supplied build configuration.
type Request struct {
	Source  string         `json:"source"`
	Version string         `json:"version"`
	Board   string         `json:"board"`
	Values  map[string]any `json:"values"`
}

// File is one flashable segment produced by a build.
type File struct {
	ID         int64     `json:"id"`
	FirmwareID string    `json:"firmwareId"`
	FilePath   string    `json:"filePath"`
	Offset     int64     `json:"offset"`
	IsFirmware bool      `json:"isFirmware"`
	Digest     string    `json:"digest"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Build is a firmware build addressed by its fingerprint.
type Build struct {
	ID        string    `json:"id"`
	ReleaseID string    `json:"releaseId"`
	Status    Status    `json:"status"`
	Request   Request   `json:"request"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Files     []File    `json:"files"`
}

// Event is a status transition as seen by subscribers. Files are only set
// on DONE.
type Event struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
	Files  []File `json:"files,omitempty"`
}

// Event returns the status event describing b.
func (b Build) Event() Event {
	evt := Event{ID: b.ID, Status: b.Status}
	if b.Status == StatusDone {
		evt.Files = b.Files
	}
	return evt
}

type firmwareModel struct {
	ID        string              `gorm:"type:varchar(64);primaryKey"`
	ReleaseID string              `gorm:"type:varchar(64)"`
	Status    string              `gorm:"type:text"`
	Source    string              `gorm:"type:text"`
	Version   string              `gorm:"type:text"`
	Board     string              `gorm:"type:text"`
	Request   datatypes.JSONMap   `gorm:"type:jsonb"`
	CreatedAt time.Time           `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time           `gorm:"type:timestamptz;autoUpdateTime"`
	Files     []firmwareFileModel `gorm:"foreignKey:FirmwareID;references:ID"`
}

func (firmwareModel) TableName() string { return "firmwares" }

func (m firmwareModel) toAPI() Build {
	status, _ := ParseStatus(m.Status)
	b := Build{
		ID:        m.ID,
		ReleaseID: m.ReleaseID,
		Status:    status,
		Request:   requestFromJSON(m.Request),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
		Files:     make([]File, 0, len(m.Files)),
	}
	for _, f := range m.Files {
		b.Files = append(b.Files, f.toAPI())
	}
	return b
}

type firmwareFileModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	FirmwareID  string    `gorm:"type:varchar(64)"`
	FilePath    string    `gorm:"type:varchar(255)"`
	FlashOffset int64     `gorm:"type:bigint"`
	IsFirmware  bool      `gorm:"not null;default:false"`
	Digest      string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"type:timestamptz;autoCreateTime"`
}

func (firmwareFileModel) TableName() string { return "firmware_files" }

func (m firmwareFileModel) toAPI() File {
	return File{
		ID:         m.ID,
		FirmwareID: m.FirmwareID,
		FilePath:   m.FilePath,
		Offset:     m.FlashOffset,
		IsFirmware: m.IsFirmware,
		Digest:     m.Digest,
		CreatedAt:  m.CreatedAt,
	}
}

func newFirmwareModel(b Build) firmwareModel {
	return firmwareModel{
		ID:        b.ID,
		ReleaseID: b.ReleaseID,
		Status:    string(b.Status),
		Source:    b.Request.Source,
		Version:   b.Request.Version,
		Board:     b.Request.Board,
		Request:   requestToJSON(b.Request),
	}
}

func requestToJSON(r Request) datatypes.JSONMap {
	data, err := json.Marshal(r)
	if err != nil {
		return datatypes.JSONMap{}
	}
	out := datatypes.JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return datatypes.JSONMap{}
	}
	return out
}

func requestFromJSON(m datatypes.JSONMap) Request {
	var r Request
	data, err := json.Marshal(m)
	if err != nil {
		return r
	}
	_ = json.Unmarshal(data, &r)
	return r
}
