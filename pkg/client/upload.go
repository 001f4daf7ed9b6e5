package client

import (
	"github.com/google/uuid"

	"github.com/mahaj/sitechat/pkg/attach"
	"github.com/mahaj/sitechat/pkg/model"
)

type UploadState string

const (
	UploadStaged    UploadState = "staged"
	UploadUploading UploadState = "uploading"
	UploadSent      UploadState = "sent"
	UploadFailed    UploadState = "failed"
)

const (
	// rampCap is where simulated progress waits for the real upload.
	rampCap  = 90
	rampStep = 15
)

// LocalFile is a file picked by the user, not yet uploaded.
type LocalFile struct {
	Name     string
	MimeType string
	Data     []byte
}

// StagedFile walks staged -> uploading(progress) -> sent | failed. A
// failed file returns to the staged set for retry.
type StagedFile struct {
	ID         string
	File       LocalFile
	State      UploadState
	Progress   int
	Attachment *model.Attachment
}

// Uploads is the pure upload state machine. Progress is simulated by Tick
// and snapped to 100 by Complete, independent of the transport.
type Uploads struct {
	limits attach.Limits
	files  []*StagedFile
}

func NewUploads(limits attach.Limits) *Uploads {
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = attach.DefaultMaxBytes
	}
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = attach.DefaultMaxFiles
	}
	return &Uploads{limits: limits}
}

// Stage validates and stages files. Nothing is staged if any file fails.
func (u *Uploads) Stage(files ...LocalFile) ([]*StagedFile, error) {
	infos := make([]attach.FileInfo, 0, len(u.files)+len(files))
	for _, f := range u.files {
		infos = append(infos, f.info())
	}
	for _, f := range files {
		infos = append(infos, attach.FileInfo{Name: f.Name, MimeType: f.MimeType, Size: int64(len(f.Data))})
	}
	if err := attach.ValidateBatch(infos, u.limits); err != nil {
		return nil, err
	}

	added := make([]*StagedFile, len(files))
	for i, f := range files {
		f.MimeType = attach.MimeType(f.MimeType, f.Name)
		added[i] = &StagedFile{ID: uuid.NewString(), File: f, State: UploadStaged}
	}
	u.files = append(u.files, added...)
	return added, nil
}

func (f *StagedFile) info() attach.FileInfo {
	return attach.FileInfo{Name: f.File.Name, MimeType: f.File.MimeType, Size: int64(len(f.File.Data))}
}

func (u *Uploads) Files() []StagedFile {
	out := make([]StagedFile, len(u.files))
	for i, f := range u.files {
		out[i] = *f
	}
	return out
}

func (u *Uploads) Len() int { return len(u.files) }

// Remove unstages a file that is not uploading.
func (u *Uploads) Remove(id string) bool {
	for i, f := range u.files {
		if f.ID == id && f.State != UploadUploading {
			u.files = append(u.files[:i], u.files[i+1:]...)
			return true
		}
	}
	return false
}

// Begin moves every staged or failed file into uploading and returns the
// batch to send. An upload in flight cannot be cancelled.
func (u *Uploads) Begin() []LocalFile {
	var batch []LocalFile
	for _, f := range u.files {
		if f.State == UploadStaged || f.State == UploadFailed {
			f.State = UploadUploading
			f.Progress = 0
			batch = append(batch, f.File)
		}
	}
	return batch
}

// Tick advances simulated progress, never past rampCap.
func (u *Uploads) Tick() {
	for _, f := range u.files {
		if f.State != UploadUploading {
			continue
		}
		f.Progress = min(f.Progress+rampStep, rampCap)
	}
}

// Complete binds the server's attachments to the uploading files in order.
func (u *Uploads) Complete(atts []model.Attachment) {
	i := 0
	for _, f := range u.files {
		if f.State != UploadUploading {
			continue
		}
		f.State = UploadSent
		f.Progress = 100
		if i < len(atts) {
			a := atts[i]
			f.Attachment = &a
		}
		i++
	}
}

// Fail returns the whole batch to a retryable state with progress reset.
func (u *Uploads) Fail() {
	for _, f := range u.files {
		if f.State == UploadUploading {
			f.State = UploadFailed
			f.Progress = 0
		}
	}
}

// Take removes completed files and returns their attachments in staging
// order. The caller owns them from then on; nothing else sends them.
func (u *Uploads) Take() []model.Attachment {
	var out []model.Attachment
	kept := u.files[:0]
	for _, f := range u.files {
		if f.State != UploadSent {
			kept = append(kept, f)
			continue
		}
		if f.Attachment != nil {
			out = append(out, *f.Attachment)
		}
	}
	u.files = kept
	return out
}
