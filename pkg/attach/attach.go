// Package attach is the server side of the upload contract: one multipart
// request with one or more "files" parts yields an ordered list of
// attachments. Chat accepts any mime type within the size limits; avatars
// accept images only.
package attach

import (
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/mahaj/sitechat/pkg/apperr"
)

const (
	DefaultMaxBytes = 25 << 20
	DefaultMaxFiles = 10
)

type Limits struct {
	MaxBytes int64
	MaxFiles int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultMaxFiles
	}
	return l
}

// FileInfo is what validation needs to know about a file.
type FileInfo struct {
	Name     string
	MimeType string
	Size     int64
}

// ValidateBatch checks a whole batch before anything is stored.
func ValidateBatch(files []FileInfo, l Limits) error {
	l = l.withDefaults()
	if len(files) == 0 {
		return apperr.InvalidArgument("no files in upload")
	}
	if len(files) > l.MaxFiles {
		return apperr.InvalidArgument(fmt.Sprintf("at most %d files per upload", l.MaxFiles))
	}
	for _, f := range files {
		if err := ValidateFile(f, l); err != nil {
			return err
		}
	}
	return nil
}

func ValidateFile(f FileInfo, l Limits) error {
	l = l.withDefaults()
	if strings.TrimSpace(f.Name) == "" {
		return apperr.InvalidArgument("file name is required")
	}
	if f.Size <= 0 {
		return apperr.InvalidArgument(fmt.Sprintf("%s is empty", f.Name))
	}
	if f.Size > l.MaxBytes {
		return apperr.InvalidArgument(fmt.Sprintf("%s exceeds the %d byte limit", f.Name, l.MaxBytes))
	}
	return nil
}

// ValidateAvatar accepts image mime types only.
func ValidateAvatar(mimeType string) error {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return apperr.InvalidArgument("avatar must be an image")
	}
	return nil
}

// MimeType resolves the declared content type, falling back to the
// file extension and then to octet-stream.
func MimeType(declared, fileName string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(fileName))); byExt != "" {
		mt, _, _ := mime.ParseMediaType(byExt)
		return mt
	}
	return "application/octet-stream"
}

// SafeKey rejects object keys that could escape the upload prefix.
func SafeKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" || strings.Contains(key, "..") || strings.ContainsAny(key, "\\") {
		return "", apperr.NotFound("file not found")
	}
	return path.Clean(key), nil
}
