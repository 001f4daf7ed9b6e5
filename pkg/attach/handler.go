package attach

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/auth"
	"github.com/mahaj/sitechat/pkg/httpx"
	"github.com/mahaj/sitechat/pkg/model"
)

const (
	formField    = "files"
	memoryBuffer = 32 << 20
)

// Handler serves POST uploads and GET downloads under FilesPrefix.
type Handler struct {
	store  ObjectStore
	ledger Ledger
	limits Limits
	// FilesPrefix is the public path files are served from.
	FilesPrefix string
}

// NewHandler serves uploads into store. Every accepted batch is recorded
// in ledger under the caller's user id.
func NewHandler(store ObjectStore, ledger Ledger, limits Limits) *Handler {
	return &Handler{store: store, ledger: ledger, limits: limits.withDefaults(), FilesPrefix: "/files"}
}

// Upload stores every "files" part and responds with the attachments in
// request order. The whole batch is validated before anything is written.
// With ?purpose=avatar the batch must be a single image.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	maxBody := h.limits.MaxBytes*int64(h.limits.MaxFiles) + 1<<20
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseMultipartForm(memoryBuffer); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.Error(w, r, apperr.InvalidArgument("upload is too large"))
			return
		}
		httpx.Error(w, r, apperr.InvalidArgument("expected a multipart form"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File[formField]
	infos := make([]FileInfo, len(headers))
	for i, fh := range headers {
		infos[i] = FileInfo{Name: path.Base(fh.Filename), MimeType: MimeType(fh.Header.Get("Content-Type"), fh.Filename), Size: fh.Size}
	}
	if err := ValidateBatch(infos, h.limits); err != nil {
		httpx.Error(w, r, err)
		return
	}
	if r.URL.Query().Get("purpose") == "avatar" {
		if len(infos) != 1 {
			httpx.Error(w, r, apperr.InvalidArgument("an avatar upload takes exactly one file"))
			return
		}
		if err := ValidateAvatar(infos[0].MimeType); err != nil {
			httpx.Error(w, r, err)
			return
		}
	}

	out := make([]model.Attachment, 0, len(headers))
	keys := make([]string, 0, len(headers))
	for i, fh := range headers {
		id := uuid.NewString()
		key := id + strings.ToLower(path.Ext(infos[i].Name))
		if err := h.put(r, fh, key, infos[i]); err != nil {
			log.Error().Err(err).Str("file", infos[i].Name).Msg("store upload failed")
			h.discard(r, keys)
			httpx.Error(w, r, apperr.Unavailable("file storage failed", err))
			return
		}
		keys = append(keys, key)
		out = append(out, model.Attachment{
			ID:       id,
			FileURL:  h.FilesPrefix + "/" + key,
			FileName: infos[i].Name,
			MimeType: infos[i].MimeType,
			FileSize: infos[i].Size,
		})
	}
	if err := h.ledger.RecordUploads(r.Context(), auth.UserID(r.Context()), out); err != nil {
		log.Error().Err(err).Int("files", len(out)).Msg("record uploads failed")
		h.discard(r, keys)
		httpx.Error(w, r, apperr.Unavailable("file storage failed", err))
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) put(r *http.Request, fh *multipart.FileHeader, key string, info FileInfo) error {
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	return h.store.Put(r.Context(), key, f, info.Size, info.MimeType)
}

// discard removes objects of a batch that failed part way.
func (h *Handler) discard(r *http.Request, keys []string) {
	ctx := context.WithoutCancel(r.Context())
	for _, key := range keys {
		if err := h.store.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("discard upload failed")
		}
	}
}

// Serve streams a stored file. The route must bind the key as "*".
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	key, err := SafeKey(chi.URLParam(r, "*"))
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	body, obj, err := h.store.Get(r.Context(), key)
	if errors.Is(err, ErrNotFound) {
		httpx.Error(w, r, apperr.NotFound("file not found"))
		return
	}
	if err != nil {
		httpx.Error(w, r, apperr.Unavailable("file storage failed", err))
		return
	}
	defer body.Close()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if _, err := io.Copy(w, body); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("file stream interrupted")
	}
}
