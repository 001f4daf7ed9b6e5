package scylla

import (
	"context"
	"errors"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/model"
)

// Unbound uploads carry message_id 0. Binding is a lightweight transaction
// so two sends racing for one file cannot both win.

func (st *Store) RecordUploads(ctx context.Context, uploaderID string, atts []model.Attachment) error {
	for _, a := range atts {
		applied, err := st.s.Query(`INSERT INTO attachments (id, uploader_id, file_url, file_name, mime_type, file_size, message_id)
			VALUES (?, ?, ?, ?, ?, ?, 0) IF NOT EXISTS`,
			a.ID, uploaderID, a.FileURL, a.FileName, a.MimeType, a.FileSize,
		).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return dbErr("record upload", err, "")
		}
		if !applied {
			return apperr.Conflict("attachment already recorded")
		}
	}
	return nil
}

func (st *Store) ClaimUploads(ctx context.Context, uploaderID string, ids []string, messageID int64) ([]model.Attachment, error) {
	out := make([]model.Attachment, len(ids))
	for i, id := range ids {
		var uploader string
		var bound int64
		a := model.Attachment{ID: id}
		err := st.s.Query(`SELECT uploader_id, file_url, file_name, mime_type, file_size, message_id FROM attachments WHERE id = ?`, id).
			WithContext(ctx).Scan(&uploader, &a.FileURL, &a.FileName, &a.MimeType, &a.FileSize, &bound)
		if errors.Is(err, gocql.ErrNotFound) || (err == nil && uploader != uploaderID) {
			return nil, apperr.InvalidArgument("unknown attachment " + id)
		}
		if err != nil {
			return nil, dbErr("get upload", err, "")
		}
		if bound != 0 {
			return nil, apperr.Conflict("attachment " + id + " belongs to another message")
		}
		out[i] = a
	}

	for i, id := range ids {
		applied, err := st.s.Query(`UPDATE attachments SET message_id = ? WHERE id = ? IF message_id = 0`, messageID, id).
			WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil || !applied {
			if rerr := st.ReleaseUploads(ctx, ids[:i], messageID); rerr != nil {
				log.Warn().Err(rerr).Int64("message_id", messageID).Msg("release partial claim")
			}
			if err != nil {
				return nil, dbErr("claim upload", err, "")
			}
			return nil, apperr.Conflict("attachment " + id + " belongs to another message")
		}
	}
	return out, nil
}

func (st *Store) ReleaseUploads(ctx context.Context, ids []string, messageID int64) error {
	for _, id := range ids {
		_, err := st.s.Query(`UPDATE attachments SET message_id = 0 WHERE id = ? IF message_id = ?`, id, messageID).
			WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return dbErr("release upload", err, "")
		}
	}
	return nil
}
