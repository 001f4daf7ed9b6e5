package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mahaj/sitechat/pkg/apperr"
	"github.com/mahaj/sitechat/pkg/chat"
	"github.com/mahaj/sitechat/pkg/model"
)

// Backend is the slice of the chat API the controller drives.
type Backend interface {
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	ListMembers(ctx context.Context, channelID string) ([]model.ChannelMember, error)
	History(ctx context.Context, channelID string, cursor int64, limit int) (*chat.Page, error)
	Send(ctx context.Context, channelID string, req SendRequest) (*model.Message, error)
	Edit(ctx context.Context, messageID int64, text string) (*model.Message, error)
	Delete(ctx context.Context, messageID int64) error
	React(ctx context.Context, messageID int64, emoji string) (*model.Message, error)
	MarkRead(ctx context.Context, channelID string, messageID int64) (*model.ReadReceipt, error)
	Receipts(ctx context.Context, channelID string) ([]model.ReadReceipt, error)
	Upload(ctx context.Context, files []LocalFile) ([]model.Attachment, error)
	User(ctx context.Context, userID string) (*model.User, error)
}

type SendRequest struct {
	Text             string             `json:"text"`
	Attachments      []model.Attachment `json:"attachments,omitempty"`
	ReplyToMessageID *int64             `json:"replyToMessageId,omitempty"`
	MessageType      model.MessageType  `json:"messageType,omitempty"`
	ClientNonce      string             `json:"clientNonce,omitempty"`
}

type CreateChannelRequest struct {
	Type      model.ChannelType `json:"type"`
	Name      string            `json:"name,omitempty"`
	Avatar    string            `json:"avatar,omitempty"`
	MemberIDs []string          `json:"memberIds,omitempty"`
	UserID    string            `json:"userId,omitempty"`
}

// API is the HTTP client for apps/api.
type API struct {
	base  string
	token string
	http  *http.Client
}

func NewAPI(baseURL, token string) *API {
	return &API{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Login asks a development API for a token.
func Login(ctx context.Context, baseURL, userID string) (string, error) {
	a := NewAPI(baseURL, "")
	var out struct {
		Token string `json:"token"`
	}
	if err := a.do(ctx, http.MethodPost, "/login", map[string]string{"user_id": userID}, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (a *API) ListChannels(ctx context.Context) ([]chat.ChannelSummary, error) {
	var out []chat.ChannelSummary
	if err := a.do(ctx, http.MethodGet, "/api/channels", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) CreateChannel(ctx context.Context, req CreateChannelRequest) (*model.Channel, error) {
	var out model.Channel
	if err := a.do(ctx, http.MethodPost, "/api/channels", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) OpenDirect(ctx context.Context, userID string) (*model.Channel, error) {
	return a.CreateChannel(ctx, CreateChannelRequest{Type: model.ChannelDirect, UserID: userID})
}

func (a *API) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	var out model.Channel
	if err := a.do(ctx, http.MethodGet, channelPath(channelID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) ListMembers(ctx context.Context, channelID string) ([]model.ChannelMember, error) {
	var out []model.ChannelMember
	if err := a.do(ctx, http.MethodGet, channelPath(channelID)+"/members", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) History(ctx context.Context, channelID string, cursor int64, limit int) (*chat.Page, error) {
	q := url.Values{}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	p := channelPath(channelID) + "/messages"
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	var out chat.Page
	if err := a.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Search(ctx context.Context, channelID, query string) ([]model.Message, error) {
	var out struct {
		Messages []model.Message `json:"messages"`
	}
	p := channelPath(channelID) + "/messages/search?q=" + url.QueryEscape(query)
	if err := a.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (a *API) Send(ctx context.Context, channelID string, req SendRequest) (*model.Message, error) {
	var out model.Message
	if err := a.do(ctx, http.MethodPost, channelPath(channelID)+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Edit(ctx context.Context, messageID int64, text string) (*model.Message, error) {
	var out model.Message
	if err := a.do(ctx, http.MethodPatch, messagePath(messageID), map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Delete(ctx context.Context, messageID int64) error {
	return a.do(ctx, http.MethodDelete, messagePath(messageID), nil, nil)
}

func (a *API) React(ctx context.Context, messageID int64, emoji string) (*model.Message, error) {
	var out model.Message
	if err := a.do(ctx, http.MethodPost, messagePath(messageID)+"/reactions", map[string]string{"emoji": emoji}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkRead(ctx context.Context, channelID string, messageID int64) (*model.ReadReceipt, error) {
	var out model.ReadReceipt
	body := map[string]int64{"messageId": messageID}
	if err := a.do(ctx, http.MethodPost, channelPath(channelID)+"/read", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Receipts(ctx context.Context, channelID string) ([]model.ReadReceipt, error) {
	var out []model.ReadReceipt
	if err := a.do(ctx, http.MethodGet, channelPath(channelID)+"/receipts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (a *API) User(ctx context.Context, userID string) (*model.User, error) {
	var out model.User
	if err := a.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload sends files as one multipart batch. Any failure of the batch
// is reported as Unavailable unless the server rejected it outright.
func (a *API) Upload(ctx context.Context, files []LocalFile) ([]model.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.Name))
		h.Set("Content-Type", f.MimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, apperr.Unavailable("upload failed", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, apperr.Unavailable("upload failed", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, apperr.Unavailable("upload failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/upload", &buf)
	if err != nil {
		return nil, apperr.Unavailable("upload failed", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	a.authorize(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, apperr.Unavailable("upload failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		err := responseError(resp)
		if apperr.Is(err, apperr.CodeInvalidArgument) {
			return nil, err
		}
		return nil, apperr.Unavailable("upload failed", err)
	}
	var out []model.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out) != len(files) {
		return nil, apperr.Unavailable("upload failed", fmt.Errorf("malformed upload response: %v", err))
	}
	return out, nil
}

func (a *API) authorize(req *http.Request) {
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	a.authorize(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return apperr.Unavailable("chat service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Unavailable("malformed response", err)
	}
	return nil
}

// responseError turns an error body into an apperr with the server's code.
func responseError(resp *http.Response) error {
	var body struct {
		Error string      `json:"error"`
		Code  apperr.Code `json:"code"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	code := body.Code
	if code == "" {
		code = apperr.FromStatus(resp.StatusCode)
	}
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return apperr.New(code, msg)
}

func channelPath(id string) string {
	return "/api/channels/" + url.PathEscape(id)
}

func messagePath(id int64) string {
	return "/api/messages/" + strconv.FormatInt(id, 10)
}
