package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/worknest/internal/model"
)

// NoteServiceInterface はメモハンドラーが必要とするリポジトリ操作。
type NoteServiceInterface interface {
	Refresh(ctx context.Context) error
	Notes() []model.Note
	Notelists() []model.Notelist
	CreateNotelist(ctx context.Context, title string) (*model.Notelist, error)
	CreateNote(ctx context.Context, notelistID, title, content string) (*model.Note, error)
	UpdateNote(ctx context.Context, id, title, content string) (*model.Note, error)
	DeleteNote(ctx context.Context, id string) error
}

// NoteHandler はメモとメモリストのHTTPハンドラー。
type NoteHandler struct {
	service NoteServiceInterface
}

// NewNoteHandler はNoteHandlerを生成する。
func NewNoteHandler(service NoteServiceInterface) *NoteHandler {
	return &NoteHandler{service: service}
}

type noteRequest struct {
	NotelistID string `json:"notelistId"`
	Title      string `json:"title"`
	Content    string `json:"content"`
}

type notelistRequest struct {
	Title string `json:"title"`
}

type noteListResponse struct {
	Notes     []model.Note     `json:"notes"`
	Notelists []model.Notelist `json:"notelists"`
}

// ListNotes はメモとメモリストをリモートから取得し直して返す。
// GET /api/notes
func (h *NoteHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Refresh(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	resp := noteListResponse{Notes: h.service.Notes(), Notelists: h.service.Notelists()}
	if resp.Notes == nil {
		resp.Notes = []model.Note{}
	}
	if resp.Notelists == nil {
		resp.Notelists = []model.Notelist{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateNote はメモを作成する。
// POST /api/notes
func (h *NoteHandler) CreateNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	note, err := h.service.CreateNote(r.Context(), req.NotelistID, req.Title, req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote はメモのタイトルと本文を更新する。
// PUT /api/notes/{id}
func (h *NoteHandler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	note, err := h.service.UpdateNote(r.Context(), chi.URLParam(r, "id"), req.Title, req.Content)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote はメモを削除する。
// DELETE /api/notes/{id}
func (h *NoteHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteNote(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateNotelist はメモリストを作成する。
// POST /api/notelists
func (h *NoteHandler) CreateNotelist(w http.ResponseWriter, r *http.Request) {
	var req notelistRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	list, err := h.service.CreateNotelist(r.Context(), req.Title)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, list)
}
