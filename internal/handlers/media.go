package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pliu/chatbridge/internal/middleware"
	"github.com/pliu/chatbridge/internal/models"
	"github.com/pliu/chatbridge/internal/store"
)

const maxUploadSize = 25 << 20

type MediaHandler struct {
	Store store.Store
}

func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "Missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	meta := models.MediaMeta{OriginalName: header.Filename, MimeType: header.Header.Get("Content-Type")}
	if meta.MimeType == "application/octet-stream" {
		// Let the store sniff it.
		meta.MimeType = ""
	}

	f, err := h.Store.SaveMediaFile(r.Context(), user.ID, data, meta)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (h *MediaHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, data, err := h.Store.GetMediaFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	if f == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(f.OriginalName))
	w.Write(data)
}

func (h *MediaHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	data, err := h.Store.GetMediaThumbnail(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	if data == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(data)
}

// Delete removes a file the caller owns.
func (h *MediaHandler) Delete(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	f, _, err := h.Store.GetMediaFile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	if f == nil || f.OwnerID != user.ID {
		http.NotFound(w, r)
		return
	}
	if err := h.Store.DeleteMediaFile(r.Context(), f.ID); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
