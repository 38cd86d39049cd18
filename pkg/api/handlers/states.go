package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	clustererrors "github.com/marmos91/dittocluster/pkg/cluster/errors"
	"github.com/marmos91/dittocluster/pkg/cluster/filestate"
	"github.com/marmos91/dittocluster/pkg/cluster/pernode"
)

// StateReader exposes the shared and node-local file states.
type StateReader interface {
	Node
	SharedState(ctx context.Context, key string) (*filestate.SharedFileState, error)
	FindLocalState(key string) *pernode.State
}

// LocalStateView is the JSON form of a node-local state.
type LocalStateView struct {
	FileID   int32  `json:"file_id"`
	Data     string `json:"data_status"`
	OpLock   string `json:"oplock"`
	Deferred int    `json:"deferred"`
	Summary  string `json:"summary"`
}

// StateView is the JSON form of one key.
type StateView struct {
	Key    string                     `json:"key"`
	Shared *filestate.SharedFileState `json:"shared,omitempty"`
	Local  *LocalStateView            `json:"local,omitempty"`
}

// StateHandler serves read-only file state inspection.
type StateHandler struct {
	node StateReader
}

// NewStateHandler creates a state handler.
func NewStateHandler(node StateReader) *StateHandler {
	return &StateHandler{node: node}
}

// List handles GET /states: the keys with node-local state.
func (h *StateHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(map[string]any{
		"node_id": h.node.ID(),
		"keys":    h.node.LocalKeys(),
	}))
}

// Get handles GET /states/*. The wildcard is the file path.
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if strings.TrimSpace(path) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing file key"))
		return
	}
	key := filestate.NormalizeKey(path)

	view := StateView{Key: key}
	shared, err := h.node.SharedState(r.Context(), key)
	switch {
	case err == nil:
		view.Shared = shared
	case clustererrors.IsNotFoundError(err):
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	if local := h.node.FindLocalState(key); local != nil {
		view.Local = &LocalStateView{
			FileID:   local.FileID(),
			Data:     local.DataStatus().String(),
			OpLock:   local.OpLock().String(),
			Deferred: local.NumberOfDeferredRequests(),
			Summary:  local.String(),
		}
	}

	if view.Shared == nil && view.Local == nil {
		writeJSON(w, http.StatusNotFound, errorResponse("no state for "+key))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(view))
}
