package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maxpert/tapline/mutation"
	"github.com/maxpert/tapline/state"
	"github.com/rs/zerolog/log"
)

// maxIngestBytes bounds the body of POST /mutations
const maxIngestBytes = 8 << 20

// Buffer is the delivery buffer surface exposed over HTTP
type Buffer interface {
	Name() string
	Send(ctx context.Context, batch mutation.Batch) error
	RemainingCapacity() int
	LastPublished() (mutation.Mutation, bool)
	Clear()
	IsStarted() bool
	IsRunning() bool
	IsTerminated() bool
}

// StateReader reads the persisted replication state
type StateReader interface {
	Read(ctx context.Context) (state.SourceState, bool, error)
	Path() string
}

// Handlers serves the admin API
type Handlers struct {
	buffer Buffer
	state  StateReader
	nodeID uint64
	source string
	seq    *mutation.Sequence
}

func NewHandlers(buffer Buffer, reader StateReader, nodeID uint64, source string) *Handlers {
	return &Handlers{
		buffer: buffer,
		state:  reader,
		nodeID: nodeID,
		source: source,
		seq:    mutation.NewSequence(nodeID),
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	healthy := h.buffer.IsRunning()
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, status, map[string]interface{}{
		"healthy": healthy,
		"node_id": h.nodeID,
		"source":  h.source,
	})
}

func (h *Handlers) handleBuffer(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"name":               h.buffer.Name(),
		"remaining_capacity": h.buffer.RemainingCapacity(),
		"started":            h.buffer.IsStarted(),
		"running":            h.buffer.IsRunning(),
		"terminated":         h.buffer.IsTerminated(),
	}
	if m, ok := h.buffer.LastPublished(); ok {
		response["last_published_id"] = m.Metadata.ID
		response["last_published_ts"] = m.Metadata.Timestamp
	}
	writeJSONResponse(w, http.StatusOK, response)
}

func (h *Handlers) handleState(w http.ResponseWriter, r *http.Request) {
	s, ok, err := h.state.Read(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "no state saved at "+h.state.Path())
		return
	}
	writeJSONResponse(w, http.StatusOK, s)
}

// mutationRequest is the JSON form of one ingested mutation. Row mutations
// carry row (and before for updates); anything else goes in entity. A zero
// id or timestamp is assigned on ingest.
type mutationRequest struct {
	ID        int64                `json:"id"`
	Timestamp int64                `json:"timestamp"`
	Type      mutation.Type        `json:"type"`
	Position  mutation.LogPosition `json:"position"`
	Row       *mutation.Row        `json:"row,omitempty"`
	Before    *mutation.Row        `json:"before,omitempty"`
	Entity    interface{}          `json:"entity,omitempty"`
}

func (m mutationRequest) toMutation() (mutation.Mutation, error) {
	if mutation.TypeFromCode(m.Type.Code()) == mutation.Invalid {
		return mutation.Mutation{}, errors.New("mutation type must be INSERT, UPDATE or DELETE")
	}

	meta := mutation.Metadata{ID: m.ID, Timestamp: m.Timestamp, Position: m.Position}
	switch {
	case m.Row != nil && m.Before != nil:
		if m.Type != mutation.Update {
			return mutation.Mutation{}, errors.New("before image is only valid for UPDATE")
		}
		return mutation.NewUpdate(meta, *m.Before, *m.Row), nil
	case m.Row != nil:
		return mutation.New(meta, m.Type, *m.Row), nil
	default:
		return mutation.New(meta, m.Type, m.Entity), nil
	}
}

func (h *Handlers) handleIngest(w http.ResponseWriter, r *http.Request) {
	var requests []mutationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBytes))
	if err := dec.Decode(&requests); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid mutation batch: "+err.Error())
		return
	}

	batch := make(mutation.Batch, 0, len(requests))
	for _, req := range requests {
		m, err := req.toMutation()
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		batch = append(batch, m)
	}
	h.seq.Stamp(batch)

	if err := h.buffer.Send(r.Context(), batch); err != nil {
		log.Warn().Err(err).Int("mutations", len(batch)).Msg("Failed to buffer ingested batch")
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"accepted":           len(batch),
		"remaining_capacity": h.buffer.RemainingCapacity(),
	})
}

func (h *Handlers) handleClear(w http.ResponseWriter, r *http.Request) {
	h.buffer.Clear()
	log.Info().Str("destination", h.buffer.Name()).Msg("Destination cleared by admin request")
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
