package alarm

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/microlink/mcs/internal/schema"
)

// API is the operator HTTP surface over the engine.
type API struct {
	engine *Engine
}

// NewAPI wraps the engine.
func NewAPI(engine *Engine) *API { return &API{engine: engine} }

// Register mounts the operator routes.
func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/api/alarms", a.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/alarms/{id}/ack", a.handleAck).Methods(http.MethodPost)
	r.HandleFunc("/api/alarms/{id}/shelve", a.handleShelve).Methods(http.MethodPost)
	r.HandleFunc("/api/alarms/{id}/unshelve", a.handleUnshelve).Methods(http.MethodPost)
}

type alarmView struct {
	ID           string     `json:"id"`
	SensorID     int64      `json:"sensor_id"`
	SiteID       string     `json:"site_id"`
	BlockID      string     `json:"block_id"`
	Subsystem    string     `json:"subsystem"`
	Tag          string     `json:"tag"`
	State        State      `json:"state"`
	Priority     string     `json:"priority"`
	Level        string     `json:"level,omitempty"`
	Value        float64    `json:"value"`
	Threshold    float64    `json:"threshold"`
	RaisedAt     time.Time  `json:"raised_at"`
	LastSignalAt time.Time  `json:"last_signal_at"`
	AckedBy      string     `json:"acked_by,omitempty"`
	ShelvedUntil *time.Time `json:"shelved_until,omitempty"`
	ShelveReason string     `json:"shelve_reason,omitempty"`
}

func viewOf(inst Instance) alarmView {
	return alarmView{
		ID:           inst.ID,
		SensorID:     inst.SensorID,
		SiteID:       inst.Key.Site,
		BlockID:      inst.Key.Block,
		Subsystem:    inst.Key.Subsystem,
		Tag:          inst.Key.Tag,
		State:        inst.State,
		Priority:     inst.Priority.String(),
		Level:        string(inst.Level),
		Value:        inst.Value,
		Threshold:    inst.Threshold,
		RaisedAt:     inst.RaisedAt,
		LastSignalAt: inst.LastSignalAt,
		AckedBy:      inst.AckedBy,
		ShelvedUntil: inst.ShelvedUntil,
		ShelveReason: inst.ShelveReason,
	}
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Block: q.Get("block"),
		State: State(q.Get("state")),
	}
	if raw := q.Get("min_priority"); raw != "" {
		prio, err := schema.ParsePriority(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		filter.MinPriority = &prio
	}

	instances := a.engine.List(filter)
	views := make([]alarmView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, viewOf(inst))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alarms": views})
}

type operatorRequest struct {
	Operator        string `json:"operator"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (a *API) handleAck(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, ok := decodeOperator(w, r)
	if !ok {
		return
	}
	inst, err := a.engine.Acknowledge(r.Context(), id, req.Operator)
	a.finish(w, inst, err)
}

func (a *API) handleShelve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, ok := decodeOperator(w, r)
	if !ok {
		return
	}
	d := time.Duration(req.DurationMinutes) * time.Minute
	inst, clamped, err := a.engine.Shelve(r.Context(), id, req.Operator, req.Reason, d)
	if err != nil {
		a.writeError(w, err)
		return
	}
	body := map[string]interface{}{"alarm": viewOf(inst)}
	if clamped {
		body["duration_clamped"] = true
	}
	writeJSON(w, http.StatusOK, body)
}

func (a *API) handleUnshelve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, ok := decodeOperator(w, r)
	if !ok {
		return
	}
	inst, err := a.engine.Unshelve(r.Context(), id, req.Operator)
	a.finish(w, inst, err)
}

func decodeOperator(w http.ResponseWriter, r *http.Request) (operatorRequest, bool) {
	var req operatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return req, false
	}
	if req.Operator == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "operator is required"})
		return req, false
	}
	return req, true
}

// finish responds with the updated instance, or maps the error.
func (a *API) finish(w http.ResponseWriter, inst Instance, err error) {
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alarm": viewOf(inst)})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrReasonRequired):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		var invalid *ErrInvalidTransition
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
