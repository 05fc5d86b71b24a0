package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/smsbridge/smsbridge/internal/contacts"
	"github.com/smsbridge/smsbridge/internal/protocol"
	"github.com/smsbridge/smsbridge/internal/tenant"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

type incomingResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type statusResponse struct {
	PhoneOnline    bool    `json:"phoneOnline"`
	DesktopClients int     `json:"desktopClients"`
	LastPhoneSeen  *string `json:"lastPhoneSeen"`
	ContactCount   int     `json:"contactCount"`
}

type contactsResponse struct {
	Count    int                `json:"count"`
	Contacts []protocol.Contact `json:"contacts"`
}

type healthConnections struct {
	Phones   int `json:"phones"`
	Desktops int `json:"desktops"`
	Tenants  int `json:"tenants"`
}

type healthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Uptime      float64           `json:"uptime"`
	Connections healthConnections `json:"connections"`
}

func (s *Server) routes() *httprouter.Router {
	router := httprouter.New()
	router.HandleMethodNotAllowed = false
	router.NotFound = http.HandlerFunc(handleNotFound)
	router.PanicHandler = s.handlePanic

	router.GET("/api/v1/ws", s.handleWebSocket)
	router.POST("/api/v1/incoming", s.handleIncomingSMS)
	router.POST("/api/v1/incoming/mms", s.handleIncomingMMS)
	router.GET("/api/v1/status", s.handleStatus)
	router.GET("/api/v1/contacts", s.handleContacts)
	router.GET("/api/v1/contacts/lookup", s.handleContactLookup)
	router.GET("/api/v1/health", s.handleHealth)
	return router
}

// authenticate resolves the caller's tenant or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, surface string) (tenant.ID, bool) {
	id, err := s.auth.Authenticate(r.Header.Get(apiKeyHeader))
	if err == nil {
		return id, true
	}
	s.metrics.recordAuthRejection(surface)
	msg := "Invalid API key"
	if errors.Is(err, tenant.ErrMissingCredential) {
		msg = "Missing X-API-KEY header"
	}
	writeError(w, http.StatusUnauthorized, msg)
	return "", false
}

func (s *Server) handleIncomingSMS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, ok := s.authenticate(w, r, "incoming")
	if !ok {
		return
	}

	var body map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil || body == nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	sender, _ := body["sender"].(string)
	if sender == "" {
		writeError(w, http.StatusBadRequest, "Sender is required")
		return
	}
	message, _ := body["message"].(string)
	if message == "" {
		writeError(w, http.StatusBadRequest, "Message is required")
		return
	}

	n := s.router.NotifyIncomingSMS(id, sender, message)
	s.log.Info("incoming sms delivered",
		zap.String("tenant", id.String()),
		zap.String("sender", sender),
		zap.Int("desktops", n))
	writeJSON(w, http.StatusOK, incomingResponse{
		Success: true,
		Message: fmt.Sprintf("Delivered to %d client(s)", n),
	})
}

func (s *Server) handleIncomingMMS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if _, ok := s.authenticate(w, r, "incoming"); !ok {
		return
	}
	writeError(w, http.StatusNotImplemented, "MMS support coming in a future version")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, ok := s.authenticate(w, r, "status")
	if !ok {
		return
	}

	st := s.registry.Status(id)
	count, err := s.contacts.Count(r.Context(), id)
	if err != nil {
		s.log.Error("count contacts", zap.Error(err), zap.String("tenant", id.String()))
		writeError(w, http.StatusInternalServerError, "Failed to load status")
		return
	}

	resp := statusResponse{
		PhoneOnline:    st.PhoneOnline,
		DesktopClients: st.DesktopClients,
		ContactCount:   count,
	}
	if st.LastPhoneSeen != nil {
		seen := protocol.FormatTime(*st.LastPhoneSeen)
		resp.LastPhoneSeen = &seen
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, ok := s.authenticate(w, r, "contacts")
	if !ok {
		return
	}

	var (
		list []protocol.Contact
		err  error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		list, err = s.contacts.Search(r.Context(), id, q)
	} else {
		list, err = s.contacts.List(r.Context(), id)
	}
	if err != nil {
		s.log.Error("load contacts", zap.Error(err), zap.String("tenant", id.String()))
		writeError(w, http.StatusInternalServerError, "Failed to load contacts")
		return
	}
	if list == nil {
		list = []protocol.Contact{}
	}
	writeJSON(w, http.StatusOK, contactsResponse{Count: len(list), Contacts: list})
}

func (s *Server) handleContactLookup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, ok := s.authenticate(w, r, "contacts")
	if !ok {
		return
	}

	number := r.URL.Query().Get("number")
	if number == "" {
		writeError(w, http.StatusBadRequest, "Query parameter number is required")
		return
	}
	c, err := s.contacts.FindByNumber(r.Context(), id, number)
	switch {
	case errors.Is(err, contacts.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("No contact matches %s", number))
	case err != nil:
		s.log.Error("lookup contact", zap.Error(err), zap.String("tenant", id.String()))
		writeError(w, http.StatusInternalServerError, "Failed to load contacts")
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	st := s.registry.GlobalStats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startedAt).Seconds(),
		Connections: healthConnections{
			Phones:   st.Phones,
			Desktops: st.Desktops,
			Tenants:  st.Tenants,
		},
	})
}

func (s *Server) handlePanic(w http.ResponseWriter, r *http.Request, v any) {
	s.log.Error("handler panic", zap.Any("panic", v), zap.String("path", r.URL.Path))
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Sprintf("Route %s %s not found", r.Method, r.URL.RequestURI()))
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{
		Error:      http.StatusText(status),
		Message:    message,
		StatusCode: status,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
