// Package platformtest runs an in-memory platform API for tests.
package platformtest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"experiment-deployer/internal/platform"
)

const (
	ClientID     = "client"
	ClientSecret = "secret"
	AccessToken  = "test-token"
)

// Call is one request received by the fake platform.
type Call struct {
	Method string
	Path   string
	Body   string
}

// Server is a fake platform. State setters and getters are safe to call
// while requests are in flight.
type Server struct {
	*httptest.Server

	mu               sync.Mutex
	experiments      map[string]platform.Document
	personalizations map[string]platform.Document
	variations       map[string]platform.Document
	sites            []platform.Document
	segments         map[string]*platform.Segment
	nextID           int
	calls            []Call
	failures         map[string]int
	noContent        map[string]bool
}

func New() *Server {
	s := &Server{
		experiments:      map[string]platform.Document{},
		personalizations: map[string]platform.Document{},
		variations:       map[string]platform.Document{},
		segments:         map[string]*platform.Segment{},
		nextID:           9000,
		failures:         map[string]int{},
		noContent:        map[string]bool{},
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

// NewClient returns a client pointed at s and already authenticated.
func (s *Server) NewClient() *platform.Client {
	c := platform.New(s.URL)
	c.SetToken(platform.Token{AccessToken: AccessToken})
	return c
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.record)

	r.Post("/oauth/token", s.handleToken)
	r.Group(func(r chi.Router) {
		r.Use(s.authorize)
		r.Get("/experiments/{id}", s.getDoc(s.experiments))
		r.Patch("/experiments/{id}", s.patchDoc(s.experiments))
		r.Get("/personalizations/{id}", s.getDoc(s.personalizations))
		r.Patch("/personalizations/{id}", s.patchDoc(s.personalizations))
		r.Get("/variations/{id}", s.getDoc(s.variations))
		r.Put("/variations/{id}", s.putVariation)
		r.Get("/sites", s.listSites)
		r.Patch("/sites/{id}", s.patchSite)
		r.Post("/segments", s.createSegment)
		r.Get("/segments/{id}", s.getSegment)
		r.Patch("/segments/{id}", s.patchSegment)
		r.Patch("/segments/{id}/conditions/{condId}", s.patchCondition)
	})
	return r
}

// Fail makes every later request matching method and path answer status.
func (s *Server) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// NoContent makes every later request matching method and path apply its
// change but answer 204 with no body.
func (s *Server) NoContent(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noContent[method+" "+path] = true
}

func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Writes returns the state-changing calls, token exchange excluded.
func (s *Server) Writes() []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Method != http.MethodGet && c.Path != "/oauth/token" {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) SetExperiment(id string, doc platform.Document) { s.set(s.experiments, id, doc) }
func (s *Server) SetPersonalization(id string, doc platform.Document) {
	s.set(s.personalizations, id, doc)
}
func (s *Server) SetVariation(id string, doc platform.Document) { s.set(s.variations, id, doc) }

func (s *Server) AddSite(doc platform.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites = append(s.sites, doc)
}

func (s *Server) SetSegment(seg *platform.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignConditionIDs(seg)
	s.segments[seg.ID.String()] = seg
}

func (s *Server) Experiment(id string) platform.Document { return s.get(s.experiments, id) }
func (s *Server) Personalization(id string) platform.Document { return s.get(s.personalizations, id) }
func (s *Server) Variation(id string) platform.Document { return s.get(s.variations, id) }

func (s *Server) Site(code string) platform.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, site := range s.sites {
		if platform.Site(site).Code() == code {
			return site
		}
	}
	return nil
}

func (s *Server) Segment(id string) *platform.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return nil
	}
	cp := *seg
	return &cp
}

func (s *Server) SegmentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

func (s *Server) set(m map[string]platform.Document, id string, doc platform.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := platform.Document{platform.FieldID: json.Number(id)}
	for k, v := range doc {
		cp[k] = v
	}
	m[id] = cp
}

func (s *Server) get(m map[string]platform.Document, id string) platform.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := m[id]
	if !ok {
		return nil
	}
	cp := platform.Document{}
	for k, v := range doc {
		cp[k] = v
	}
	return cp
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))

		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Body: string(body)})
		status, fail := s.failures[r.Method+" "+r.URL.Path]
		empty := s.noContent[r.Method+" "+r.URL.Path]
		s.mu.Unlock()

		switch {
		case fail:
			http.Error(w, "injected failure", status)
		case empty:
			next.ServeHTTP(httptest.NewRecorder(), r)
			w.WriteHeader(http.StatusNoContent)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+AccessToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != ClientID ||
		r.PostForm.Get("client_secret") != ClientSecret {
		http.Error(w, "invalid client", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, platform.Token{AccessToken: AccessToken, TokenType: "Bearer", ExpiresIn: 3600})
}

func (s *Server) getDoc(m map[string]platform.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := s.get(m, chi.URLParam(r, "id"))
		if doc == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Server) patchDoc(m map[string]platform.Document) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var fields platform.Document
		if !decode(w, r, &fields) {
			return
		}
		id := chi.URLParam(r, "id")

		s.mu.Lock()
		doc, ok := m[id]
		if ok {
			for k, v := range fields {
				doc[k] = v
			}
		}
		s.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, s.get(m, id))
	}
}

func (s *Server) putVariation(w http.ResponseWriter, r *http.Request) {
	var doc platform.Document
	if !decode(w, r, &doc) {
		return
	}
	id := chi.URLParam(r, "id")
	if s.get(s.variations, id) == nil {
		http.NotFound(w, r)
		return
	}
	s.set(s.variations, id, doc)
	writeJSON(w, http.StatusOK, s.get(s.variations, id))
}

func (s *Server) listSites(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	sites := append([]platform.Document(nil), s.sites...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, sites)
}

func (s *Server) patchSite(w http.ResponseWriter, r *http.Request) {
	var fields platform.Document
	if !decode(w, r, &fields) {
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, site := range s.sites {
		if platform.Site(site).ID() == id {
			for k, v := range fields {
				site[k] = v
			}
			writeJSON(w, http.StatusOK, site)
			return
		}
	}
	http.NotFound(w, r)
}

func (s *Server) createSegment(w http.ResponseWriter, r *http.Request) {
	var seg platform.Segment
	if !decode(w, r, &seg) {
		return
	}
	s.mu.Lock()
	s.nextID++
	seg.ID = json.Number(strconv.Itoa(s.nextID))
	s.assignConditionIDs(&seg)
	s.segments[seg.ID.String()] = &seg
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, seg)
}

func (s *Server) getSegment(w http.ResponseWriter, r *http.Request) {
	seg := s.Segment(chi.URLParam(r, "id"))
	if seg == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, seg)
}

func (s *Server) patchSegment(w http.ResponseWriter, r *http.Request) {
	var seg platform.Segment
	if !decode(w, r, &seg) {
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.segments[id]; !ok {
		http.NotFound(w, r)
		return
	}
	seg.ID = json.Number(id)
	s.assignConditionIDs(&seg)
	s.segments[id] = &seg
	writeJSON(w, http.StatusOK, seg)
}

func (s *Server) patchCondition(w http.ResponseWriter, r *http.Request) {
	var fields platform.Condition
	if !decode(w, r, &fields) {
		return
	}
	segID, condID := chi.URLParam(r, "id"), chi.URLParam(r, "condId")

	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[segID]
	if !ok {
		http.NotFound(w, r)
		return
	}
	for _, g := range seg.ConditionsData.FirstLevel {
		for _, c := range g.Conditions {
			if c.ID() == condID {
				for k, v := range fields {
					c[k] = v
				}
				writeJSON(w, http.StatusOK, c)
				return
			}
		}
	}
	http.NotFound(w, r)
}

// assignConditionIDs gives new conditions an id. Callers hold s.mu.
func (s *Server) assignConditionIDs(seg *platform.Segment) {
	for _, g := range seg.ConditionsData.FirstLevel {
		for _, c := range g.Conditions {
			if c.ID() == "" {
				s.nextID++
				c[platform.FieldID] = json.Number(strconv.Itoa(s.nextID))
			}
		}
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("bad body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
