// Package status serves health, metrics and ledger information over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-cctv/pkg/ledger"
)

// StreamLister reports running streams by id with their session id.
type StreamLister interface {
	ActiveStreams() map[string]string
}

// LedgerReader is the read side of the chunk ledger.
type LedgerReader interface {
	Streams() ([]string, error)
	List(streamID string) ([]ledger.Entry, error)
}

type Server struct {
	router   *mux.Router
	logger   logrus.FieldLogger
	streams  StreamLister
	ledger   LedgerReader
	gatherer prometheus.Gatherer
	server   *http.Server
}

func NewServer(streams StreamLister, lr LedgerReader, gatherer prometheus.Gatherer, logger logrus.FieldLogger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		streams:  streams,
		ledger:   lr,
		gatherer: gatherer,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth()).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/streams", s.handleStreams()).Methods(http.MethodGet)
	s.router.HandleFunc("/ledger/{stream}", s.handleLedger()).Methods(http.MethodGet)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves on addr until Shutdown. It returns nil after a shutdown,
// also when Shutdown was called before Start.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.WithField("addr", ln.Addr().String()).Info("status server listening")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

type streamView struct {
	ID          string `json:"id"`
	Active      bool   `json:"active"`
	Session     string `json:"session,omitempty"`
	Chunks      int    `json:"chunks"`
	Frames      uint64 `json:"frames"`
	LastAddress string `json:"last_address,omitempty"`
}

func (s *Server) handleStreams() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := s.streams.ActiveStreams()
		ids, err := s.ledger.Streams()
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		for id := range active {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		views := make([]streamView, 0, len(ids))
		for i, id := range ids {
			if i > 0 && ids[i-1] == id {
				continue
			}
			entries, err := s.ledger.List(id)
			if err != nil {
				s.fail(w, http.StatusInternalServerError, err)
				return
			}
			v := streamView{ID: id, Chunks: len(entries)}
			v.Session, v.Active = active[id]
			for _, e := range entries {
				v.Frames += e.Frames
			}
			if len(entries) > 0 {
				v.LastAddress = entries[len(entries)-1].Address.String()
			}
			views = append(views, v)
		}
		s.writeJSON(w, views)
	}
}

type entryView struct {
	Index        uint64    `json:"index"`
	Session      string    `json:"session"`
	Address      string    `json:"address"`
	Frames       uint64    `json:"frames"`
	StrongFrames uint64    `json:"strong_frames"`
	Size         uint64    `json:"size"`
	StartedAt    time.Time `json:"started_at"`
	SealedAt     time.Time `json:"sealed_at"`
	StoredAt     time.Time `json:"stored_at"`
	SpoolPath    string    `json:"spool_path,omitempty"`
}

func (s *Server) handleLedger() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream := mux.Vars(r)["stream"]
		if !ledger.ValidStreamID(stream) {
			http.Error(w, "invalid stream id", http.StatusBadRequest)
			return
		}
		entries, err := s.ledger.List(stream)
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err)
			return
		}
		views := make([]entryView, 0, len(entries))
		for _, e := range entries {
			views = append(views, entryView{
				Index:        e.Index,
				Session:      e.SessionID,
				Address:      e.Address.String(),
				Frames:       e.Frames,
				StrongFrames: e.StrongFrames,
				Size:         e.Size,
				StartedAt:    e.StartedAt,
				SealedAt:     e.SealedAt,
				StoredAt:     e.StoredAt,
				SpoolPath:    e.SpoolPath,
			})
		}
		s.writeJSON(w, views)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("writing status response failed")
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, err error) {
	s.logger.WithError(err).Error("status request failed")
	http.Error(w, http.StatusText(code), code)
}
