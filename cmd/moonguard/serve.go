package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/moonguard/capability"
	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/language"
	"github.com/caffeineduck/moonguard/sandbox"
)

var serveCmd = &cobra.Command{
	Use:   "serve [scripts...]",
	Short: "Start the HTTP control API",
	Long: `Start an HTTP server that lets tools (editors, test rigs) drive a sandbox.

Endpoints:
  POST   /contexts               Create a context {"name","code","language","trust"}
  GET    /contexts               List contexts
  GET    /contexts/{id}          Describe a context
  POST   /contexts/{id}/invoke   Run an entry point {"entry","args"}
  POST   /contexts/{id}/reload   Replace the program {"code"}
  POST   /contexts/{id}/reset    Lift quarantine (bearer token required)
  DELETE /contexts/{id}          Destroy a context
  POST   /tick                   Advance one tick {"dt"}
  POST   /events                 Dispatch an event {"event","payload"}
  GET    /health                 Health check

Creating a context above untrusted also requires the bearer token. The
token is read from MOONGUARD_TOKEN or generated and logged at startup.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("addr", "a", "127.0.0.1:8080", "Address to listen on")
	serveCmd.Flags().Duration("tick-rate", 0, "Tick automatically at this interval (0: only via POST /tick)")
	serveCmd.Flags().Bool("watch", false, "Hot-reload scripts given as arguments and the policy on change")
	serveCmd.Flags().Int64("max-body", 1<<20, "Max request body size")
	addHostFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

// server exposes a manager over HTTP.
type server struct {
	h       *host
	log     logrus.FieldLogger
	maxBody int64
}

type createContextRequest struct {
	Name     string                `json:"name"`
	Code     string                `json:"code"`
	Language string                `json:"language,omitempty"`
	Trust    capability.TrustLevel `json:"trust"`
}

type createContextResponse struct {
	ID string `json:"id"`
}

type invokeRequest struct {
	Entry string `json:"entry"`
	Args  []any  `json:"args,omitempty"`
}

type reloadRequest struct {
	Code string `json:"code"`
}

type tickRequest struct {
	DT float64 `json:"dt"`
}

type eventRequest struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newServer(h *host, maxBody int64) *server {
	return &server{h: h, log: logger.WithField("component", "control-api"), maxBody: maxBody}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /contexts", s.createContext)
	mux.HandleFunc("GET /contexts", s.listContexts)
	mux.HandleFunc("GET /contexts/{id}", s.getContext)
	mux.HandleFunc("POST /contexts/{id}/invoke", s.invoke)
	mux.HandleFunc("POST /contexts/{id}/reload", s.reload)
	mux.HandleFunc("POST /contexts/{id}/reset", s.reset)
	mux.HandleFunc("DELETE /contexts/{id}", s.destroy)
	mux.HandleFunc("POST /tick", s.tick)
	mux.HandleFunc("POST /events", s.dispatch)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *server) createContext(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" || req.Code == "" {
		s.fail(w, http.StatusBadRequest, errors.New("name and code required"))
		return
	}
	if req.Trust > capability.Untrusted && !s.authorized(r) {
		s.fail(w, http.StatusUnauthorized, sandbox.ErrUnauthorized)
		return
	}

	id, err := s.h.manager.CreateContext(r.Context(), sandbox.Source{
		Name:     req.Name,
		Code:     []byte(req.Code),
		Language: req.Language,
		Trust:    req.Trust,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.reply(w, http.StatusCreated, createContextResponse{ID: id})
}

func (s *server) listContexts(w http.ResponseWriter, r *http.Request) {
	s.reply(w, http.StatusOK, s.h.manager.Contexts())
}

func (s *server) getContext(w http.ResponseWriter, r *http.Request) {
	info, err := s.h.manager.Info(r.PathValue("id"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.reply(w, http.StatusOK, info)
}

func (s *server) invoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.h.manager.Invoke(r.Context(), r.PathValue("id"), req.Entry, req.Args...)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.reply(w, http.StatusOK, res)
}

// elevated rejects requests that change a context above Untrusted unless
// they carry the host token. It reports whether the handler may go on.
func (s *server) elevated(w http.ResponseWriter, r *http.Request) bool {
	info, err := s.h.manager.Info(r.PathValue("id"))
	if err != nil {
		s.respondErr(w, err)
		return false
	}
	if info.Trust > capability.Untrusted && !s.authorized(r) {
		s.fail(w, http.StatusUnauthorized, sandbox.ErrUnauthorized)
		return false
	}
	return true
}

func (s *server) reload(w http.ResponseWriter, r *http.Request) {
	if !s.elevated(w, r) {
		return
	}
	var req reloadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.h.manager.Reload(r.Context(), r.PathValue("id"), []byte(req.Code)); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) reset(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.fail(w, http.StatusUnauthorized, sandbox.ErrUnauthorized)
		return
	}
	if err := s.h.manager.ResetQuarantine(s.h.authority, r.PathValue("id")); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) destroy(w http.ResponseWriter, r *http.Request) {
	if !s.elevated(w, r) {
		return
	}
	if err := s.h.manager.DestroyContext(r.PathValue("id")); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) tick(w http.ResponseWriter, r *http.Request) {
	req := tickRequest{DT: 1.0 / 60}
	if !s.decode(w, r, &req) {
		return
	}
	s.h.world.Advance(req.DT)
	results, err := s.h.manager.Tick(r.Context(), req.DT)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.reply(w, http.StatusOK, results)
}

func (s *server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Event == "" {
		s.fail(w, http.StatusBadRequest, errors.New("event required"))
		return
	}
	results, err := s.h.manager.Dispatch(r.Context(), req.Event, req.Payload)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.reply(w, http.StatusOK, results)
}

// authorized checks the bearer token against the host authority.
func (s *server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && s.h.authority.Verify(token)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.fail(w, http.StatusBadRequest, errors.New("invalid json: "+err.Error()))
		return false
	}
	return true
}

func (s *server) reply(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("write response")
	}
}

func (s *server) fail(w http.ResponseWriter, status int, err error) {
	s.reply(w, status, errorResponse{Error: err.Error()})
}

// respondErr maps sandbox errors onto HTTP status codes.
func (s *server) respondErr(w http.ResponseWriter, err error) {
	var cerr *language.CompileError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sandbox.ErrUnknownContext):
		status = http.StatusNotFound
	case errors.Is(err, sandbox.ErrContextBusy):
		status = http.StatusConflict
	case errors.Is(err, sandbox.ErrQuarantined):
		status = http.StatusLocked
	case errors.Is(err, sandbox.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, sandbox.ErrCapabilityDenied):
		status = http.StatusForbidden
	case errors.Is(err, sandbox.ErrUnknownEntryPoint), errors.Is(err, sandbox.ErrUnknownLanguage):
		status = http.StatusBadRequest
	case errors.As(err, &cerr), errors.Is(err, capability.ErrUnknownCapability):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, governor.ErrAllocationRejected):
		status = http.StatusInsufficientStorage
	case errors.Is(err, sandbox.ErrManagerClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}
	s.fail(w, status, err)
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	tickRate, _ := cmd.Flags().GetDuration("tick-rate")
	watch, _ := cmd.Flags().GetBool("watch")
	maxBody, _ := cmd.Flags().GetInt64("max-body")

	h, err := newHost(cmd)
	if err != nil {
		return err
	}
	defer h.Close()

	ids, err := h.loadAll(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := runContext(cmd)
	defer stop()

	if watch {
		w, err := sandbox.NewWatcher(h.manager, 0)
		if err != nil {
			return err
		}
		defer w.Close()
		for _, id := range ids {
			if err := w.Add(id); err != nil {
				return err
			}
		}
		if h.policyPath != "" {
			if err := w.WatchPolicy(h.policyPath, nil); err != nil {
				return err
			}
		}
		go w.Run(ctx)
	}

	if tickRate > 0 {
		go autoTick(ctx, h, tickRate)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           newServer(h, maxBody).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fields := logrus.Fields{"addr": addr, "contexts": len(ids)}
	if cmd.Flags().Changed("tick-rate") {
		fields["tick_rate"] = tickRate
	}
	logger.WithFields(fields).Info("control API listening")
	if !hasEnvToken() {
		logger.WithField("token", h.authority.Token()).Warn("MOONGUARD_TOKEN not set; generated a bearer token")
	}

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func autoTick(ctx context.Context, h *host, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	dt := every.Seconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			h.world.Advance(dt)
			if _, err := h.manager.Tick(ctx, dt); err != nil && ctx.Err() == nil {
				logger.WithError(err).Warn("tick failed")
			}
		}
	}
}
