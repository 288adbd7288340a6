package projection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"escrow-backend/core/marketplace"
	"escrow-backend/middleware"
	"escrow-backend/network"
	scstore "escrow-backend/storage/projection"
)

// Server exposes the projection store over HTTP.
type Server struct {
	store    scstore.Store
	networks *network.Registry
	gatherer prometheus.Gatherer
	validate *validator.Validate
}

// JobCreateBody is the POST /jobs payload.
type JobCreateBody struct {
	ChainJobID        string          `json:"chain_job_id" validate:"required,max=128"`
	Title             string          `json:"title" validate:"required,max=200"`
	Description       string          `json:"description" validate:"max=20000"`
	Tags              []string        `json:"tags" validate:"max=20,dive,max=40"`
	AmountMNEE        decimal.Decimal `json:"amount_mnee"`
	ClientAddress     string          `json:"client_address" validate:"required,eth_addr"`
	FreelancerAddress string          `json:"freelancer_address" validate:"omitempty,eth_addr"`
	ChainID           uint64          `json:"chain_id" validate:"required"`
	ClientName        string          `json:"client_name" validate:"max=120"`
	FundingTxHash     string          `json:"funding_tx_hash" validate:"omitempty,startswith=0x"`
	IDDegraded        bool            `json:"id_degraded"`
}

// SubmissionBody is the POST /submissions payload.
type SubmissionBody struct {
	ID             string    `json:"id" validate:"omitempty,max=64"`
	ChainJobID     string    `json:"chain_job_id" validate:"required"`
	FreelancerName string    `json:"freelancer_name" validate:"required"`
	Notes          string    `json:"notes"`
	Files          []string  `json:"files"`
	Verdict        string    `json:"verdict" validate:"required,oneof=PASS FAIL"`
	Reason         string    `json:"reason"`
	TxHash         string    `json:"tx_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

type applyForm struct {
	JobID         string `validate:"required"`
	ApplicantName string `validate:"required"`
}

type assignForm struct {
	JobID          string `validate:"required"`
	FreelancerName string `validate:"required"`
}

// NewServer builds a Server. networks and gatherer may be nil.
func NewServer(store scstore.Store, networks *network.Registry, gatherer prometheus.Gatherer) *Server {
	return &Server{
		store:    store,
		networks: networks,
		gatherer: gatherer,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes attaches handlers to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJob)
	mux.HandleFunc("/apply", s.handleApply)
	mux.HandleFunc("/assign", s.handleAssign)
	mux.HandleFunc("/submissions", s.handleSubmissions)
	mux.HandleFunc("/submissions/", s.handleSubmissions)
	mux.HandleFunc("/users", s.handleUsers)
	mux.HandleFunc("/qrcode", s.handleQRCode)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed server wrapped in the standard middleware.
func (s *Server) Handler(apiKey string) http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return middleware.Chain(mux,
		middleware.Recovery,
		middleware.Logging,
		middleware.CORS,
		middleware.SecurityHeaders,
		middleware.RejectTraversal,
		middleware.APIKey(apiKey),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := scstore.JobFilter{Limit: intFromQuery(r, "limit", scstore.DefaultJobLimit)}
		if raw := strings.TrimSpace(r.URL.Query().Get("chainId")); raw != "" {
			chainID, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				Error(w, http.StatusBadRequest, "chainId must be a decimal chain id")
				return
			}
			filter.ChainID = chainID
		}
		jobs, err := s.store.ListJobs(r.Context(), filter)
		if err != nil {
			Fail(w, err)
			return
		}
		JSON(w, http.StatusOK, jobs)

	case http.MethodPost:
		var body JobCreateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := s.validate.Struct(body); err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if !body.AmountMNEE.IsPositive() {
			Fail(w, marketplace.ErrInvalidAmount)
			return
		}
		if s.networks != nil {
			if _, ok := s.networks.ByChainID(body.ChainID); !ok {
				Error(w, http.StatusBadRequest, fmt.Sprintf("chain %d is not a configured network", body.ChainID))
				return
			}
		}
		job, created, err := s.store.IndexJob(r.Context(), marketplace.JobRecord{
			ChainJobID:        strings.TrimSpace(body.ChainJobID),
			Title:             strings.TrimSpace(body.Title),
			Description:       body.Description,
			Tags:              body.Tags,
			AmountMNEE:        body.AmountMNEE,
			ClientAddress:     body.ClientAddress,
			FreelancerAddress: body.FreelancerAddress,
			ChainID:           body.ChainID,
			ClientName:        body.ClientName,
			FundingTxHash:     body.FundingTxHash,
			IDDegraded:        body.IDDegraded,
		})
		if err != nil {
			Fail(w, err)
			return
		}
		if !created {
			log.Info().Str("job_id", job.ChainJobID).Msg("Job already indexed")
			JSON(w, http.StatusOK, job)
			return
		}
		log.Info().Str("job_id", job.ChainJobID).Uint64("chain_id", job.ChainID).Bool("degraded", job.IDDegraded).Msg("job indexed")
		JSON(w, http.StatusCreated, job)

	default:
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	if id == "" {
		Error(w, http.StatusNotFound, "job id required")
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, job)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		Error(w, http.StatusBadRequest, "invalid form")
		return
	}
	form := applyForm{
		JobID:         strings.TrimSpace(r.PostForm.Get("jobId")),
		ApplicantName: strings.TrimSpace(r.PostForm.Get("applicantName")),
	}
	if err := s.validate.Struct(form); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := expectedVersion(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.store.Apply(r.Context(), form.JobID, form.ApplicantName, version)
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, job)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		Error(w, http.StatusBadRequest, "invalid form")
		return
	}
	form := assignForm{
		JobID:          strings.TrimSpace(r.PostForm.Get("jobId")),
		FreelancerName: strings.TrimSpace(r.PostForm.Get("freelancerName")),
	}
	if err := s.validate.Struct(form); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	version, err := expectedVersion(r)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	known, err := s.isKnown(r, form.FreelancerName)
	if err != nil {
		Fail(w, err)
		return
	}
	if !known {
		Fail(w, fmt.Errorf("%w: %q", marketplace.ErrUnknownIdentity, form.FreelancerName))
		return
	}

	// Callers that do not name themselves act as the job's client.
	actor := strings.TrimSpace(r.PostForm.Get("actorName"))
	if actor == "" {
		job, err := s.store.GetJob(r.Context(), form.JobID)
		if err != nil {
			Fail(w, err)
			return
		}
		actor = job.ClientName
	}

	job, err := s.store.Assign(r.Context(), form.JobID, actor, form.FreelancerName, version)
	if err != nil {
		Fail(w, err)
		return
	}
	log.Info().Str("job_id", job.ChainJobID).Str("worker", job.FreelancerName).Msg("freelancer assigned")
	JSON(w, http.StatusOK, job)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/submissions"), "/")
		if jobID == "" {
			Error(w, http.StatusBadRequest, "job id required")
			return
		}
		subs, err := s.store.ListSubmissions(r.Context(), jobID, intFromQuery(r, "limit", scstore.DefaultSubmissionLimit))
		if err != nil {
			Fail(w, err)
			return
		}
		JSON(w, http.StatusOK, subs)

	case http.MethodPost:
		var body SubmissionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			Error(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := s.validate.Struct(body); err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.ID == "" {
			body.ID = uuid.NewString()
		}
		files := body.Files
		if files == nil {
			files = []string{}
		}
		job, err := s.store.RecordSubmission(r.Context(), marketplace.Submission{
			ID:             body.ID,
			ChainJobID:     body.ChainJobID,
			FreelancerName: body.FreelancerName,
			Notes:          body.Notes,
			Files:          files,
			Verdict:        marketplace.Verdict(body.Verdict),
			Reason:         body.Reason,
			TxHash:         body.TxHash,
			CreatedAt:      body.CreatedAt,
		})
		if err != nil {
			Fail(w, err)
			return
		}
		log.Info().Str("job_id", job.ChainJobID).Str("verdict", body.Verdict).Str("status", string(job.Status)).Msg("submission recorded")
		JSON(w, http.StatusCreated, job)

	default:
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	users, err := s.store.Users(r.Context())
	if err != nil {
		Fail(w, err)
		return
	}
	JSON(w, http.StatusOK, users)
}

// handleQRCode renders a PNG QR code linking the job's latest transaction
// on its network's explorer.
func (s *Server) handleQRCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobID := strings.TrimSpace(r.URL.Query().Get("jobId"))
	if jobID == "" {
		Error(w, http.StatusBadRequest, "jobId required")
		return
	}
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		Fail(w, err)
		return
	}
	txHash := job.SettlementTxHash
	if txHash == "" {
		txHash = job.FundingTxHash
	}
	if txHash == "" {
		Error(w, http.StatusNotFound, "job has no recorded transaction")
		return
	}
	content := txHash
	if s.networks != nil {
		if profile, ok := s.networks.ByChainID(job.ChainID); ok {
			if link := profile.TxURL(txHash); link != "" {
				content = link
			}
		}
	}

	size := intFromQuery(r, "size", 256)
	if size < 64 || size > 1024 {
		size = 256
	}
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to generate QR code")
		return
	}
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, qr.Image(size)); err != nil {
		Error(w, http.StatusInternalServerError, "failed to encode QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) isKnown(r *http.Request, name string) (bool, error) {
	users, err := s.store.Users(r.Context())
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if u.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func expectedVersion(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.PostForm.Get("expectedVersion"))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("expectedVersion must be a non-negative integer")
	}
	return v, nil
}

func intFromQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
