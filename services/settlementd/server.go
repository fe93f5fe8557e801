package settlementd

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"commitpay/chain"
	"commitpay/ledger"
	"commitpay/settlement"
)

// RunTrigger starts a settlement run on demand.
type RunTrigger interface {
	Run(ctx context.Context) (*settlement.Summary, error)
}

// RewardInfoReader exposes the vault's cumulative per-account record.
type RewardInfoReader interface {
	UserRewardInfo(ctx context.Context, addr common.Address) (*chain.UserRewardInfo, error)
}

// ServerConfig captures the dependencies required to construct the admin API.
type ServerConfig struct {
	Store          *ledger.Store
	Trigger        RunTrigger
	Rewards        RewardInfoReader
	BearerToken    string
	StuckThreshold int
	TokenDecimals  int32
	Logger         *slog.Logger
}

// Server is the settlementd admin HTTP surface.
type Server struct {
	store          *ledger.Store
	trigger        RunTrigger
	rewards        RewardInfoReader
	token          string
	stuckThreshold int
	tokenDecimals  int32
	logger         *slog.Logger

	router http.Handler
}

// NewServer constructs a configured router with auth on mutating and
// ledger-reading endpoints. Health and metrics stay open for probes.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.StuckThreshold
	if threshold <= 0 {
		threshold = 5
	}
	decimals := cfg.TokenDecimals
	if decimals <= 0 {
		decimals = 18
	}
	srv := &Server{
		store:          cfg.Store,
		trigger:        cfg.Trigger,
		rewards:        cfg.Rewards,
		token:          cfg.BearerToken,
		stuckThreshold: threshold,
		tokenDecimals:  decimals,
		logger:         logger,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", srv.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(srv.requireBearer)
		r.Post("/run", srv.handleRun)
		r.Get("/status", srv.handleStatus)
		r.Get("/runs", srv.handleRuns)
		r.Get("/stuck", srv.handleStuck)
		r.Get("/rewards/{address}", srv.handleRewards)
	})
	srv.router = r
	return srv
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		provided, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(provided)), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.trigger.Run(r.Context())
	switch {
	case errors.Is(err, settlement.ErrRunInProgress):
		writeError(w, http.StatusConflict, "settlement run already in progress")
	case err != nil:
		s.logger.Error("manual settlement run failed", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.RecentRuns(r.Context(), 1)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run history unavailable")
		return
	}
	stuck, err := s.store.StuckRecipients(r.Context(), s.stuckThreshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stuck scan failed")
		return
	}
	status := map[string]interface{}{
		"service":         "settlementd",
		"stuckRecipients": len(stuck),
	}
	if len(runs) > 0 {
		status["lastRun"] = runs[0]
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	runs, err := s.store.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "run history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	stuck, err := s.store.StuckRecipients(r.Context(), s.stuckThreshold)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stuck scan failed")
		return
	}
	type stuckRecipient struct {
		RecipientID string `json:"recipientId"`
		Handle      string `json:"handle"`
		Wallet      string `json:"wallet,omitempty"`
		FailStreak  int    `json:"failStreak"`
	}
	out := make([]stuckRecipient, 0, len(stuck))
	for _, recipient := range stuck {
		item := stuckRecipient{
			RecipientID: recipient.ID.String(),
			Handle:      recipient.Handle,
			FailStreak:  recipient.VerifyFailStreak,
		}
		if recipient.WalletAddress != nil {
			item.Wallet = *recipient.WalletAddress
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

// rewardStatus pairs the vault's cumulative record with the ledger's view
// of the same recipient. The two sides should track each other; divergence
// means credited value never reached the vault or was credited twice.
type rewardStatus struct {
	Address string                `json:"address"`
	Handle  string                `json:"handle,omitempty"`
	OnChain *chain.UserRewardInfo `json:"onChain"`
	// OnChainAllocated is the vault's cumulative allocation expressed in
	// token units rather than base units.
	OnChainAllocated string `json:"onChainAllocated"`
	// LedgerSettled is the cumulative non-pending ledger amount, absent
	// when the address maps to no ledger recipient.
	LedgerSettled string `json:"ledgerSettled,omitempty"`
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	addr := common.HexToAddress(raw)
	info, err := s.rewards.UserRewardInfo(r.Context(), addr)
	if err != nil {
		s.logger.Warn("reward info read failed", "address", raw, "err", err)
		writeError(w, http.StatusBadGateway, "vault read failed")
		return
	}
	status := rewardStatus{
		Address:          addr.Hex(),
		OnChain:          info,
		OnChainAllocated: chain.FromBaseUnits(info.TotalAllocated, s.tokenDecimals).String(),
	}
	recipient, err := s.store.RecipientByWallet(r.Context(), addr.Hex())
	if err != nil {
		s.logger.Warn("recipient lookup failed", "address", raw, "err", err)
		writeError(w, http.StatusInternalServerError, "ledger read failed")
		return
	}
	if recipient != nil {
		settled, err := s.store.SettledTotal(r.Context(), recipient.ID)
		if err != nil {
			s.logger.Warn("settled total read failed", "address", raw, "err", err)
			writeError(w, http.StatusInternalServerError, "ledger read failed")
			return
		}
		status.Handle = recipient.Handle
		status.LedgerSettled = settled.String()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
