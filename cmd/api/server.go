package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"guildhall/account"
	"guildhall/auth"
	"guildhall/bounty"
	"guildhall/dispute"
	"guildhall/engine"
	"guildhall/fault"
	"guildhall/ledger"
	"guildhall/notify"
	"guildhall/tribunal"
)

// Server exposes the engine over HTTP.
type Server struct {
	engine  *engine.Engine
	auth    *auth.Service
	logger  *slog.Logger
	limiter *ipRateLimiter
	maxBody int64
}

func NewServer(e *engine.Engine, authSvc *auth.Service, logger *slog.Logger, ratePerMinute int, maxBody int64) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  e,
		auth:    authSvc,
		logger:  logger,
		limiter: newIPRateLimiter(ratePerMinute),
		maxBody: maxBody,
	}
}

func (s *Server) routes() http.Handler {
	router := mux.NewRouter()
	router.Use(requestID, s.instrument, rateLimit(s.limiter), bodyLimit(s.maxBody))

	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authenticate(s.auth))

	api.HandleFunc("/accounts", s.handleOpenAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/statement", s.handleStatement).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/trust", s.handleTrustHistory).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/trust/recompute", s.handleRecomputeTrust).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/purchases", s.handlePurchase).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}/withdrawals", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/guilds", s.handleCreateGuild).Methods(http.MethodPost)

	api.HandleFunc("/bounties", s.handlePostBounty).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}", s.handleGetBounty).Methods(http.MethodGet)
	api.HandleFunc("/bounties/{id}/{action:accept|start|submit|review|approve|cancel}", s.handleBountyAction).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}/disputes", s.handleRaiseDispute).Methods(http.MethodPost)

	api.HandleFunc("/disputes/{id}", s.handleGetDispute).Methods(http.MethodGet)
	api.HandleFunc("/disputes/{id}/evidence", s.handleSubmitEvidence).Methods(http.MethodPost)
	api.HandleFunc("/disputes/{id}/analysis", s.handleRequestAnalysis).Methods(http.MethodPost)
	api.HandleFunc("/disputes/{id}/escalation", s.handleEscalate).Methods(http.MethodPost)
	api.HandleFunc("/disputes/{id}/votes", s.handleCastVote).Methods(http.MethodPost)

	api.HandleFunc("/notifications", s.handleListNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPost)

	api.HandleFunc("/admin/settle-pending", s.handleSettlePending).Methods(http.MethodPost)

	return otelhttp.NewHandler(router, "guildhall.http")
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error category to its HTTP status.
func statusFor(err error) int {
	switch fault.Kind(err) {
	case fault.ErrValidation:
		return http.StatusBadRequest
	case fault.ErrAuthorization:
		return http.StatusForbidden
	case fault.ErrNotFound:
		return http.StatusNotFound
	case fault.ErrInsufficientFunds:
		return http.StatusPaymentRequired
	case fault.ErrInvalidStateTransition, fault.ErrConflict:
		return http.StatusConflict
	case fault.ErrInsufficientJurors:
		return http.StatusUnprocessableEntity
	case fault.ErrUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError || fault.IsInternal(err) {
		s.logger.Error("request failed", "requestID", r.Context().Value(ctxKeyRequestID), "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

type accountResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	DisplayName  string `json:"displayName"`
	Available    int64  `json:"available"`
	Staked       int64  `json:"staked"`
	TrustScore   int    `json:"trustScore"`
	Rank         string `json:"rank"`
	LastActiveAt string `json:"lastActiveAt"`
	CreatedAt    string `json:"createdAt"`
}

func toAccountResponse(a account.Account) accountResponse {
	return accountResponse{
		ID:           a.ID,
		Kind:         string(a.Kind),
		DisplayName:  a.DisplayName,
		Available:    a.Available,
		Staked:       a.Staked,
		TrustScore:   a.TrustScore,
		Rank:         string(a.Rank),
		LastActiveAt: formatTime(a.LastActiveAt),
		CreatedAt:    formatTime(a.CreatedAt),
	}
}

type entryResponse struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Amount      int64  `json:"amount"`
	Available   int64  `json:"available"`
	Staked      int64  `json:"staked"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
	CreatedAt   string `json:"createdAt"`
}

func toEntryResponse(e ledger.Entry) entryResponse {
	return entryResponse{
		ID:          e.ID,
		Type:        string(e.Type),
		Amount:      e.Amount,
		Available:   e.Available,
		Staked:      e.Staked,
		Reference:   e.Reference,
		Description: e.Description,
		CreatedAt:   formatTime(e.CreatedAt),
	}
}

type trustEventResponse struct {
	Type        string `json:"type"`
	ScoreBefore int    `json:"scoreBefore"`
	ScoreAfter  int    `json:"scoreAfter"`
	RankBefore  string `json:"rankBefore"`
	RankAfter   string `json:"rankAfter"`
	Reason      string `json:"reason"`
	CreatedAt   string `json:"createdAt"`
}

type bountyResponse struct {
	ID                 string `json:"id"`
	ClientID           string `json:"clientId"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	RewardCredits      int64  `json:"rewardCredits"`
	ClientStake        int64  `json:"clientStake"`
	GuildStakeRequired int64  `json:"guildStakeRequired"`
	GuildStakeLocked   int64  `json:"guildStakeLocked"`
	Status             string `json:"status"`
	GuildID            string `json:"guildId,omitempty"`
	DisputeID          string `json:"disputeId,omitempty"`
	CreatedAt          string `json:"createdAt"`
	UpdatedAt          string `json:"updatedAt"`
}

func toBountyResponse(b bounty.Bounty) bountyResponse {
	return bountyResponse{
		ID:                 b.ID,
		ClientID:           b.ClientID,
		Title:              b.Title,
		Description:        b.Description,
		RewardCredits:      b.RewardCredits,
		ClientStake:        b.ClientStake,
		GuildStakeRequired: b.GuildStakeRequired,
		GuildStakeLocked:   b.GuildStakeLocked,
		Status:             string(b.Status),
		GuildID:            b.AcceptedByGuildID,
		DisputeID:          b.DisputeID,
		CreatedAt:          formatTime(b.CreatedAt),
		UpdatedAt:          formatTime(b.UpdatedAt),
	}
}

type advisoryResponse struct {
	Ruling           string `json:"ruling"`
	ClientPercentage int    `json:"clientPercentage"`
	GuildPercentage  int    `json:"guildPercentage"`
	Reasoning        string `json:"reasoning"`
	Model            string `json:"model,omitempty"`
}

type evidenceResponse struct {
	ID          string   `json:"id"`
	Party       string   `json:"party"`
	SubmittedBy string   `json:"submittedBy"`
	Text        string   `json:"text"`
	Images      []string `json:"images"`
	Links       []string `json:"links"`
	CreatedAt   string   `json:"createdAt"`
}

type voteResponse struct {
	GuildID      string `json:"guildId"`
	Vote         string `json:"vote"`
	StakedAmount int64  `json:"stakedAmount"`
	CastAt       string `json:"castAt"`
}

type disputeResponse struct {
	ID                string             `json:"id"`
	BountyID          string             `json:"bountyId"`
	ClientID          string             `json:"clientId"`
	GuildID           string             `json:"guildId"`
	Tier              string             `json:"tier"`
	Status            string             `json:"status"`
	ClientStakeAtRisk int64              `json:"clientStakeAtRisk"`
	GuildStakeAtRisk  int64              `json:"guildStakeAtRisk"`
	RewardCredits     int64              `json:"rewardCredits"`
	Jurors            []string           `json:"jurors"`
	Advisory          *advisoryResponse  `json:"advisory,omitempty"`
	FinalRuling       string             `json:"finalRuling,omitempty"`
	ClientPercentage  int                `json:"clientPercentage"`
	GuildPercentage   int                `json:"guildPercentage"`
	ResolvedAt        string             `json:"resolvedAt,omitempty"`
	Bounty            bountyResponse     `json:"bounty"`
	Evidence          []evidenceResponse `json:"evidence"`
	Votes             []voteResponse     `json:"votes"`
	CreatedAt         string             `json:"createdAt"`
}

func toDisputeResponse(snap dispute.Snapshot) disputeResponse {
	d := snap.Dispute
	resp := disputeResponse{
		ID:                d.ID,
		BountyID:          d.BountyID,
		ClientID:          d.ClientID,
		GuildID:           d.GuildID,
		Tier:              string(d.Tier),
		Status:            string(d.Status),
		ClientStakeAtRisk: d.ClientStakeAtRisk,
		GuildStakeAtRisk:  d.GuildStakeAtRisk,
		RewardCredits:     d.RewardCredits,
		Jurors:            append([]string{}, d.Jurors...),
		FinalRuling:       string(d.FinalRuling),
		ClientPercentage:  d.ClientPercentage,
		GuildPercentage:   d.GuildPercentage,
		ResolvedAt:        formatTimePtr(d.ResolvedAt),
		Bounty:            toBountyResponse(snap.Bounty),
		Evidence:          []evidenceResponse{},
		Votes:             []voteResponse{},
		CreatedAt:         formatTime(d.CreatedAt),
	}
	if a := d.Advisory; a != nil {
		resp.Advisory = &advisoryResponse{
			Ruling:           string(a.Ruling),
			ClientPercentage: a.ClientPercentage,
			GuildPercentage:  a.GuildPercentage,
			Reasoning:        a.Reasoning,
			Model:            a.Model,
		}
	}
	for _, e := range snap.Evidence {
		resp.Evidence = append(resp.Evidence, evidenceResponse{
			ID:          e.ID,
			Party:       string(e.Party),
			SubmittedBy: e.SubmittedBy,
			Text:        e.Text,
			Images:      append([]string{}, e.Images...),
			Links:       append([]string{}, e.Links...),
			CreatedAt:   formatTime(e.CreatedAt),
		})
	}
	for _, v := range snap.Votes {
		resp.Votes = append(resp.Votes, voteResponse{
			GuildID:      v.GuildID,
			Vote:         string(v.Vote),
			StakedAmount: v.StakedAmount,
			CastAt:       formatTime(v.CastAt),
		})
	}
	return resp
}

type notificationResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Reference string `json:"reference"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"createdAt"`
}

func toNotificationResponse(n notify.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		Kind:      string(n.Kind),
		Message:   n.Message,
		Reference: n.Reference,
		Read:      n.Read,
		CreatedAt: formatTime(n.CreatedAt),
	}
}

type voteResultResponse struct {
	DisputeID string `json:"disputeId"`
	Votes     int    `json:"votes"`
	Jurors    int    `json:"jurors"`
	Complete  bool   `json:"complete"`
	Resolved  bool   `json:"resolved"`
	Ruling    string `json:"ruling,omitempty"`
}

// castVoteRequest is decoded separately so an unknown vote string is a
// validation error rather than a decode failure.
type castVoteRequest struct {
	GuildID string `json:"guildId"`
	Vote    string `json:"vote"`
	Stake   int64  `json:"stake"`
}

func (c castVoteRequest) params(actorID, disputeID string) tribunal.VoteParams {
	return tribunal.VoteParams{
		ActorID:   actorID,
		DisputeID: disputeID,
		GuildID:   c.GuildID,
		Vote:      dispute.Ruling(c.Vote),
		Stake:     c.Stake,
	}
}
