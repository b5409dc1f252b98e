package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"guildhall/auth"
	"guildhall/bounty"
	"guildhall/dispute"
	"guildhall/engine"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.engine.OpenAccount(r.Context(), engine.OpenAccountParams{ID: actorFrom(r.Context()), DisplayName: req.DisplayName})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (s *Server) handleCreateGuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string   `json:"displayName"`
		OfficerIDs  []string `json:"officerIds"`
		MemberIDs   []string `json:"memberIds"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := s.engine.CreateGuild(r.Context(), engine.CreateGuildParams{
		ActorID:     actorFrom(r.Context()),
		DisplayName: req.DisplayName,
		OfficerIDs:  req.OfficerIDs,
		MemberIDs:   req.MemberIDs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acct))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.engine.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(acct))
}

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.mayInspect(r, id) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}
	st, err := s.engine.Statement(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries := make([]entryResponse, 0, len(st.Entries))
	for _, e := range st.Entries {
		entries = append(entries, toEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": toAccountResponse(st.Account),
		"entries": entries,
	})
}

func (s *Server) handleTrustHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.TrustHistory(r.Context(), mux.Vars(r)["id"], queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]trustEventResponse, 0, len(events))
	for _, ev := range events {
		items = append(items, trustEventResponse{
			Type:        string(ev.Type),
			ScoreBefore: ev.ScoreBefore,
			ScoreAfter:  ev.ScoreAfter,
			RankBefore:  string(ev.RankBefore),
			RankAfter:   string(ev.RankAfter),
			Reason:      ev.Reason,
			CreatedAt:   formatTime(ev.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRecomputeTrust(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.mayInspect(r, id) {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
		return
	}
	res, err := s.engine.RecomputeTrust(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accountId":     res.AccountID,
		"score":         res.Score,
		"rank":          res.Rank,
		"previousScore": res.PreviousScore,
		"previousRank":  res.PreviousRank,
		"transition":    res.Transition,
	})
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := s.engine.Purchase(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entry, err := s.engine.Withdraw(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"], req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryResponse(entry))
}

func (s *Server) handlePostBounty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title              string `json:"title"`
		Description        string `json:"description"`
		RewardCredits      int64  `json:"rewardCredits"`
		ClientStake        int64  `json:"clientStake"`
		GuildStakeRequired int64  `json:"guildStakeRequired"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	b, err := s.engine.PostBounty(r.Context(), bounty.PostParams{
		ClientID:           actorFrom(r.Context()),
		Title:              req.Title,
		Description:        req.Description,
		RewardCredits:      req.RewardCredits,
		ClientStake:        req.ClientStake,
		GuildStakeRequired: req.GuildStakeRequired,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBountyResponse(b))
}

func (s *Server) handleGetBounty(w http.ResponseWriter, r *http.Request) {
	b, err := s.engine.GetBounty(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}

func (s *Server) handleBountyAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, actor, id := r.Context(), actorFrom(r.Context()), vars["id"]

	var (
		b   bounty.Bounty
		err error
	)
	switch vars["action"] {
	case "accept":
		var req struct {
			GuildID string `json:"guildId"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		b, err = s.engine.AcceptBounty(ctx, actor, id, req.GuildID)
	case "start":
		b, err = s.engine.StartBounty(ctx, actor, id)
	case "submit":
		b, err = s.engine.SubmitBounty(ctx, actor, id)
	case "review":
		b, err = s.engine.ReviewBounty(ctx, actor, id)
	case "approve":
		var req struct {
			Rating int `json:"rating"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		b, err = s.engine.ApproveBounty(ctx, bounty.ApproveParams{ActorID: actor, BountyID: id, Rating: req.Rating})
	case "cancel":
		b, err = s.engine.CancelBounty(ctx, actor, id)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown action"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBountyResponse(b))
}

type evidenceRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
	Links  []string `json:"links"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.engine.RaiseDispute(r.Context(), dispute.RaiseParams{
		ActorID:  actorFrom(r.Context()),
		BountyID: mux.Vars(r)["id"],
		Text:     req.Text,
		Images:   req.Images,
		Links:    req.Links,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"disputeId": id})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetDisputeState(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(snap))
}

func (s *Server) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	err := s.engine.SubmitEvidence(r.Context(), dispute.EvidenceParams{
		ActorID:   actorFrom(r.Context()),
		DisputeID: mux.Vars(r)["id"],
		Text:      req.Text,
		Images:    req.Images,
		Links:     req.Links,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestAnalysis(w http.ResponseWriter, r *http.Request) {
	advice, err := s.engine.RequestAIAnalysis(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, advisoryResponse{
		Ruling:           string(advice.Ruling),
		ClientPercentage: advice.ClientPercentage,
		GuildPercentage:  advice.GuildPercentage,
		Reasoning:        advice.Reasoning,
		Model:            advice.Model,
	})
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	jurors, err := s.engine.EscalateToTribunal(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jurors": jurors})
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	res, err := s.engine.CastTribunalVote(r.Context(), req.params(actorFrom(r.Context()), id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voteResultResponse{
		DisputeID: res.DisputeID,
		Votes:     res.Votes,
		Jurors:    res.Jurors,
		Complete:  res.Complete,
		Resolved:  res.Resolved,
		Ruling:    string(res.Ruling),
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListNotifications(r.Context(), actorFrom(r.Context()), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		items = append(items, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.MarkNotificationRead(r.Context(), actorFrom(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettlePending(w http.ResponseWriter, r *http.Request) {
	if roleFrom(r.Context()) != auth.RoleOperator {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "operator role required"})
		return
	}
	n, err := s.engine.SettlePending(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"settled": n})
}

// mayInspect allows operators and anyone who speaks for the account.
func (s *Server) mayInspect(r *http.Request, accountID string) bool {
	if roleFrom(r.Context()) == auth.RoleOperator {
		return true
	}
	return s.engine.SpeaksFor(r.Context(), actorFrom(r.Context()), accountID)
}
