// Package advisor asks an external AI service for a dispute recommendation.
// The answer is advisory only: it is normalized here and stored on the
// dispute, but it never moves funds or changes the dispute state.
package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"guildhall/dispute"
	"guildhall/fault"
	"guildhall/metrics"
	"guildhall/settlement"
)

const maxReasoning = 4000

var ErrUnavailable = fault.New(fault.ErrUnavailable, "advisor: service unavailable")

// Request is the case handed to the advisor.
type Request struct {
	DisputeID   string
	Title       string
	Reward      int64
	ClientStake int64
	GuildStake  int64
	Evidence    []dispute.Evidence
}

// Advice is a normalized recommendation.
type Advice struct {
	Ruling           dispute.Ruling `json:"ruling"`
	ClientPercentage int            `json:"client_percentage"`
	GuildPercentage  int            `json:"guild_percentage"`
	Reasoning        string         `json:"reasoning"`
	Model            string         `json:"model"`
}

// Advisory converts the advice into the record kept on the dispute.
func (a Advice) Advisory(at time.Time) dispute.Advisory {
	return dispute.Advisory{
		Ruling:           a.Ruling,
		ClientPercentage: a.ClientPercentage,
		GuildPercentage:  a.GuildPercentage,
		Reasoning:        a.Reasoning,
		Model:            a.Model,
		CreatedAt:        at,
	}
}

// FromAdvisory is the inverse of Advisory.
func FromAdvisory(a dispute.Advisory) Advice {
	return Advice{
		Ruling:           a.Ruling,
		ClientPercentage: a.ClientPercentage,
		GuildPercentage:  a.GuildPercentage,
		Reasoning:        a.Reasoning,
		Model:            a.Model,
	}
}

// Advisor produces recommendations.
type Advisor interface {
	Advise(ctx context.Context, req Request) (Advice, error)
}

// Normalize makes untrusted output safe to store: unknown rulings become a
// split, percentages are forced to sum to 100 and the reasoning is trimmed.
func Normalize(a Advice) Advice {
	if !a.Ruling.Valid() {
		a.Ruling = dispute.RulingSplit
	}
	switch {
	case a.ClientPercentage == 0 && a.GuildPercentage == 0 && a.Ruling == dispute.RulingClientWins:
		a.ClientPercentage = 100
	case a.ClientPercentage == 0 && a.GuildPercentage == 0 && a.Ruling == dispute.RulingGuildWins:
		a.GuildPercentage = 100
	}
	split := settlement.NormalizeSplit(a.ClientPercentage, a.GuildPercentage)
	a.ClientPercentage, a.GuildPercentage = split.ClientPct, split.GuildPct

	a.Reasoning = strings.TrimSpace(a.Reasoning)
	if r := []rune(a.Reasoning); len(r) > maxReasoning {
		a.Reasoning = string(r[:maxReasoning])
	}
	a.Model = strings.TrimSpace(a.Model)
	return a
}

// Neutral answers with an even split. Used when no advisor is configured.
type Neutral struct{}

func (Neutral) Advise(ctx context.Context, req Request) (Advice, error) {
	return Advice{
		Ruling:           dispute.RulingSplit,
		ClientPercentage: 50,
		GuildPercentage:  50,
		Reasoning:        "no advisor configured; even split suggested",
		Model:            "neutral",
	}, nil
}

// HTTPAdvisor calls a JSON endpoint.
type HTTPAdvisor struct {
	url     string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTP builds a client for url throttled to rps requests per second.
func NewHTTP(url, apiKey string, rps float64, timeout time.Duration) *HTTPAdvisor {
	if rps <= 0 {
		rps = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAdvisor{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type wireEvidence struct {
	Party  string   `json:"party"`
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
	Links  []string `json:"links,omitempty"`
}

type wireRequest struct {
	DisputeID   string         `json:"dispute_id"`
	Title       string         `json:"title"`
	Reward      int64          `json:"reward_credits"`
	ClientStake int64          `json:"client_stake"`
	GuildStake  int64          `json:"guild_stake"`
	Evidence    []wireEvidence `json:"evidence"`
}

func (h *HTTPAdvisor) Advise(ctx context.Context, req Request) (Advice, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return Advice{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	body := wireRequest{
		DisputeID:   req.DisputeID,
		Title:       req.Title,
		Reward:      req.Reward,
		ClientStake: req.ClientStake,
		GuildStake:  req.GuildStake,
	}
	for _, e := range req.Evidence {
		body.Evidence = append(body.Evidence, wireEvidence{Party: string(e.Party), Text: e.Text, Images: e.Images, Links: e.Links})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Advice{}, fmt.Errorf("advisor: encode: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return Advice{}, fmt.Errorf("advisor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		metrics.RecordAdvisorRequest(false)
		return Advice{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordAdvisorRequest(false)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Advice{}, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Advice
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		metrics.RecordAdvisorRequest(false)
		return Advice{}, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	metrics.RecordAdvisorRequest(true)
	return Normalize(out), nil
}
