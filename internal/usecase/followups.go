package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"opencami/internal/domain"
	"opencami/internal/infra/config"
)

// TokenCounter measures prompt size.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateCounter approximates one token per four runes.
type EstimateCounter struct{}

func (EstimateCounter) Count(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// NewTokenCounter loads the named tiktoken encoding, falling back to
// EstimateCounter when it cannot be loaded.
func NewTokenCounter(encoding string, logger *slog.Logger) TokenCounter {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, estimating tokens", "encoding", encoding, "error", err)
		return EstimateCounter{}
	}
	return tiktokenCounter{enc: enc}
}

const maxFollowUps = 10

// FollowUpService asks the gateway for suggested next questions.
type FollowUpService struct {
	rpc     RPC
	cfg     config.FollowUpsConfig
	counter TokenCounter
	logger  *slog.Logger
}

// NewFollowUpService creates a FollowUpService.
func NewFollowUpService(rpc RPC, cfg config.FollowUpsConfig, counter TokenCounter, logger *slog.Logger) *FollowUpService {
	if cfg.Method == "" {
		cfg.Method = "codex.generate"
	}
	if cfg.Count <= 0 {
		cfg.Count = 3
	}
	if counter == nil {
		counter = EstimateCounter{}
	}
	return &FollowUpService{rpc: rpc, cfg: cfg, counter: counter, logger: logger}
}

type generateParams struct {
	Prompt         string `json:"prompt"`
	MaxSuggestions int    `json:"maxSuggestions"`
}

// Suggest never fails; a gateway error yields an empty list with the error text.
func (s *FollowUpService) Suggest(ctx context.Context, req domain.FollowUpRequest) domain.FollowUpResult {
	count := req.Count
	if count <= 0 || count > maxFollowUps {
		count = s.cfg.Count
	}

	prompt, ok := s.buildPrompt(req.Messages, count)
	if !ok {
		return domain.FollowUpResult{OK: true, Suggestions: []string{}}
	}

	payload, err := s.rpc.Call(ctx, s.cfg.Method, generateParams{Prompt: prompt, MaxSuggestions: count})
	if err != nil {
		s.logger.Warn("follow-up generation failed", "method", s.cfg.Method, "error", err, "code", domain.ErrorCodeOf(err))
		return domain.FollowUpResult{OK: true, Suggestions: []string{}, Error: err.Error()}
	}
	return domain.FollowUpResult{OK: true, Suggestions: parseSuggestions(payload, count)}
}

func (s *FollowUpService) buildPrompt(messages []domain.ChatMessage, count int) (string, bool) {
	var turns []domain.ChatMessage
	for _, m := range messages {
		if strings.TrimSpace(m.Content) != "" {
			turns = append(turns, m)
		}
	}
	if len(turns) == 0 {
		return "", false
	}

	instruction := fmt.Sprintf("\nSuggest %d short follow-up questions the user might ask next. "+
		"Reply with one question per line and nothing else.", count)
	render := func(ts []domain.ChatMessage) string {
		var b strings.Builder
		b.WriteString("Conversation:\n")
		for _, m := range ts {
			role := m.Role
			if role == "" {
				role = "user"
			}
			b.WriteString(role + ": " + strings.TrimSpace(m.Content) + "\n")
		}
		b.WriteString(instruction)
		return b.String()
	}

	limit := s.cfg.MaxPromptTokens
	if limit <= 0 {
		return render(turns), true
	}

	over := func(ts []domain.ChatMessage) bool { return s.counter.Count(render(ts)) > limit }

	// Drop the oldest turns first, then keep only the tail of the newest.
	for len(turns) > 1 && over(turns) {
		turns = turns[1:]
	}
	if len(turns) == 1 {
		last := turns[0]
		runes := []rune(strings.TrimSpace(last.Content))
		for len(runes) > 1 && over([]domain.ChatMessage{last}) {
			runes = runes[len(runes)/2:]
			last.Content = string(runes)
		}
		turns = []domain.ChatMessage{last}
	}
	return render(turns), true
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// parseSuggestions reads payload.suggestions, or splits payload.text (or a bare
// string payload) into lines. Results are trimmed, deduplicated and capped.
func parseSuggestions(payload json.RawMessage, count int) []string {
	var body struct {
		Suggestions []string `json:"suggestions"`
		Text        string   `json:"text"`
	}
	var raw []string
	if err := json.Unmarshal(payload, &body); err == nil {
		raw = body.Suggestions
		if len(raw) == 0 && body.Text != "" {
			raw = strings.Split(body.Text, "\n")
		}
	} else {
		var text string
		if json.Unmarshal(payload, &text) == nil {
			raw = strings.Split(text, "\n")
		}
	}

	out := make([]string, 0, count)
	seen := make(map[string]bool)
	for _, line := range raw {
		line = listMarker.ReplaceAllString(line, "")
		line = strings.Trim(strings.TrimSpace(line), `"'`)
		key := strings.ToLower(line)
		if line == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, line)
		if len(out) == count {
			break
		}
	}
	return out
}
