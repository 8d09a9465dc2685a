package push

import (
	"net/http"
	"strings"
	"time"

	"github.com/sokoni/bff/internal/httputil"
	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/middleware"
)

// Handlers exposes the push registry over HTTP. Every route is mounted
// behind RequireBearer, so the subject claim is always in the context.
type Handlers struct {
	store    Store
	sender   Sender
	verifier *middleware.Verifier
	logger   *logging.Logger

	production bool

	devAllowAll      bool
	devAllowedPhones map[string]bool
	devAllowedSubs   map[string]bool

	topicsAllowAll      bool
	topicsAllowedPhones map[string]bool
	topicsAllowedSubs   map[string]bool
}

// HandlersConfig wires the push handlers.
type HandlersConfig struct {
	Store    Store
	Sender   Sender
	Verifier *middleware.Verifier
	Logger   *logging.Logger

	Production bool

	DevAllowAll      bool
	DevAllowedPhones []string
	DevAllowedSubs   []string

	TopicsAllowAll      bool
	TopicsAllowedPhones []string
	TopicsAllowedSubs   []string
}

// NewHandlers creates the push HTTP surface.
func NewHandlers(cfg HandlersConfig) *Handlers {
	log := cfg.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Handlers{
		store:               cfg.Store,
		sender:              cfg.Sender,
		verifier:            cfg.Verifier,
		logger:              log,
		production:          cfg.Production,
		devAllowAll:         cfg.DevAllowAll,
		devAllowedPhones:    toSet(cfg.DevAllowedPhones),
		devAllowedSubs:      toSet(cfg.DevAllowedSubs),
		topicsAllowAll:      cfg.TopicsAllowAll,
		topicsAllowedPhones: toSet(cfg.TopicsAllowedPhones),
		topicsAllowedSubs:   toSet(cfg.TopicsAllowedSubs),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			set[item] = true
		}
	}
	return set
}

// =============================================================================
// Registration
// =============================================================================

type registerInput struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
	DeviceID string `json:"device_id"`
}

// HandleRegister upserts the caller's device registration.
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	sub := logging.GetUserSub(r.Context())

	var input registerInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	input.Token = strings.TrimSpace(input.Token)
	if input.Token == "" {
		httputil.BadRequest(w, "token required")
		return
	}

	reg := Registration{
		Token:        input.Token,
		Platform:     NormalizePlatform(input.Platform),
		DeviceID:     strings.TrimSpace(input.DeviceID),
		RegisteredAt: time.Now().UTC(),
		UserAgent:    r.UserAgent(),
	}

	if err := h.store.Register(r.Context(), sub, reg); err != nil {
		h.logger.WithContext(r.Context()).Error().Err(err).Msg("push registration failed")
		httputil.InternalError(w, "failed to store registration")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "platform": reg.Platform})
}

// =============================================================================
// Dev endpoints (gated)
// =============================================================================

// devAllowed reports whether the caller may use the dev/* endpoints:
// open in non-production when the flag permits, else an admin-capable token
// or a configured phone/sub allowlist entry.
func (h *Handlers) devAllowed(r *http.Request) bool {
	if !h.production && h.devAllowAll {
		return true
	}
	claims := h.verifier.ParseRequest(r)
	if claims == nil {
		return false
	}
	if claims.Role == "admin" {
		return true
	}
	for _, scope := range strings.Fields(claims.Scope) {
		if scope == "push:admin" || scope == "admin" {
			return true
		}
	}
	if claims.Phone != "" && h.devAllowedPhones[claims.Phone] {
		return true
	}
	return h.devAllowedSubs[claims.Subject]
}

// HandleDevList lists every known registration, grouped by user.
func (h *Handlers) HandleDevList(w http.ResponseWriter, r *http.Request) {
	if !h.devAllowed(r) {
		httputil.Forbidden(w, "push dev access denied")
		return
	}

	subs, err := h.store.Users(r.Context())
	if err != nil {
		httputil.InternalError(w, "failed to list users")
		return
	}

	users := make(map[string][]Registration, len(subs))
	for _, sub := range subs {
		regs, err := h.store.Registrations(r.Context(), sub)
		if err != nil {
			continue
		}
		users[sub] = regs
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"users": users, "count": len(users)})
}

type sendInput struct {
	Sub   string            `json:"sub"`
	Topic string            `json:"topic"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data"`
}

// deliverAll attempts delivery to each registration of each target sub.
// Per-token failures are counted, never aborting the batch.
func (h *Handlers) deliverAll(r *http.Request, subs []string, input sendInput) (sent, failed int) {
	for _, sub := range subs {
		regs, err := h.store.Registrations(r.Context(), sub)
		if err != nil {
			h.logger.WithContext(r.Context()).Warn().Str("sub", sub).Err(err).Msg("failed to load registrations")
			continue
		}
		for _, reg := range regs {
			if err := h.sender.Send(r.Context(), reg.Token, input.Title, input.Body, input.Data); err != nil {
				h.logger.WithContext(r.Context()).Warn().Str("sub", sub).Err(err).Msg("push delivery failed")
				failed++
				continue
			}
			sent++
		}
	}
	return sent, failed
}

// HandleDevSend delivers a notification to one user's devices.
func (h *Handlers) HandleDevSend(w http.ResponseWriter, r *http.Request) {
	if !h.devAllowed(r) {
		httputil.Forbidden(w, "push dev access denied")
		return
	}

	var input sendInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	if input.Sub == "" {
		httputil.BadRequest(w, "sub required")
		return
	}

	sent, failed := h.deliverAll(r, []string{input.Sub}, input)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"sent": sent, "failed": failed, "targets": 1})
}

// HandleDevBroadcast delivers a notification to every known user.
func (h *Handlers) HandleDevBroadcast(w http.ResponseWriter, r *http.Request) {
	if !h.devAllowed(r) {
		httputil.Forbidden(w, "push dev access denied")
		return
	}

	var input sendInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	subs, err := h.store.Users(r.Context())
	if err != nil {
		httputil.InternalError(w, "failed to list users")
		return
	}

	sent, failed := h.deliverAll(r, subs, input)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"sent": sent, "failed": failed, "targets": len(subs)})
}

// HandleDevBroadcastTopic delivers a notification to a topic's subscribers.
func (h *Handlers) HandleDevBroadcastTopic(w http.ResponseWriter, r *http.Request) {
	if !h.devAllowed(r) {
		httputil.Forbidden(w, "push dev access denied")
		return
	}

	var input sendInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	if input.Topic == "" {
		httputil.BadRequest(w, "topic required")
		return
	}

	subs, err := h.store.TopicSubscribers(r.Context(), input.Topic)
	if err != nil {
		httputil.InternalError(w, "failed to list subscribers")
		return
	}
	if len(subs) == 0 {
		httputil.NotFound(w, "unknown topic")
		return
	}

	sent, failed := h.deliverAll(r, subs, input)
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"sent": sent, "failed": failed, "targets": len(subs)})
}

// =============================================================================
// Topic subscriptions
// =============================================================================

// topicsAllowed mirrors devAllowed for the topic endpoints.
func (h *Handlers) topicsAllowed(r *http.Request) bool {
	if h.topicsAllowAll {
		return true
	}
	claims := h.verifier.ParseRequest(r)
	if claims == nil {
		return false
	}
	if claims.Role == "admin" {
		return true
	}
	if claims.Phone != "" && h.topicsAllowedPhones[claims.Phone] {
		return true
	}
	if h.topicsAllowedSubs[claims.Subject] {
		return true
	}
	// With no allowlist configured, any authenticated user may manage
	// their own subscriptions.
	return len(h.topicsAllowedPhones) == 0 && len(h.topicsAllowedSubs) == 0
}

type topicInput struct {
	Topic string `json:"topic"`
}

// HandleTopicSubscribe adds the caller to a topic.
func (h *Handlers) HandleTopicSubscribe(w http.ResponseWriter, r *http.Request) {
	if !h.topicsAllowed(r) {
		httputil.Forbidden(w, "topic access denied")
		return
	}

	var input topicInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	input.Topic = strings.TrimSpace(input.Topic)
	if input.Topic == "" {
		httputil.BadRequest(w, "topic required")
		return
	}

	sub := logging.GetUserSub(r.Context())
	if err := h.store.Subscribe(r.Context(), input.Topic, sub); err != nil {
		httputil.InternalError(w, "failed to subscribe")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "topic": input.Topic})
}

// HandleTopicUnsubscribe removes the caller from a topic.
func (h *Handlers) HandleTopicUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if !h.topicsAllowed(r) {
		httputil.Forbidden(w, "topic access denied")
		return
	}

	var input topicInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	input.Topic = strings.TrimSpace(input.Topic)
	if input.Topic == "" {
		httputil.BadRequest(w, "topic required")
		return
	}

	sub := logging.GetUserSub(r.Context())
	if err := h.store.Unsubscribe(r.Context(), input.Topic, sub); err != nil {
		httputil.InternalError(w, "failed to unsubscribe")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "topic": input.Topic})
}

// HandleTopicList returns the caller's topic subscriptions.
func (h *Handlers) HandleTopicList(w http.ResponseWriter, r *http.Request) {
	sub := logging.GetUserSub(r.Context())

	topics, err := h.store.UserTopics(r.Context(), sub)
	if err != nil {
		httputil.InternalError(w, "failed to list topics")
		return
	}
	if topics == nil {
		topics = []string{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"topics": topics})
}
