package services

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/MegaGrindStone/chat-explorer/internal/models"
)

// Streamer is the streaming chat capability implemented by every provider in this package.
type Streamer interface {
	Stream(ctx context.Context, history []models.Turn, opts models.ChatOptions) (iter.Seq2[models.Chunk, error], error)
}

// Route binds a provider to the models it serves. A model matches a route when it is listed in Models, or when
// it starts with Prefix; a prefix match is stripped before the model reaches the provider.
type Route struct {
	Name     string
	Models   []string
	Prefix   string
	Default  bool
	Streamer Streamer
}

// Router selects the provider for each request from the model of the conversation.
type Router struct {
	routes []Route

	logger *slog.Logger
}

// NewRouter creates a Router over routes. At most one route may be marked Default; it serves every model no
// other route claims.
func NewRouter(routes []Route, logger *slog.Logger) (Router, error) {
	defaults := 0
	for _, r := range routes {
		if r.Streamer == nil {
			return Router{}, fmt.Errorf("route %s has no provider", r.Name)
		}
		if r.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return Router{}, fmt.Errorf("only one default provider is allowed, got %d", defaults)
	}

	return Router{
		routes: routes,
		logger: logger.With(slog.String("module", "router")),
	}, nil
}

// Resolve returns the route serving model and the model name to send to it.
func (r Router) Resolve(model string) (Route, string, bool) {
	for _, route := range r.routes {
		if slices.Contains(route.Models, model) {
			return route, model, true
		}
	}
	for _, route := range r.routes {
		if route.Prefix != "" && strings.HasPrefix(model, route.Prefix) {
			return route, strings.TrimPrefix(model, route.Prefix), true
		}
	}
	for _, route := range r.routes {
		if route.Default {
			return route, model, true
		}
	}
	return Route{}, "", false
}

// Stream forwards the request to the provider serving opts.Model. A model no provider serves fails with
// models.ErrStreamingUnavailable.
func (r Router) Stream(
	ctx context.Context,
	history []models.Turn,
	opts models.ChatOptions,
) (iter.Seq2[models.Chunk, error], error) {
	route, model, ok := r.Resolve(opts.Model)
	if !ok {
		return nil, fmt.Errorf("no provider serves model %q: %w", opts.Model, models.ErrStreamingUnavailable)
	}

	r.logger.Debug("Routing chat",
		slog.String("provider", route.Name),
		slog.String("model", model))

	opts.Model = model
	return route.Streamer.Stream(ctx, history, opts)
}
