// Package registry owns the tool catalog: definitions are loaded from a
// static directory and optional remote sources, validated, and swapped in
// atomically. Lookups never block reloads.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
)

var (
	toolsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "manaforge_registry_tools",
			Help: "Number of tools in the active catalog",
		},
	)

	reloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manaforge_registry_reloads_total",
			Help: "Catalog reload attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// ReloadChannel is the Redis pub/sub channel that fans catalog reloads
// out to every server instance.
const ReloadChannel = "manaforge:catalog:reload"

// platformLimits caps tool descriptions per surface. Variants are truncated
// once at load time, not per request.
var platformLimits = map[string]int{
	"discord":   100,
	"telegram":  256,
	"farcaster": 320,
}

// entry is one compiled catalog slot.
type entry struct {
	tool     *models.ToolDefinition
	schema   *jsonschema.Schema
	props    map[string]struct{}
	defaults map[string]any
}

// Catalog is an immutable snapshot of the tool set.
type Catalog struct {
	entries   map[string]*entry
	byCommand map[string]string
	loadedAt  time.Time
}

// Registry serves tool lookups from the active catalog and rebuilds it on
// demand. A failed reload keeps the previous catalog.
type Registry struct {
	cfg     config.RegistryConfig
	logger  *slog.Logger
	client  *http.Client
	catalog atomic.Pointer[Catalog]
}

// New creates a registry. Call Load before serving lookups.
func New(cfg config.RegistryConfig, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "registry")),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Load builds the first catalog. Unlike Reload, an empty catalog is an
// error here: a server with no tools serves nothing useful.
func (r *Registry) Load(ctx context.Context) error {
	catalog, err := r.build(ctx)
	if err != nil {
		return err
	}
	if len(catalog.entries) == 0 {
		return fmt.Errorf("no tools loaded from %q", r.cfg.ToolsDir)
	}
	r.swap(catalog)
	return nil
}

// Reload rebuilds the catalog and swaps it in. On failure the active
// catalog is untouched and the error is returned.
func (r *Registry) Reload(ctx context.Context) error {
	catalog, err := r.build(ctx)
	if err != nil {
		reloadsTotal.WithLabelValues("error").Inc()
		r.logger.Error("catalog reload failed", slog.String("error", err.Error()))
		return err
	}
	r.swap(catalog)
	reloadsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *Registry) swap(c *Catalog) {
	r.catalog.Store(c)
	toolsLoaded.Set(float64(len(c.entries)))
	r.logger.Info("catalog active",
		slog.Int("tools", len(c.entries)),
		slog.Time("loaded_at", c.loadedAt),
	)
}

// Get returns a tool by ID.
func (r *Registry) Get(toolID string) (*models.ToolDefinition, bool) {
	c := r.catalog.Load()
	if c == nil {
		return nil, false
	}
	e, ok := c.entries[toolID]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// GetByCommand resolves a platform command name to its tool.
func (r *Registry) GetByCommand(command string) (*models.ToolDefinition, bool) {
	c := r.catalog.Load()
	if c == nil {
		return nil, false
	}
	id, ok := c.byCommand[command]
	if !ok {
		return nil, false
	}
	return c.entries[id].tool, true
}

// List returns discoverable tools for a platform, sorted by ID. Internal
// tools are never listed; unlisted tools only when includeUnlisted is set.
func (r *Registry) List(platform string, includeUnlisted bool) []*models.ToolDefinition {
	c := r.catalog.Load()
	if c == nil {
		return nil
	}

	var tools []*models.ToolDefinition
	for _, e := range c.entries {
		switch e.tool.Visibility {
		case models.VisibilityInternal:
			continue
		case models.VisibilityUnlisted:
			if !includeUnlisted {
				continue
			}
		}
		if platform != "" && !e.tool.VisibleOn(platform) {
			continue
		}
		tools = append(tools, e.tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	return tools
}

// Count returns the size of the active catalog.
func (r *Registry) Count() int {
	c := r.catalog.Load()
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// LoadedAt returns when the active catalog was built.
func (r *Registry) LoadedAt() time.Time {
	c := r.catalog.Load()
	if c == nil {
		return time.Time{}
	}
	return c.loadedAt
}

// truncate cuts s to max runes, appending an ellipsis when cut.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}

// applyPlatformLimits fills and truncates per-platform description variants.
func applyPlatformLimits(t *models.ToolDefinition) {
	if t.PlatformDescriptions == nil {
		t.PlatformDescriptions = make(map[string]string, len(platformLimits))
	}
	for platform, limit := range platformLimits {
		d, ok := t.PlatformDescriptions[platform]
		if !ok {
			d = t.Description
		}
		t.PlatformDescriptions[platform] = truncate(d, limit)
	}
}
