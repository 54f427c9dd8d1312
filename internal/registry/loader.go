package registry

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/manaforge-ai/manaforge/internal/config"
	"github.com/manaforge-ai/manaforge/internal/models"
	"github.com/manaforge-ai/manaforge/internal/pkg/retry"
)

// toolFile is the wire form of a tool definition. Durations are authored
// as strings ("30s", "2m") and parsed into the model.
type toolFile struct {
	ID                   string                 `json:"id"`
	Name                 string                 `json:"name"`
	Description          string                 `json:"description"`
	Command              string                 `json:"command,omitempty"`
	Category             string                 `json:"category,omitempty"`
	Visibility           string                 `json:"visibility,omitempty"`
	InputSchema          json.RawMessage        `json:"input_schema"`
	OutputSchema         json.RawMessage        `json:"output_schema,omitempty"`
	InputAliases         map[string]string      `json:"input_aliases,omitempty"`
	AllowUnknown         bool                   `json:"allow_unknown,omitempty"`
	DeliveryMode         string                 `json:"delivery_mode"`
	Cost                 models.CostModel       `json:"cost"`
	Backend              models.BackendBinding  `json:"backend"`
	AvgRuntime           string                 `json:"avg_runtime,omitempty"`
	SoftTimeout          string                 `json:"soft_timeout,omitempty"`
	HardTimeout          string                 `json:"hard_timeout,omitempty"`
	PollInterval         string                 `json:"poll_interval,omitempty"`
	CostTolerance        float64                `json:"cost_tolerance,omitempty"`
	EmptyOutputOK        bool                   `json:"empty_output_ok,omitempty"`
	Platforms            []string               `json:"platforms,omitempty"`
	PlatformDescriptions map[string]string      `json:"platform_descriptions,omitempty"`
}

func (tf *toolFile) toDefinition() (*models.ToolDefinition, error) {
	if tf.ID == "" {
		return nil, errors.New("missing id")
	}
	if tf.Name == "" {
		return nil, fmt.Errorf("tool %q: missing name", tf.ID)
	}
	if len(tf.InputSchema) == 0 {
		return nil, fmt.Errorf("tool %q: missing input_schema", tf.ID)
	}
	if tf.Backend.Backend == "" {
		return nil, fmt.Errorf("tool %q: missing backend", tf.ID)
	}

	mode := models.DeliveryMode(tf.DeliveryMode)
	switch mode {
	case models.ModeImmediate, models.ModeWebhook, models.ModePoll:
	default:
		return nil, fmt.Errorf("tool %q: invalid delivery_mode %q", tf.ID, tf.DeliveryMode)
	}

	switch tf.Cost.Kind {
	case models.CostStatic:
		if tf.Cost.AmountUSD.IsNegative() {
			return nil, fmt.Errorf("tool %q: negative amount_usd", tf.ID)
		}
	case models.CostPerUnit:
		if tf.Cost.UnitField == "" {
			return nil, fmt.Errorf("tool %q: per_unit cost needs unit_field", tf.ID)
		}
	case models.CostPerSecond:
		if tf.Cost.HardwareClass == "" {
			return nil, fmt.Errorf("tool %q: per_second cost needs hardware_class", tf.ID)
		}
	default:
		return nil, fmt.Errorf("tool %q: invalid cost kind %q", tf.ID, tf.Cost.Kind)
	}

	visibility := models.Visibility(tf.Visibility)
	if tf.Visibility == "" {
		visibility = models.VisibilityPublic
	}
	switch visibility {
	case models.VisibilityPublic, models.VisibilityUnlisted, models.VisibilityInternal:
	default:
		return nil, fmt.Errorf("tool %q: invalid visibility %q", tf.ID, tf.Visibility)
	}

	def := &models.ToolDefinition{
		ID:                   tf.ID,
		Name:                 tf.Name,
		Description:          tf.Description,
		Command:              tf.Command,
		Category:             tf.Category,
		Visibility:           visibility,
		InputSchema:          tf.InputSchema,
		OutputSchema:         tf.OutputSchema,
		InputAliases:         tf.InputAliases,
		AllowUnknown:         tf.AllowUnknown,
		DeliveryMode:         mode,
		Cost:                 tf.Cost,
		Backend:              tf.Backend,
		CostTolerance:        tf.CostTolerance,
		EmptyOutputOK:        tf.EmptyOutputOK,
		Platforms:            tf.Platforms,
		PlatformDescriptions: tf.PlatformDescriptions,
	}

	var err error
	if def.AvgRuntime, err = parseDuration(tf.AvgRuntime); err != nil {
		return nil, fmt.Errorf("tool %q: avg_runtime: %w", tf.ID, err)
	}
	if def.SoftTimeout, err = parseDuration(tf.SoftTimeout); err != nil {
		return nil, fmt.Errorf("tool %q: soft_timeout: %w", tf.ID, err)
	}
	if def.HardTimeout, err = parseDuration(tf.HardTimeout); err != nil {
		return nil, fmt.Errorf("tool %q: hard_timeout: %w", tf.ID, err)
	}
	if def.PollInterval, err = parseDuration(tf.PollInterval); err != nil {
		return nil, fmt.Errorf("tool %q: poll_interval: %w", tf.ID, err)
	}
	if def.Cost.Kind == models.CostPerSecond && def.AvgRuntime <= 0 {
		return nil, fmt.Errorf("tool %q: per_second cost needs avg_runtime", tf.ID)
	}
	return def, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// build assembles a new catalog from all configured sources. Later sources
// override earlier ones by tool ID, so a remote catalog can refresh runtime
// stats shipped with the static files.
func (r *Registry) build(ctx context.Context) (*Catalog, error) {
	var files []toolFile

	if r.cfg.ToolsDir != "" {
		dirFiles, err := loadDir(r.cfg.ToolsDir)
		if err != nil {
			return nil, fmt.Errorf("load tools dir: %w", err)
		}
		files = append(files, dirFiles...)
	}
	if r.cfg.CatalogURL != "" {
		remote, err := r.fetchCatalog(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch catalog: %w", err)
		}
		files = append(files, remote...)
	}
	if r.cfg.BundleURL != "" {
		bundled, err := r.fetchBundle(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch bundle: %w", err)
		}
		files = append(files, bundled...)
	}

	entries := make(map[string]*entry, len(files))
	byCommand := make(map[string]string)
	for i := range files {
		def, err := files[i].toDefinition()
		if err != nil {
			return nil, err
		}
		applyDefaultTimeouts(def, r.cfg)
		applyPlatformLimits(def)

		schema, props, defaults, err := compileSchema(def)
		if err != nil {
			return nil, fmt.Errorf("tool %q: input schema: %w", def.ID, err)
		}
		entries[def.ID] = &entry{tool: def, schema: schema, props: props, defaults: defaults}
	}

	for id, e := range entries {
		if e.tool.Command == "" {
			continue
		}
		if prev, dup := byCommand[e.tool.Command]; dup {
			return nil, fmt.Errorf("command %q claimed by both %q and %q", e.tool.Command, prev, id)
		}
		byCommand[e.tool.Command] = id
	}

	return &Catalog{entries: entries, byCommand: byCommand, loadedAt: time.Now().UTC()}, nil
}

func applyDefaultTimeouts(def *models.ToolDefinition, cfg config.RegistryConfig) {
	if def.SoftTimeout == 0 {
		def.SoftTimeout = cfg.DefaultSoftTimeout
	}
	if def.HardTimeout == 0 {
		def.HardTimeout = cfg.DefaultHardTimeout
	}
}

func loadDir(dir string) ([]toolFile, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}

	var files []toolFile
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var tf toolFile
		if err := json.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		files = append(files, tf)
	}
	return files, nil
}

// fetchCatalog pulls a JSON array of tool definitions from the catalog URL.
func (r *Registry) fetchCatalog(ctx context.Context) ([]toolFile, error) {
	var files []toolFile
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.CatalogURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: "catalog fetch"}
		}
		files = files[:0]
		return json.NewDecoder(resp.Body).Decode(&files)
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// fetchBundle pulls a zstd-compressed tar of tool JSON files, verifying the
// configured SHA256 checksum before unpacking.
func (r *Registry) fetchBundle(ctx context.Context) ([]toolFile, error) {
	var body []byte
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BundleURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: "bundle fetch"}
		}
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	if r.cfg.BundleChecksum != "" {
		actual := fmt.Sprintf("%x", sha256.Sum256(body))
		if actual != r.cfg.BundleChecksum {
			return nil, fmt.Errorf("bundle checksum mismatch: expected %s, got %s", r.cfg.BundleChecksum, actual)
		}
	}

	zr, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	var files []toolFile
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bundle tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".json") {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("bundle entry %s: %w", hdr.Name, err)
		}
		var tf toolFile
		if err := json.Unmarshal(data, &tf); err != nil {
			return nil, fmt.Errorf("bundle entry %s: %w", hdr.Name, err)
		}
		files = append(files, tf)
	}
	return files, nil
}

// compileSchema compiles the input schema and extracts the declared
// property names and their defaults for input normalization.
func compileSchema(def *models.ToolDefinition) (*jsonschema.Schema, map[string]struct{}, map[string]any, error) {
	var doc any
	if err := json.Unmarshal(def.InputSchema, &doc); err != nil {
		return nil, nil, nil, err
	}

	compiler := jsonschema.NewCompiler()
	resource := def.ID + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, nil, nil, err
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, nil, nil, err
	}

	var sdoc struct {
		Properties map[string]struct {
			Default json.RawMessage `json:"default"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(def.InputSchema, &sdoc); err != nil {
		return nil, nil, nil, err
	}

	props := make(map[string]struct{}, len(sdoc.Properties))
	defaults := make(map[string]any)
	for name, p := range sdoc.Properties {
		props[name] = struct{}{}
		if len(p.Default) > 0 {
			var v any
			if err := json.Unmarshal(p.Default, &v); err != nil {
				return nil, nil, nil, fmt.Errorf("property %q default: %w", name, err)
			}
			defaults[name] = v
		}
	}
	return schema, props, defaults, nil
}
