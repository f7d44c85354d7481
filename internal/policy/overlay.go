package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// OverlayQuery is the rule every overlay module contributes to.
const OverlayQuery = "data.orchestrator.autonomy.require_approval"

// OPAOverlay evaluates rego modules that may require approval for actions the table would auto-approve.
// A rule value of true requires approval; a non-empty string requires approval and is used as the reason.
type OPAOverlay struct {
	config OverlayConfig
	logger *zap.Logger
	cache  *decisionCache

	mu       sync.RWMutex
	mode     Mode
	compiled *rego.PreparedEvalQuery
	version  string
}

// NewOPAOverlay loads the overlay. With FailClosed a load error is returned; otherwise the
// overlay starts empty and every verdict is permissive until a reload succeeds.
func NewOPAOverlay(config OverlayConfig, logger *zap.Logger) (*OPAOverlay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode, err := ParseMode(string(config.Mode))
	if err != nil {
		return nil, err
	}
	o := &OPAOverlay{
		config: config,
		logger: logger,
		cache:  newDecisionCache(config.CacheSize, config.CacheTTL),
		mode:   mode,
	}
	if mode == ModeOff {
		return o, nil
	}
	if err := o.LoadPolicies(); err != nil {
		if config.FailClosed {
			return nil, fmt.Errorf("failed to load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policy overlay, running without it", zap.Error(err))
	}
	return o, nil
}

// Mode returns the current mode.
func (o *OPAOverlay) Mode() Mode {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.mode
}

// SetMode switches the mode at runtime, loading policies when leaving off.
func (o *OPAOverlay) SetMode(mode Mode) error {
	mode, err := ParseMode(string(mode))
	if err != nil {
		return err
	}
	o.mu.Lock()
	prev := o.mode
	o.mode = mode
	needsLoad := o.compiled == nil && mode != ModeOff
	o.mu.Unlock()

	if prev != mode {
		o.logger.Info("Policy overlay mode changed",
			zap.String("from", string(prev)),
			zap.String("to", string(mode)),
		)
		o.cache.Purge()
	}
	if needsLoad {
		return o.LoadPolicies()
	}
	return nil
}

// Version is a content hash of the loaded modules, empty when none are loaded.
func (o *OPAOverlay) Version() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.version
}

// LoadPolicies compiles every .rego file under the configured path. On failure the
// previously compiled overlay stays active.
func (o *OPAOverlay) LoadPolicies() error {
	policies := make(map[string]string)

	err := filepath.Walk(o.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(info.Name(), ".rego") {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read policy file %s: %w", path, err)
			}
			relPath, _ := filepath.Rel(o.config.Path, path)
			policies[strings.TrimSuffix(relPath, ".rego")] = string(content)
		}
		return nil
	})
	if err != nil {
		RecordError("load")
		return fmt.Errorf("failed to walk policy directory: %w", err)
	}
	if len(policies) == 0 {
		RecordError("load")
		return fmt.Errorf("no policy files found in %s", o.config.Path)
	}

	options := []func(*rego.Rego){rego.Query(OverlayQuery)}
	for name, content := range policies {
		options = append(options, rego.Module(name, content))
	}
	compiled, err := rego.New(options...).PrepareForEval(context.Background())
	if err != nil {
		RecordError("compile")
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := policyVersion(policies)
	o.mu.Lock()
	o.compiled = &compiled
	o.version = version
	o.mu.Unlock()
	o.cache.Purge()

	overlayLoadTime.SetToCurrentTime()
	overlayModules.Set(float64(len(policies)))
	o.logger.Info("Policy overlay loaded",
		zap.Int("policy_count", len(policies)),
		zap.String("version", version),
		zap.String("query", OverlayQuery),
	)
	return nil
}

// Evaluate returns the overlay verdict for one action.
func (o *OPAOverlay) Evaluate(ctx context.Context, input OverlayInput) (Verdict, error) {
	o.mu.RLock()
	compiled := o.compiled
	mode := o.mode
	version := o.version
	o.mu.RUnlock()

	if mode == ModeOff {
		return Verdict{}, nil
	}
	if compiled == nil {
		return o.unavailable("policy overlay not loaded"), nil
	}

	if v, ok := o.cache.Get(version, input); ok {
		overlayCacheLookups.WithLabelValues("hit").Inc()
		return v, nil
	}
	overlayCacheLookups.WithLabelValues("miss").Inc()

	doc, err := toMap(input)
	if err != nil {
		RecordError("input_conversion")
		return o.unavailable("policy overlay input conversion failed"), nil
	}

	start := time.Now()
	results, err := compiled.Eval(ctx, rego.EvalInput(doc))
	overlayEvaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		RecordError("evaluation")
		o.logger.Error("Policy overlay evaluation failed", zap.Error(err))
		return o.unavailable("policy overlay evaluation failed"), nil
	}

	v := parseVerdict(results)
	o.cache.Set(version, input, v)
	return v, nil
}

// unavailable is the verdict when the overlay cannot answer.
func (o *OPAOverlay) unavailable(reason string) Verdict {
	if o.config.FailClosed {
		return Verdict{RequireApproval: true, Reason: reason}
	}
	return Verdict{}
}

func parseVerdict(results rego.ResultSet) Verdict {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{}
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		if v {
			return Verdict{RequireApproval: true, Reason: "approval required by workspace policy"}
		}
	case string:
		if v != "" {
			return Verdict{RequireApproval: true, Reason: v}
		}
	}
	return Verdict{}
}

func toMap(input OverlayInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func policyVersion(policies map[string]string) string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(policies[name]))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}
