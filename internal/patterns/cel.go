package patterns

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// CELDetectors holds operator-defined pattern detectors. Each is a CEL
// expression over aggregate activity features that must return a bool; a true
// result fires the pattern with its configured adjustment.
type CELDetectors struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledPattern
}

type compiledPattern struct {
	config  *domain.PatternConfig
	program cel.Program
}

// NewCELDetectors creates an empty custom detector set with the activity
// feature environment.
func NewCELDetectors() (*CELDetectors, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_count", cel.IntType),
		cel.Variable("total_amount", cel.DoubleType),
		cel.Variable("max_amount", cel.DoubleType),
		cel.Variable("avg_amount", cel.DoubleType),
		cel.Variable("refund_count", cel.IntType),
		cel.Variable("chargeback_count", cel.IntType),
		cel.Variable("transfer_count", cel.IntType),
		cel.Variable("distinct_devices", cel.IntType),
		cel.Variable("distinct_ips", cel.IntType),
		cel.Variable("distinct_countries", cel.IntType),
		cel.Variable("distinct_accounts", cel.IntType),
		cel.Variable("night_count", cel.IntType),
		cel.Variable("window_hours", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELDetectors{
		env:      env,
		compiled: make(map[string]*compiledPattern),
	}, nil
}

// Validate compiles a pattern config without loading it.
func (c *CELDetectors) Validate(cfg *domain.PatternConfig) error {
	if cfg == nil {
		return fmt.Errorf("pattern config is required")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := c.compile(cfg)
	return err
}

// Load compiles and loads a single pattern config.
func (c *CELDetectors) Load(cfg *domain.PatternConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	compiled, err := c.compile(cfg)
	if err != nil {
		return err
	}

	c.compiled[cfg.ID] = compiled
	return nil
}

// Reload clears all loaded patterns and loads the given set.
// This enables hot-reloading of patterns from the database.
func (c *CELDetectors) Reload(configs []*domain.PatternConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]*compiledPattern)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := c.compile(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	c.compiled = next
	return nil
}

// Count returns the number of loaded custom patterns.
func (c *CELDetectors) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.compiled)
}

// Evaluate runs every loaded custom pattern against the history aggregates.
func (c *CELDetectors) Evaluate(ctx context.Context, history []*domain.ActivityEvent) ([]domain.PatternDetection, error) {
	c.mu.RLock()
	patterns := make([]*compiledPattern, 0, len(c.compiled))
	for _, p := range c.compiled {
		patterns = append(patterns, p)
	}
	c.mu.RUnlock()

	if len(patterns) == 0 {
		return nil, nil
	}

	activation := featureActivation(history)

	var detections []domain.PatternDetection
	for _, p := range patterns {
		out, _, err := p.program.Eval(activation)
		if err != nil {
			return detections, fmt.Errorf("pattern %s evaluation failed: %w", p.config.ID, err)
		}

		fired, ok := out.(types.Bool)
		if !ok {
			continue
		}
		if bool(fired) {
			detections = append(detections, domain.PatternDetection{
				PatternName:    p.config.Name,
				RiskAdjustment: p.config.Adjustment,
				Details: map[string]any{
					"pattern_id": p.config.ID,
					"custom":     true,
				},
			})
		}
	}

	return detections, nil
}

// featureActivation computes the aggregate activity features the CEL
// expressions see.
func featureActivation(history []*domain.ActivityEvent) map[string]any {
	var total, max float64
	var refunds, chargebacks, transfers, night int
	devices := make(map[string]struct{})
	ips := make(map[string]struct{})
	countries := make(map[string]struct{})
	accounts := make(map[string]struct{})

	for _, ev := range history {
		total += ev.Amount
		if ev.Amount > max {
			max = ev.Amount
		}
		switch ev.Type {
		case domain.ActivityRefund:
			refunds++
		case domain.ActivityChargeback:
			chargebacks++
		case domain.ActivityTransfer:
			transfers++
		}
		if h := ev.Timestamp.UTC().Hour(); h >= 1 && h < 5 {
			night++
		}
		if ev.DeviceID != "" {
			devices[ev.DeviceID] = struct{}{}
		}
		if ev.IP != "" {
			ips[ev.IP] = struct{}{}
		}
		if ev.Country != "" {
			countries[ev.Country] = struct{}{}
		}
		if ev.AccountID != "" {
			accounts[ev.AccountID] = struct{}{}
		}
	}

	avg := 0.0
	if len(history) > 0 {
		avg = total / float64(len(history))
	}

	var windowHours float64
	if len(history) > 1 {
		windowHours = history[len(history)-1].Timestamp.Sub(history[0].Timestamp).Hours()
	}

	return map[string]any{
		"event_count":        int64(len(history)),
		"total_amount":       total,
		"max_amount":         max,
		"avg_amount":         avg,
		"refund_count":       int64(refunds),
		"chargeback_count":   int64(chargebacks),
		"transfer_count":     int64(transfers),
		"distinct_devices":   int64(len(devices)),
		"distinct_ips":       int64(len(ips)),
		"distinct_countries": int64(len(countries)),
		"distinct_accounts":  int64(len(accounts)),
		"night_count":        int64(night),
		"window_hours":       windowHours,
	}
}

func (c *CELDetectors) compile(cfg *domain.PatternConfig) (*compiledPattern, error) {
	if cfg.Expression == "" {
		return nil, fmt.Errorf("pattern %s: expression is required", cfg.ID)
	}
	if cfg.Adjustment < 0 || cfg.Adjustment > domain.MaxPerPatternAdjustment {
		return nil, fmt.Errorf("pattern %s: adjustment must be in [0, %v], got %v",
			cfg.ID, domain.MaxPerPatternAdjustment, cfg.Adjustment)
	}

	ast, issues := c.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile pattern %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("pattern %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for pattern %s: %w", cfg.ID, err)
	}

	return &compiledPattern{
		config:  cfg,
		program: program,
	}, nil
}
