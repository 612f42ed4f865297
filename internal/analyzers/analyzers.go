// Package analyzers provides the built-in reference DomainAnalyzers. Each
// computes a finding from the subject's stored activity history. External
// analyzers (model-backed services) implement the same interface and plug
// into the orchestrator identically.
package analyzers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const historyCacheTTL = 30 * time.Second

// Service loads and caches activity history for the analyzer set. The cache
// lets the four analyzers of one investigation share a single history read.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates the analyzer backing service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// All returns one analyzer per supported domain.
func (s *Service) All() []domain.DomainAnalyzer {
	return []domain.DomainAnalyzer{
		&networkAnalyzer{svc: s},
		&deviceAnalyzer{svc: s},
		&locationAnalyzer{svc: s},
		&logsAnalyzer{svc: s},
	}
}

func (s *Service) history(ctx context.Context, subject domain.Subject, window domain.TimeRange) ([]*domain.ActivityEvent, error) {
	key := fmt.Sprintf("history:%s:%d:%d", subject.Key(), window.Start.Unix(), window.End.Unix())

	if s.cache != nil {
		if val, err := s.cache.Get(ctx, key); err == nil && val != nil {
			var events []*domain.ActivityEvent
			if err := json.Unmarshal(val, &events); err == nil {
				return events, nil
			}
		}
	}

	events, err := s.repo.GetActivityBySubject(ctx, subject, window)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if val, err := json.Marshal(events); err == nil {
			_ = s.cache.Set(ctx, key, val, historyCacheTTL)
		}
	}

	return events, nil
}

// confidence grows with the evidence volume an analyzer saw.
func confidence(relevant int) float64 {
	c := 0.3 + 0.1*float64(relevant)
	if c > 0.9 {
		c = 0.9
	}
	return c
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// indeterminate builds the finding for a domain with no usable data.
func indeterminate(d domain.AnalysisDomain, reason string) *domain.DomainFinding {
	return &domain.DomainFinding{
		Domain:     d,
		RiskScore:  nil,
		Confidence: 0.2,
		Evidence:   []string{reason},
	}
}

// networkAnalyzer scores IP churn and network spread.
type networkAnalyzer struct {
	svc *Service
}

func (a *networkAnalyzer) Domain() domain.AnalysisDomain { return domain.DomainNetwork }

func (a *networkAnalyzer) Analyze(ctx context.Context, subject domain.Subject, window domain.TimeRange) (*domain.DomainFinding, error) {
	history, err := a.svc.history(ctx, subject, window)
	if err != nil {
		return nil, err
	}

	ips := make(map[string]struct{})
	countriesByIP := make(map[string]struct{})
	withIP := 0
	for _, ev := range history {
		if ev.IP == "" {
			continue
		}
		withIP++
		ips[ev.IP] = struct{}{}
		if ev.Country != "" {
			countriesByIP[ev.Country] = struct{}{}
		}
	}

	if withIP == 0 {
		return indeterminate(domain.DomainNetwork, "no network activity in window"), nil
	}

	finding := &domain.DomainFinding{
		Domain:     domain.DomainNetwork,
		Confidence: confidence(withIP),
	}

	score := 0.0
	if n := len(ips); n > 1 {
		score += 0.15 * float64(n-1)
		finding.RiskIndicators = append(finding.RiskIndicators, "ip_churn")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("%d distinct IPs in window", n))
	}
	if n := len(countriesByIP); n > 1 {
		score += 0.25 * float64(n-1)
		finding.RiskIndicators = append(finding.RiskIndicators, "multi_country_network")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("network activity from %d countries", n))
	}

	finding.RiskScore = domain.Float(clampScore(score))
	finding.SignalsCount = len(finding.RiskIndicators)
	if len(finding.Evidence) == 0 {
		finding.Evidence = []string{fmt.Sprintf("%d network events, stable origin", withIP)}
	}
	return finding, nil
}

// deviceAnalyzer scores device switching and device sharing.
type deviceAnalyzer struct {
	svc *Service
}

func (a *deviceAnalyzer) Domain() domain.AnalysisDomain { return domain.DomainDevice }

func (a *deviceAnalyzer) Analyze(ctx context.Context, subject domain.Subject, window domain.TimeRange) (*domain.DomainFinding, error) {
	history, err := a.svc.history(ctx, subject, window)
	if err != nil {
		return nil, err
	}

	devices := make(map[string]struct{})
	accountsByDevice := make(map[string]map[string]struct{})
	withDevice := 0
	for _, ev := range history {
		if ev.DeviceID == "" {
			continue
		}
		withDevice++
		devices[ev.DeviceID] = struct{}{}
		if ev.AccountID != "" {
			if accountsByDevice[ev.DeviceID] == nil {
				accountsByDevice[ev.DeviceID] = make(map[string]struct{})
			}
			accountsByDevice[ev.DeviceID][ev.AccountID] = struct{}{}
		}
	}

	if withDevice == 0 {
		return indeterminate(domain.DomainDevice, "no device activity in window"), nil
	}

	finding := &domain.DomainFinding{
		Domain:     domain.DomainDevice,
		Confidence: confidence(withDevice),
	}

	score := 0.0
	if n := len(devices); n > 2 {
		score += 0.20 * float64(n-2)
		finding.RiskIndicators = append(finding.RiskIndicators, "device_churn")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("%d distinct devices in window", n))
	}
	maxShared := 0
	for _, accounts := range accountsByDevice {
		if len(accounts) > maxShared {
			maxShared = len(accounts)
		}
	}
	if maxShared > 1 {
		score += 0.30 * float64(maxShared-1)
		finding.RiskIndicators = append(finding.RiskIndicators, "shared_device")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("one device used by %d accounts", maxShared))
	}

	finding.RiskScore = domain.Float(clampScore(score))
	finding.SignalsCount = len(finding.RiskIndicators)
	if len(finding.Evidence) == 0 {
		finding.Evidence = []string{fmt.Sprintf("%d device events, stable fingerprint", withDevice)}
	}
	return finding, nil
}

// locationAnalyzer scores geographic dispersion and velocity.
type locationAnalyzer struct {
	svc *Service
}

func (a *locationAnalyzer) Domain() domain.AnalysisDomain { return domain.DomainLocation }

func (a *locationAnalyzer) Analyze(ctx context.Context, subject domain.Subject, window domain.TimeRange) (*domain.DomainFinding, error) {
	history, err := a.svc.history(ctx, subject, window)
	if err != nil {
		return nil, err
	}

	countries := make(map[string]struct{})
	fastSwitches := 0
	withCountry := 0
	var prev *domain.ActivityEvent
	for _, ev := range history {
		if ev.Country == "" {
			continue
		}
		withCountry++
		countries[ev.Country] = struct{}{}
		if prev != nil && prev.Country != ev.Country && ev.Timestamp.Sub(prev.Timestamp) < 6*time.Hour {
			fastSwitches++
		}
		prev = ev
	}

	if withCountry == 0 {
		return indeterminate(domain.DomainLocation, "no geolocated activity in window"), nil
	}

	finding := &domain.DomainFinding{
		Domain:     domain.DomainLocation,
		Confidence: confidence(withCountry),
	}

	score := 0.0
	if n := len(countries); n > 1 {
		score += 0.20 * float64(n-1)
		finding.RiskIndicators = append(finding.RiskIndicators, "multi_country")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("activity from %d countries", n))
	}
	if fastSwitches > 0 {
		score += 0.25 * float64(fastSwitches)
		finding.RiskIndicators = append(finding.RiskIndicators, "rapid_country_switch")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("%d country switches under 6h", fastSwitches))
	}

	finding.RiskScore = domain.Float(clampScore(score))
	finding.SignalsCount = len(finding.RiskIndicators)
	if len(finding.Evidence) == 0 {
		finding.Evidence = []string{fmt.Sprintf("%d geolocated events, single country", withCountry)}
	}
	return finding, nil
}

// logsAnalyzer scores behavioral anomalies in the raw activity log.
type logsAnalyzer struct {
	svc *Service
}

func (a *logsAnalyzer) Domain() domain.AnalysisDomain { return domain.DomainLogs }

func (a *logsAnalyzer) Analyze(ctx context.Context, subject domain.Subject, window domain.TimeRange) (*domain.DomainFinding, error) {
	history, err := a.svc.history(ctx, subject, window)
	if err != nil {
		return nil, err
	}

	if len(history) == 0 {
		return indeterminate(domain.DomainLogs, "no activity in window"), nil
	}

	reversals := 0
	night := 0
	var total, max float64
	for _, ev := range history {
		if ev.Type == domain.ActivityRefund || ev.Type == domain.ActivityChargeback {
			reversals++
		}
		if h := ev.Timestamp.UTC().Hour(); h >= 1 && h < 5 {
			night++
		}
		total += ev.Amount
		if ev.Amount > max {
			max = ev.Amount
		}
	}

	finding := &domain.DomainFinding{
		Domain:     domain.DomainLogs,
		Confidence: confidence(len(history)),
	}

	score := 0.0
	if ratio := float64(reversals) / float64(len(history)); ratio >= 0.2 {
		score += ratio
		finding.RiskIndicators = append(finding.RiskIndicators, "reversal_ratio")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("%d of %d events are refunds/chargebacks", reversals, len(history)))
	}
	if ratio := float64(night) / float64(len(history)); ratio >= 0.5 && night >= 2 {
		score += 0.20
		finding.RiskIndicators = append(finding.RiskIndicators, "off_hours_activity")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("%d off-hours events", night))
	}
	if avg := total / float64(len(history)); avg > 0 && max >= 10*avg {
		score += 0.25
		finding.RiskIndicators = append(finding.RiskIndicators, "amount_outlier")
		finding.Evidence = append(finding.Evidence, fmt.Sprintf("max amount %.2f is 10x the average", max))
	}

	finding.RiskScore = domain.Float(clampScore(score))
	finding.SignalsCount = len(finding.RiskIndicators)
	if len(finding.Evidence) == 0 {
		finding.Evidence = []string{fmt.Sprintf("%d events, no behavioral anomaly", len(history))}
	}
	return finding, nil
}
