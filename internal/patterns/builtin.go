package patterns

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Built-in pattern names.
const (
	PatternRapidSuccession    = "rapid_succession"
	PatternImpossibleTravel   = "impossible_travel"
	PatternBINAttack          = "bin_attack"
	PatternOffHours           = "off_hours_anomaly"
	PatternNewDeviceHighValue = "new_device_high_value"
	PatternCrossEntityLinkage = "cross_entity_linkage"
	PatternChainedTransfers   = "chained_transactions"
	PatternRefundSpike        = "refund_spike"
)

// Adjustment weights, empirically tuned per pattern. Each is individually
// bounded by domain.MaxPerPatternAdjustment.
const (
	adjRapidSuccession    = 0.12
	adjImpossibleTravel   = 0.15
	adjBINAttack          = 0.18
	adjOffHours           = 0.08
	adjNewDeviceHighValue = 0.14
	adjCrossEntityLinkage = 0.16
	adjChainedTransfers   = 0.12
	adjRefundSpike        = 0.20
)

// BuiltinDetectors returns the standard detector set. Each detector is pure:
// it inspects the history slice (oldest first) and nothing else.
func BuiltinDetectors() []Detector {
	return []Detector{
		detectRapidSuccession,
		detectImpossibleTravel,
		detectBINAttack,
		detectOffHours,
		detectNewDeviceHighValue,
		detectCrossEntityLinkage,
		detectChainedTransfers,
		detectRefundSpike,
	}
}

// detectRapidSuccession fires when 5 or more events land inside any single
// 60-second window.
func detectRapidSuccession(history []*domain.ActivityEvent) *domain.PatternDetection {
	const burst = 5
	const window = time.Minute

	if len(history) < burst {
		return nil
	}

	for i := 0; i+burst-1 < len(history); i++ {
		if history[i+burst-1].Timestamp.Sub(history[i].Timestamp) <= window {
			return &domain.PatternDetection{
				PatternName:    PatternRapidSuccession,
				RiskAdjustment: adjRapidSuccession,
				Details: map[string]any{
					"events_in_window": burst,
					"window_seconds":   int(window.Seconds()),
					"first_event":      history[i].ID,
				},
			}
		}
	}
	return nil
}

// detectImpossibleTravel fires on consecutive events from different countries
// closer together than any plausible travel time.
func detectImpossibleTravel(history []*domain.ActivityEvent) *domain.PatternDetection {
	const minTravel = 2 * time.Hour

	var prev *domain.ActivityEvent
	for _, ev := range history {
		if ev.Country == "" {
			continue
		}
		if prev != nil && prev.Country != ev.Country && ev.Timestamp.Sub(prev.Timestamp) < minTravel {
			return &domain.PatternDetection{
				PatternName:    PatternImpossibleTravel,
				RiskAdjustment: adjImpossibleTravel,
				Details: map[string]any{
					"from_country": prev.Country,
					"to_country":   ev.Country,
					"gap_minutes":  int(ev.Timestamp.Sub(prev.Timestamp).Minutes()),
				},
			}
		}
		prev = ev
	}
	return nil
}

// detectBINAttack fires when 3 or more distinct cards under one BIN appear,
// the signature of an enumeration run against a card range.
func detectBINAttack(history []*domain.ActivityEvent) *domain.PatternDetection {
	cardsByBIN := make(map[string]map[string]struct{})
	for _, ev := range history {
		if ev.CardBIN == "" || ev.CardID == "" {
			continue
		}
		if cardsByBIN[ev.CardBIN] == nil {
			cardsByBIN[ev.CardBIN] = make(map[string]struct{})
		}
		cardsByBIN[ev.CardBIN][ev.CardID] = struct{}{}
	}

	for bin, cards := range cardsByBIN {
		if len(cards) >= 3 {
			return &domain.PatternDetection{
				PatternName:    PatternBINAttack,
				RiskAdjustment: adjBINAttack,
				Details: map[string]any{
					"bin":            bin,
					"distinct_cards": len(cards),
				},
			}
		}
	}
	return nil
}

// detectOffHours fires when 3 or more events occur between 01:00 and 05:00 UTC.
func detectOffHours(history []*domain.ActivityEvent) *domain.PatternDetection {
	night := 0
	for _, ev := range history {
		h := ev.Timestamp.UTC().Hour()
		if h >= 1 && h < 5 {
			night++
		}
	}
	if night < 3 {
		return nil
	}
	return &domain.PatternDetection{
		PatternName:    PatternOffHours,
		RiskAdjustment: adjOffHours,
		Details: map[string]any{
			"night_events": night,
		},
	}
}

// detectNewDeviceHighValue fires when a device's first appearance is followed
// within 24 hours by a high-value event on that device.
func detectNewDeviceHighValue(history []*domain.ActivityEvent) *domain.PatternDetection {
	const highValue = 1000.0
	const probation = 24 * time.Hour

	firstSeen := make(map[string]time.Time)
	for _, ev := range history {
		if ev.DeviceID == "" {
			continue
		}
		first, seen := firstSeen[ev.DeviceID]
		if !seen {
			firstSeen[ev.DeviceID] = ev.Timestamp
			first = ev.Timestamp
		}
		if ev.Amount >= highValue && ev.Timestamp.Sub(first) <= probation {
			return &domain.PatternDetection{
				PatternName:    PatternNewDeviceHighValue,
				RiskAdjustment: adjNewDeviceHighValue,
				Details: map[string]any{
					"device_id": ev.DeviceID,
					"amount":    ev.Amount,
				},
			}
		}
	}
	return nil
}

// detectCrossEntityLinkage fires when one device or IP is linked to 3 or more
// distinct accounts in the window.
func detectCrossEntityLinkage(history []*domain.ActivityEvent) *domain.PatternDetection {
	accountsByDevice := make(map[string]map[string]struct{})
	accountsByIP := make(map[string]map[string]struct{})

	for _, ev := range history {
		if ev.AccountID == "" {
			continue
		}
		if ev.DeviceID != "" {
			if accountsByDevice[ev.DeviceID] == nil {
				accountsByDevice[ev.DeviceID] = make(map[string]struct{})
			}
			accountsByDevice[ev.DeviceID][ev.AccountID] = struct{}{}
		}
		if ev.IP != "" {
			if accountsByIP[ev.IP] == nil {
				accountsByIP[ev.IP] = make(map[string]struct{})
			}
			accountsByIP[ev.IP][ev.AccountID] = struct{}{}
		}
	}

	check := func(kind string, m map[string]map[string]struct{}) *domain.PatternDetection {
		for link, accounts := range m {
			if len(accounts) >= 3 {
				return &domain.PatternDetection{
					PatternName:    PatternCrossEntityLinkage,
					RiskAdjustment: adjCrossEntityLinkage,
					Details: map[string]any{
						"link_type":         kind,
						"link_value":        link,
						"distinct_accounts": len(accounts),
					},
				}
			}
		}
		return nil
	}

	if d := check("device", accountsByDevice); d != nil {
		return d
	}
	return check("ip", accountsByIP)
}

// detectChainedTransfers fires on 3 or more consecutive transfers with
// near-identical amounts (within 10%), a layering signature.
func detectChainedTransfers(history []*domain.ActivityEvent) *domain.PatternDetection {
	const chainLen = 3
	const tolerance = 0.10

	run := 0
	var prevAmount float64
	for _, ev := range history {
		if ev.Type != domain.ActivityTransfer || ev.Amount <= 0 {
			run = 0
			continue
		}
		if run > 0 && withinTolerance(prevAmount, ev.Amount, tolerance) {
			run++
		} else {
			run = 1
		}
		prevAmount = ev.Amount

		if run >= chainLen {
			return &domain.PatternDetection{
				PatternName:    PatternChainedTransfers,
				RiskAdjustment: adjChainedTransfers,
				Details: map[string]any{
					"chain_length": run,
					"amount":       fmt.Sprintf("%.2f", ev.Amount),
				},
			}
		}
	}
	return nil
}

// detectRefundSpike fires when refunds and chargebacks make up at least 30%
// of the history and number at least 3.
func detectRefundSpike(history []*domain.ActivityEvent) *domain.PatternDetection {
	if len(history) == 0 {
		return nil
	}

	reversals := 0
	for _, ev := range history {
		if ev.Type == domain.ActivityRefund || ev.Type == domain.ActivityChargeback {
			reversals++
		}
	}

	ratio := float64(reversals) / float64(len(history))
	if reversals < 3 || ratio < 0.30 {
		return nil
	}
	return &domain.PatternDetection{
		PatternName:    PatternRefundSpike,
		RiskAdjustment: adjRefundSpike,
		Details: map[string]any{
			"reversals": reversals,
			"ratio":     fmt.Sprintf("%.2f", ratio),
		},
	}
}

func withinTolerance(a, b, tol float64) bool {
	if a == 0 {
		return b == 0
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff/a <= tol
}
