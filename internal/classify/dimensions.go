package classify

import (
	"fmt"
	"time"
)

// dimension renders the query producing its matching IMEI set for one
// virtual shard range. The set of dimension kinds is closed at build time;
// config names one by module name.
type dimension interface {
	kind() string
	// matchSQL returns a SELECT producing a single imei_norm column for
	// shards in [lo, hi]. Bind values go through q.
	matchSQL(q *queryArgs, lo, hi int, currDate time.Time) string
}

// queryArgs accumulates bind values while dimension SQL is composed, so one
// statement can carry every dimension of a condition.
type queryArgs struct {
	vals []any
}

func (q *queryArgs) bind(v any) string {
	q.vals = append(q.vals, v)
	return fmt.Sprintf("$%d", len(q.vals))
}

// newDimension resolves a module name and its parameters into a dimension.
func newDimension(module string, params map[string]any) (dimension, error) {
	p := dimParams(params)
	switch module {
	case "stolen_list":
		return stolenDim{}, nil
	case "gsma_not_found":
		return gsmaNotFoundDim{}, nil
	case "not_on_registration_list":
		return notOnRegistrationDim{}, nil
	case "malformed_imei":
		return malformedDim{}, nil
	case "barred_imei":
		return barredDim{}, nil
	case "barred_tac":
		return barredTacDim{}, nil
	case "inconsistent_rat":
		return inconsistentRatDim{}, nil
	case "duplicate_threshold":
		threshold, err := p.intValue("threshold", 2)
		if err != nil {
			return nil, err
		}
		if threshold < 2 {
			return nil, fmt.Errorf("dimension duplicate_threshold: threshold must be >= 2, got %d", threshold)
		}
		periodDays, err := p.intValue("period_days", 120)
		if err != nil {
			return nil, err
		}
		return duplicateThresholdDim{threshold: threshold, periodDays: periodDays}, nil
	case "duplicate_daily_avg":
		threshold, err := p.floatValue("threshold", 4.0)
		if err != nil {
			return nil, err
		}
		periodDays, err := p.intValue("period_days", 30)
		if err != nil {
			return nil, err
		}
		minSeenDays, err := p.intValue("min_seen_days", 5)
		if err != nil {
			return nil, err
		}
		return duplicateDailyAvgDim{threshold: threshold, periodDays: periodDays, minSeenDays: minSeenDays}, nil
	default:
		return nil, fmt.Errorf("unknown dimension module %q", module)
	}
}

type dimParams map[string]any

func (p dimParams) intValue(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("parameter %s: expected integer, got %T", key, v)
	}
}

func (p dimParams) floatValue(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("parameter %s: expected number, got %T", key, v)
	}
}

// stolenDim matches IMEIs live on the stolen list.
type stolenDim struct{}

func (stolenDim) kind() string { return "stolen_list" }
func (stolenDim) matchSQL(q *queryArgs, lo, hi int, _ time.Time) string {
	return fmt.Sprintf(
		`SELECT imei_norm FROM stolen_list WHERE virt_imei_shard BETWEEN %s AND %s`,
		q.bind(lo), q.bind(hi))
}

// gsmaNotFoundDim matches observed IMEIs whose TAC has no live GSMA record.
// Malformed IMEIs have no real TAC and therefore match too.
type gsmaNotFoundDim struct{}

func (gsmaNotFoundDim) kind() string { return "gsma_not_found" }
func (gsmaNotFoundDim) matchSQL(q *queryArgs, lo, hi int, _ time.Time) string {
	return fmt.Sprintf(`
		SELECT n.imei_norm FROM network_imeis n
		WHERE n.virt_imei_shard BETWEEN %s AND %s
		  AND NOT EXISTS (
			SELECT 1 FROM gsma_data g WHERE g.tac = substring(n.imei_norm FROM 1 FOR 8))`,
		q.bind(lo), q.bind(hi))
}

// notOnRegistrationDim matches observed IMEIs absent from the live
// registration list.
type notOnRegistrationDim struct{}

func (notOnRegistrationDim) kind() string { return "not_on_registration_list" }
func (notOnRegistrationDim) matchSQL(q *queryArgs, lo, hi int, _ time.Time) string {
	return fmt.Sprintf(`
		SELECT n.imei_norm FROM network_imeis n
		WHERE n.virt_imei_shard BETWEEN %s AND %s
		  AND NOT EXISTS (
			SELECT 1 FROM registration_list r
			WHERE r.virt_imei_shard = n.virt_imei_shard AND r.imei_norm = n.imei_norm)`,
		q.bind(lo), q.bind(hi))
}

// malformedDim matches observed IMEIs that did not normalize to 14 digits.
type malformedDim struct{}

func (malformedDim) kind() string { return "malformed_imei" }
func (malformedDim) matchSQL(q *queryArgs, lo, hi int, _ time.Time) string {
	return fmt.Sprintf(`
		SELECT imei_norm FROM network_imeis
		WHERE virt_imei_shard BETWEEN %s AND %s
		  AND imei_norm !~ '^[0-9]{14}$'`,
		q.bind(lo), q.bind(hi))
}

// barredDim matches IMEIs live on the barred list.
type barredDim struct{}

func (barredDim) kind() string { return "barred_imei" }
func (barredDim) matchSQL(q *queryArgs, lo, hi int, _ time.Time) string {
	return fmt.Sprintf(
		`SELECT imei_norm FROM barred_list WHERE virt_imei_shard BETWEEN %s AND %s`,
		q.bind(lo), q.bind(hi))
}

// barredTacDim matches observed IMEIs whose TAC is live on the barred TAC
// list.
type barredTacDim struct{}

func (barredTacDim) kind() string { return "barred_tac" }
func (barredTacDim) matchSQL(q *queryArgs, lo, hi int, _ time.Time) string {
	return fmt.Sprintf(`
		SELECT n.imei_norm FROM network_imeis n
		WHERE n.virt_imei_shard BETWEEN %s AND %s
		  AND substring(n.imei_norm FROM 1 FOR 8) IN (SELECT tac FROM barred_tac_list)`,
		q.bind(lo), q.bind(hi))
}

// inconsistentRatDim matches observed IMEIs seen on a radio technology their
// GSMA record says the model does not support.
type inconsistentRatDim struct{}

func (inconsistentRatDim) kind() string { return "inconsistent_rat" }
func (inconsistentRatDim) matchSQL(q *queryArgs, lo, hi int, _ time.Time) string {
	return fmt.Sprintf(`
		SELECT n.imei_norm FROM network_imeis n
		JOIN gsma_data g ON g.tac = substring(n.imei_norm FROM 1 FOR 8)
		WHERE n.virt_imei_shard BETWEEN %s AND %s
		  AND n.seen_rat_bitmask IS NOT NULL
		  AND g.rat_bitmask IS NOT NULL
		  AND g.rat_bitmask <> 0
		  AND (n.seen_rat_bitmask & ~g.rat_bitmask) <> 0`,
		q.bind(lo), q.bind(hi))
}

// duplicateThresholdDim matches IMEIs used with at least threshold distinct
// IMSIs within the lookback period.
type duplicateThresholdDim struct {
	threshold  int
	periodDays int
}

func (duplicateThresholdDim) kind() string { return "duplicate_threshold" }
func (d duplicateThresholdDim) matchSQL(q *queryArgs, lo, hi int, currDate time.Time) string {
	cutoff := currDate.AddDate(0, 0, -d.periodDays)
	return fmt.Sprintf(`
		SELECT imei_norm FROM monthly_network_triplets_country
		WHERE virt_imei_shard BETWEEN %s AND %s
		  AND imei_norm IS NOT NULL AND imsi IS NOT NULL
		  AND last_seen >= %s AND first_seen <= %s
		GROUP BY imei_norm
		HAVING count(DISTINCT imsi) >= %s`,
		q.bind(lo), q.bind(hi), q.bind(cutoff), q.bind(currDate), q.bind(d.threshold))
}

// duplicateDailyAvgDim matches IMEIs whose average distinct-IMSI count per
// observed day within the period exceeds the threshold, once seen on at
// least minSeenDays days.
type duplicateDailyAvgDim struct {
	threshold   float64
	periodDays  int
	minSeenDays int
}

func (duplicateDailyAvgDim) kind() string { return "duplicate_daily_avg" }
func (d duplicateDailyAvgDim) matchSQL(q *queryArgs, lo, hi int, currDate time.Time) string {
	cutoff := currDate.AddDate(0, 0, -d.periodDays)
	return fmt.Sprintf(`
		SELECT imei_norm FROM monthly_network_triplets_country
		WHERE virt_imei_shard BETWEEN %s AND %s
		  AND imei_norm IS NOT NULL AND imsi IS NOT NULL
		  AND last_seen >= %s AND first_seen <= %s
		GROUP BY imei_norm
		HAVING count(DISTINCT last_seen) >= %s
		   AND count(DISTINCT imsi)::float / count(DISTINCT last_seen) >= %s`,
		q.bind(lo), q.bind(hi), q.bind(cutoff), q.bind(currDate),
		q.bind(d.minSeenDays), q.bind(d.threshold))
}
