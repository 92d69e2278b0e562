package store

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/vantagehq/vantage/pkg/model"
	"github.com/vantagehq/vantage/pkg/verrors"
)

// Dimension upserts follow one shape: check the LRU, otherwise
// insert-on-conflict-do-nothing followed by a select-by-fingerprint, then
// verify the stored content actually matches before trusting the
// fingerprint. Two calls with equal fingerprints yield equal ids across
// processes because the database row is the source of truth.

// UpsertResource returns the stable id for a resource dimension.
func (s *Store) UpsertResource(ctx context.Context, res model.Resource) (int64, error) {
	fp := res.Fingerprint()
	if id, ok := s.resourceCache.Get(fp.String()); ok {
		metricDimensionCacheHits.WithLabelValues("resource").Inc()
		return id, nil
	}
	metricDimensionCacheMisses.WithLabelValues("resource").Inc()

	attrs, err := json.Marshal(res.Attributes)
	if err != nil {
		return 0, verrors.E(verrors.KindInvalid, "encoding resource attributes", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO resources (fp_hi, fp_lo, attrs, service_name, service_namespace)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fp_hi, fp_lo) DO NOTHING`,
		int64(fp.Hi), int64(fp.Lo), attrs, res.ServiceName(), res.ServiceNamespace())
	if err != nil {
		return 0, mapPgError("upserting resource", err)
	}

	var (
		id     int64
		stored []byte
	)
	err = s.pool.QueryRow(ctx,
		`SELECT id, attrs FROM resources WHERE fp_hi = $1 AND fp_lo = $2`,
		int64(fp.Hi), int64(fp.Lo)).Scan(&id, &stored)
	if err != nil {
		return 0, mapPgError("selecting resource by fingerprint", err)
	}

	if err := verifyAttrs(stored, res.Attributes); err != nil {
		return 0, err
	}

	s.resourceCache.Add(fp.String(), id)
	return id, nil
}

// UpsertScope returns the stable id for a scope dimension.
func (s *Store) UpsertScope(ctx context.Context, scope model.Scope) (int64, error) {
	fp := scope.Fingerprint()
	if id, ok := s.scopeCache.Get(fp.String()); ok {
		metricDimensionCacheHits.WithLabelValues("scope").Inc()
		return id, nil
	}
	metricDimensionCacheMisses.WithLabelValues("scope").Inc()

	attrs, err := json.Marshal(scope.Attributes)
	if err != nil {
		return 0, verrors.E(verrors.KindInvalid, "encoding scope attributes", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scopes (fp_hi, fp_lo, name, version, attrs)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fp_hi, fp_lo) DO NOTHING`,
		int64(fp.Hi), int64(fp.Lo), scope.Name, scope.Version, attrs)
	if err != nil {
		return 0, mapPgError("upserting scope", err)
	}

	var (
		id     int64
		stored []byte
	)
	err = s.pool.QueryRow(ctx,
		`SELECT id, attrs FROM scopes WHERE fp_hi = $1 AND fp_lo = $2`,
		int64(fp.Hi), int64(fp.Lo)).Scan(&id, &stored)
	if err != nil {
		return 0, mapPgError("selecting scope by fingerprint", err)
	}

	if err := verifyAttrs(stored, scope.Attributes); err != nil {
		return 0, err
	}

	s.scopeCache.Add(fp.String(), id)
	return id, nil
}

// UpsertMetricDescriptor returns the stable id for a metric descriptor.
func (s *Store) UpsertMetricDescriptor(ctx context.Context, d model.MetricDescriptor) (int64, error) {
	fp := d.Fingerprint()
	if id, ok := s.descriptorCache.Get(fp.String()); ok {
		metricDimensionCacheHits.WithLabelValues("descriptor").Inc()
		return id, nil
	}
	metricDimensionCacheMisses.WithLabelValues("descriptor").Inc()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO metric_descriptors (fp_hi, fp_lo, name, description, unit, kind, temporality, monotonic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fp_hi, fp_lo) DO NOTHING`,
		int64(fp.Hi), int64(fp.Lo), d.Name, d.Description, d.Unit,
		d.Kind.String(), d.Temporality.String(), d.Monotonic)
	if err != nil {
		return 0, mapPgError("upserting metric descriptor", err)
	}

	var (
		id   int64
		name string
	)
	err = s.pool.QueryRow(ctx,
		`SELECT id, name FROM metric_descriptors WHERE fp_hi = $1 AND fp_lo = $2`,
		int64(fp.Hi), int64(fp.Lo)).Scan(&id, &name)
	if err != nil {
		return 0, mapPgError("selecting metric descriptor by fingerprint", err)
	}
	if name != d.Name {
		return 0, verrors.E(verrors.KindConflict, "metric descriptor fingerprint collision: %q vs %q", d.Name, name)
	}

	s.descriptorCache.Add(fp.String(), id)
	return id, nil
}

// touchService maintains the derived service dimension's seen range.
func (s *Store) touchService(ctx context.Context, name, namespace string, seenNanos int64) error {
	if name == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (name, namespace, first_seen, last_seen)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (name, namespace) DO UPDATE SET
			first_seen = LEAST(services.first_seen, EXCLUDED.first_seen),
			last_seen  = GREATEST(services.last_seen, EXCLUDED.last_seen)`,
		name, namespace, seenNanos)
	if err != nil {
		return mapPgError("touching service", err)
	}
	return nil
}

// verifyAttrs guards against 128-bit fingerprint collisions: equal
// fingerprints must mean equal attribute maps. Both sides are compared in
// their JSON rendering so the storage encoding (bytes as hex, integral
// doubles as numbers) does not produce false conflicts.
func verifyAttrs(stored []byte, want model.Attributes) error {
	wantJSON, err := json.Marshal(want)
	if err != nil {
		return verrors.E(verrors.KindInvalid, "encoding dimension attributes", err)
	}
	var gotRaw, wantRaw any
	if err := json.Unmarshal(stored, &gotRaw); err != nil {
		return verrors.E(verrors.KindFatal, "decoding stored dimension attributes", err)
	}
	if err := json.Unmarshal(wantJSON, &wantRaw); err != nil {
		return verrors.E(verrors.KindFatal, "decoding dimension attributes", err)
	}
	if !reflect.DeepEqual(gotRaw, wantRaw) {
		return verrors.E(verrors.KindConflict, "dimension fingerprint collision")
	}
	return nil
}
