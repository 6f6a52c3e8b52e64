package consistency

import "fmt"

// Status classifies a feature's cached category pointer (SF) against the
// category of its canonical link (SFC)
type Status string

const (
	// StatusNoRelationship: no pointer and no link
	StatusNoRelationship Status = "NO_RELATIONSHIP"
	// StatusSFNull: links exist but the pointer is null
	StatusSFNull Status = "SF_NULL"
	// StatusSFCNull: the pointer is set but no link exists
	StatusSFCNull Status = "SFC_NULL"
	// StatusConflict: pointer and canonical link disagree
	StatusConflict Status = "CONFLICT"
	// StatusConsistent: pointer equals the canonical link's category
	StatusConsistent Status = "CONSISTENT"
)

// Classify compares a cached pointer with the canonical category. Nil means absent.
func Classify(cached, canonical *int64) Status {
	switch {
	case cached == nil && canonical == nil:
		return StatusNoRelationship
	case cached == nil:
		return StatusSFNull
	case canonical == nil:
		return StatusSFCNull
	case *cached != *canonical:
		return StatusConflict
	default:
		return StatusConsistent
	}
}

// FeatureStatus is one row of the diagnostic report
type FeatureStatus struct {
	FeatureID           int64  `json:"feature_id"`
	FeatureName         string `json:"feature_name"`
	Status              Status `json:"status"`
	CachedCategoryID    *int64 `json:"cached_category_id"`
	CanonicalCategoryID *int64 `json:"canonical_category_id"`
}

// ReconcileResult reports how many pointers a reconciliation rewrote
type ReconcileResult struct {
	FeaturesUpdated int `json:"features_updated"`
	FeaturesCleared int `json:"features_cleared"`
}

// Writes is the number of statements the run issued
func (r ReconcileResult) Writes() int {
	return r.FeaturesUpdated + r.FeaturesCleared
}

// Summary aggregates a diagnostic report
type Summary struct {
	Total          int             `json:"total"`
	Consistent     int             `json:"consistent"`
	NoRelationship int             `json:"no_relationship"`
	SFNull         int             `json:"sf_null"`
	SFCNull        int             `json:"sfc_null"`
	Conflict       int             `json:"conflict"`
	Inconsistent   []FeatureStatus `json:"inconsistent"`
}

// Summarize counts statuses and collects the rows reconciliation would change
func Summarize(statuses []FeatureStatus) Summary {
	s := Summary{Total: len(statuses), Inconsistent: []FeatureStatus{}}
	for _, st := range statuses {
		switch st.Status {
		case StatusConsistent:
			s.Consistent++
		case StatusNoRelationship:
			s.NoRelationship++
		case StatusSFNull:
			s.SFNull++
			s.Inconsistent = append(s.Inconsistent, st)
		case StatusSFCNull:
			s.SFCNull++
			s.Inconsistent = append(s.Inconsistent, st)
		case StatusConflict:
			s.Conflict++
			s.Inconsistent = append(s.Inconsistent, st)
		}
	}
	return s
}

// Counts returns the summary keyed by status name
func (s Summary) Counts() map[string]int {
	return map[string]int{
		string(StatusConsistent):     s.Consistent,
		string(StatusNoRelationship): s.NoRelationship,
		string(StatusSFNull):         s.SFNull,
		string(StatusSFCNull):        s.SFCNull,
		string(StatusConflict):       s.Conflict,
	}
}

// ConsistencyConflict describes a feature whose pointer disagrees with its
// canonical link. It is logged and healed by reconciliation, never returned to
// an end user.
type ConsistencyConflict struct {
	FeatureID           int64
	CachedCategoryID    int64
	CanonicalCategoryID int64
}

func (c *ConsistencyConflict) Error() string {
	return fmt.Sprintf("feature %d: cached category %d differs from canonical category %d",
		c.FeatureID, c.CachedCategoryID, c.CanonicalCategoryID)
}
