package safety

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
	"github.com/jwalitptl/consult-core/pkg/metrics"
)

// InteractionReference looks up the known interactions among a set of
// medication or drug-class names.
type InteractionReference interface {
	Lookup(ctx context.Context, names []string) ([]*model.DrugInteraction, error)
}

// StaticReference is an in-process interaction table.
type StaticReference struct {
	entries []model.DrugInteraction
}

func NewStaticReference(entries ...model.DrugInteraction) *StaticReference {
	if len(entries) == 0 {
		entries = DefaultInteractions()
	}
	return &StaticReference{entries: entries}
}

func (r *StaticReference) Lookup(_ context.Context, names []string) ([]*model.DrugInteraction, error) {
	set := nameSet(names)
	var out []*model.DrugInteraction
	for i := range r.entries {
		e := &r.entries[i]
		if set[normalize(e.MedicationAName)] && set[normalize(e.MedicationBName)] {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CachedReference serves lookups from the drug_interactions table, keeping
// each answered name set in a TTL cache.
type CachedReference struct {
	repo    repository.InteractionRepository
	cache   *cache.Cache
	metrics *metrics.Metrics
}

func NewCachedReference(repo repository.InteractionRepository, ttl time.Duration, m *metrics.Metrics) *CachedReference {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedReference{
		repo:    repo,
		cache:   cache.New(ttl, 2*ttl),
		metrics: m,
	}
}

func (r *CachedReference) Lookup(ctx context.Context, names []string) ([]*model.DrugInteraction, error) {
	key := cacheKey(names)
	if cached, found := r.cache.Get(key); found {
		r.metrics.InteractionCache.WithLabelValues("hit").Inc()
		return cached.([]*model.DrugInteraction), nil
	}
	r.metrics.InteractionCache.WithLabelValues("miss").Inc()

	found, err := r.repo.ListForMedications(ctx, names)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, found, cache.DefaultExpiration)
	return found, nil
}

// Flush drops every cached answer, e.g. after the reference table changes.
func (r *CachedReference) Flush() {
	r.cache.Flush()
}

// Chain merges several references; the first entry seen for a pair wins.
type Chain []InteractionReference

func (c Chain) Lookup(ctx context.Context, names []string) ([]*model.DrugInteraction, error) {
	seen := make(map[string]bool)
	var out []*model.DrugInteraction
	for _, ref := range c {
		found, err := ref.Lookup(ctx, names)
		if err != nil {
			return nil, err
		}
		for _, in := range found {
			k := pairKey(in.MedicationAName, in.MedicationBName)
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, in)
		}
	}
	return out, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func nameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		if n = normalize(n); n != "" {
			set[n] = true
		}
	}
	return set
}

func cacheKey(names []string) string {
	keys := make([]string, 0, len(names))
	for n := range nameSet(names) {
		keys = append(keys, n)
	}
	slices.Sort(keys)
	return strings.Join(keys, ",")
}

// pairKey is order-independent.
func pairKey(a, b string) string {
	a, b = normalize(a), normalize(b)
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// DefaultInteractions is the built-in interaction table. Entries may name a
// medication or a drug class.
func DefaultInteractions() []model.DrugInteraction {
	entry := func(a, b string, sev model.InteractionSeverity, desc, mgmt string) model.DrugInteraction {
		return model.DrugInteraction{
			MedicationAName: a, MedicationBName: b, Severity: sev,
			Description: desc, Management: mgmt, Source: "builtin",
		}
	}
	return []model.DrugInteraction{
		entry("warfarin", "nsaid", model.InteractionCritical,
			"Major bleeding risk", "Avoid combination; use acetaminophen for analgesia"),
		entry("warfarin", "fluconazole", model.InteractionCritical,
			"Fluconazole inhibits warfarin metabolism; INR rises sharply", "Avoid or reduce warfarin dose with close INR monitoring"),
		entry("sildenafil", "nitroglycerin", model.InteractionCritical,
			"Profound hypotension", "Contraindicated"),
		entry("ssri", "maoi", model.InteractionCritical,
			"Serotonin syndrome", "Contraindicated; allow a 14-day washout"),
		entry("simvastatin", "clarithromycin", model.InteractionCritical,
			"Rhabdomyolysis risk from CYP3A4 inhibition", "Suspend simvastatin during the macrolide course"),
		entry("methotrexate", "trimethoprim", model.InteractionCritical,
			"Additive antifolate toxicity and bone marrow suppression", "Avoid combination"),
		entry("tizanidine", "ciprofloxacin", model.InteractionCritical,
			"Ciprofloxacin raises tizanidine levels; severe hypotension and sedation", "Contraindicated"),
		entry("ssri", "tramadol", model.InteractionModerate,
			"Serotonin syndrome and seizure risk", "Use lowest effective dose and monitor"),
		entry("ace_inhibitor", "spironolactone", model.InteractionModerate,
			"Hyperkalemia", "Monitor potassium and renal function"),
		entry("clopidogrel", "omeprazole", model.InteractionModerate,
			"Reduced antiplatelet effect", "Prefer pantoprazole"),
		entry("digoxin", "amiodarone", model.InteractionModerate,
			"Digoxin levels increase", "Halve digoxin dose and monitor levels"),
		entry("simvastatin", "amlodipine", model.InteractionModerate,
			"Increased statin exposure", "Limit simvastatin to 20 mg daily"),
		entry("opioid", "benzodiazepine", model.InteractionModerate,
			"Additive respiratory depression", "Avoid unless no alternative; monitor closely"),
		entry("levothyroxine", "calcium carbonate", model.InteractionMild,
			"Reduced levothyroxine absorption", "Separate doses by four hours"),
		entry("ciprofloxacin", "calcium carbonate", model.InteractionMild,
			"Reduced ciprofloxacin absorption", "Take ciprofloxacin two hours before calcium"),
	}
}
