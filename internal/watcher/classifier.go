package watcher

import "strings"

// Taxonomy labels attached to stored versions and change events.
// Classification is advisory metadata; change tracking never depends on it.
const (
	CategoryTax          = "category:tax"
	CategoryConstruction = "category:construction-standard"
	CategoryProcurement  = "category:procurement"
	CategoryOther        = "category:other"

	ImpactAdministrative = "impact:administrative"
	ImpactSubstantive    = "impact:substantive"
	ImpactUnknown        = "impact:unknown"
)

// Classifier tags a record with labels from the fixed taxonomy. Implemented
// as a strategy so a rule-based classifier can be swapped for a model-based
// one without touching the pipeline.
type Classifier interface {
	Classify(rec DocumentRecord) ([]string, error)
}

// FallbackLabels is what the pipeline attaches when classification fails.
func FallbackLabels() []string {
	return []string{CategoryOther, ImpactUnknown}
}

// RuleClassifier scores keyword hits over the normalized text. The keyword
// tables cover both Indonesian regulatory vocabulary and common English
// equivalents found in ministry and tax-directorate publications.
type RuleClassifier struct{}

func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

var taxKeywords = []string{
	"pajak", "pph", "ppn", "tarif", "withholding", "fiskal",
	"npwp", "spt", "bea", "cukai", "tax", "faktur",
}

var constructionKeywords = []string{
	"sni", "beton", "baja", "konstruksi", "struktur", "pondasi",
	"bangunan", "standar teknis", "mutu", "spesifikasi teknis",
	"structural", "building code", "astm",
}

var procurementKeywords = []string{
	"pengadaan", "tender", "lelang", "kontrak kerja", "procurement",
	"penyedia jasa", "hps", "prakualifikasi", "bidding",
}

var substantiveKeywords = []string{
	"perubahan", "revisi", "dicabut", "mencabut", "diganti",
	"berlaku", "tarif baru", "amendment", "repeal", "supersede",
	"kenaikan", "penurunan", "wajib",
}

var administrativeKeywords = []string{
	"ralat", "perbaikan redaksi", "penomoran", "administrasi",
	"perpanjangan waktu", "correction", "typo", "editorial",
}

func (c *RuleClassifier) Classify(rec DocumentRecord) ([]string, error) {
	text := strings.ToLower(rec.Title + "\n" + rec.Body)

	category := CategoryOther
	best := 0
	for _, candidate := range []struct {
		label    string
		keywords []string
	}{
		{CategoryTax, taxKeywords},
		{CategoryConstruction, constructionKeywords},
		{CategoryProcurement, procurementKeywords},
	} {
		score := countHits(text, candidate.keywords)
		if score > best {
			best = score
			category = candidate.label
		}
	}

	impact := ImpactUnknown
	subst := countHits(text, substantiveKeywords)
	admin := countHits(text, administrativeKeywords)
	switch {
	case subst > admin:
		impact = ImpactSubstantive
	case admin > 0:
		impact = ImpactAdministrative
	}

	return []string{category, impact}, nil
}

func countHits(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}
