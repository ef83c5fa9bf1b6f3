package license

// Feature names a gated capability of the desktop application
type Feature string

const (
	FeatureBasicConversion Feature = "basic_conversion"
	FeatureBatch           Feature = "batch_conversion"
	FeatureOCR             Feature = "ocr"
	FeaturePDFEditing      Feature = "pdf_editing"
	FeatureAPIAccess       Feature = "api_access"
	FeatureSSO             Feature = "sso"
)

// Entitlements is the resolved feature set for a tier. The UI receives
// this value instead of comparing tier names.
type Entitlements struct {
	Tier          Tier      `json:"tier"`
	Features      []Feature `json:"features"`
	MaxFileSizeMB int       `json:"max_file_size_mb"`
	MaxBatchFiles int       `json:"max_batch_files"`
	Watermark     bool      `json:"watermark"`
}

// Has reports whether f is granted
func (e Entitlements) Has(f Feature) bool {
	for _, granted := range e.Features {
		if granted == f {
			return true
		}
	}
	return false
}

var entitlementTable = map[Tier]Entitlements{
	TierTrial: {
		Features:      []Feature{FeatureBasicConversion},
		MaxFileSizeMB: 5,
		MaxBatchFiles: 1,
		Watermark:     true,
	},
	TierBasic: {
		Features:      []Feature{FeatureBasicConversion, FeatureBatch},
		MaxFileSizeMB: 50,
		MaxBatchFiles: 10,
	},
	TierPro: {
		Features:      []Feature{FeatureBasicConversion, FeatureBatch, FeatureOCR, FeaturePDFEditing},
		MaxFileSizeMB: 500,
		MaxBatchFiles: 100,
	},
	TierEnterprise: {
		Features: []Feature{
			FeatureBasicConversion, FeatureBatch, FeatureOCR,
			FeaturePDFEditing, FeatureAPIAccess, FeatureSSO,
		},
		MaxFileSizeMB: 0,
		MaxBatchFiles: 0,
	},
}

// EntitlementsFor resolves a tier. Unknown tiers get nothing. A zero
// MaxFileSizeMB or MaxBatchFiles on a known tier means unlimited.
func EntitlementsFor(t Tier) Entitlements {
	e, ok := entitlementTable[t]
	if !ok {
		return Entitlements{Tier: t, Features: []Feature{}}
	}
	e.Tier = t
	e.Features = append([]Feature(nil), e.Features...)
	return e
}
