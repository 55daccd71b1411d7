package detection

// Kind identifies the family of backend a Detector wraps
type Kind int

const (
	// KindUnknown is any backend the normalizer has no adapter for
	KindUnknown Kind = iota
	// KindSingleStage backends return corner boxes that are already deduplicated
	KindSingleStage
	// KindTransformer backends return labelled records with string class names
	KindTransformer
	// KindLegacy backends return a dense grid of raw predictions that need
	// thresholding, decoding and suppression
	KindLegacy
)

func (k Kind) String() string {
	switch k {
	case KindSingleStage:
		return "single-stage"
	case KindTransformer:
		return "transformer"
	case KindLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}
