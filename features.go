package gemledger

// Feature keys of the built-in generation tools.
const (
	FeatureCharacterImage  = "generate-character-image"
	FeatureProductPhoto    = "generate-product-photo"
	FeatureImageEdit       = "edit-image"
	FeatureBackgroundSwap  = "swap-background"
	FeatureUpscale         = "upscale-image"
	FeatureFaceSwap        = "face-swap"
	FeatureImageToVideo    = "image-to-video"
	FeatureTextToVideo     = "text-to-video"
	FeatureLipSync         = "lip-sync-video"
	FeaturePromptEnhancing = "enhance-prompt"
)

// DefaultCosts returns the compiled-in cost table used until the remote
// table loads.
func DefaultCosts() map[string]int64 {
	return map[string]int64{
		FeatureCharacterImage:  3,
		FeatureProductPhoto:    3,
		FeatureImageEdit:       2,
		FeatureBackgroundSwap:  2,
		FeatureUpscale:         1,
		FeatureFaceSwap:        4,
		FeatureImageToVideo:    10,
		FeatureTextToVideo:     12,
		FeatureLipSync:         8,
		FeaturePromptEnhancing: 1,
	}
}

// StaticCosts merges the config feature costs over DefaultCosts.
func (c Config) StaticCosts() map[string]int64 {
	costs := DefaultCosts()
	for _, f := range c.Features {
		if f.Cost > 0 {
			costs[f.Key] = f.Cost
		}
	}
	return costs
}

// PolicyOverrides returns the per-feature policy names set in config.
func (c Config) PolicyOverrides() map[string]string {
	out := make(map[string]string)
	for _, f := range c.Features {
		if f.Policy != "" {
			out[f.Key] = f.Policy
		}
	}
	return out
}
