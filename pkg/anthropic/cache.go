package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. Every classification batch shares the same system prompt, so
// after the first call the prompt is read from the provider's cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
