package catalog

// Metadata is the lightweight, always-resident summary of a capability.
// Loaded once at startup from the entry's frontmatter header; immutable after
// load. A reload replaces the whole set, it never mutates entries in place.
type Metadata struct {
	// Name uniquely identifies the capability across the catalog.
	Name        string   `json:"name"`
	Description string   `json:"description"`
	// Model is the execution-tier hint from the entry header (e.g. "haiku",
	// "sonnet", "opus").
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Role         string   `json:"role,omitempty"`
	// Fallbacks lists capability names to try when this one is unavailable.
	Fallbacks []string `json:"fallback_agents,omitempty"`
	// Plugin is the default category label, taken from the directory grouping
	// below the catalog root.
	Plugin string `json:"plugin"`
	// Path is the storage locator, relative to the catalog root.
	Path string `json:"path"`
}

// Definition is the full capability document: metadata plus the instruction
// body. Bodies are large relative to metadata, so definitions are loaded
// just-in-time and owned by the cache entry that holds them.
type Definition struct {
	Metadata
	Body string `json:"body"`
}
