package tool

// DefaultDescriptor returns the prompt-facing descriptor for a known
// identifier. Example params are rendered verbatim into reasoning prompts so
// the model sees each tool's expected argument shape.
func DefaultDescriptor(id Identifier) Descriptor {
	switch id {
	case CodeAnalysis:
		return Descriptor{
			Name:          CodeAnalysis,
			Description:   "Runs static analysis over a workspace and reports findings",
			ExampleParams: map[string]string{"workspace": "backend", "scope": "src/..."},
		}
	case DocumentFromWeb:
		return Descriptor{
			Name:          DocumentFromWeb,
			Description:   "Fetches a document or page from the web and extracts its content",
			ExampleParams: map[string]string{"url": "https://example.com/article"},
			SideEffects:   []string{"network"},
		}
	case WebSearch:
		return Descriptor{
			Name:          WebSearch,
			Description:   "Searches the web and returns ranked results",
			ExampleParams: map[string]string{"query": "weaviate go client usage"},
			SideEffects:   []string{"network"},
		}
	case KnowledgeStore:
		return Descriptor{
			Name:          KnowledgeStore,
			Description:   "Persists content into the knowledge store for later retrieval",
			ExampleParams: map[string]string{"title": "release notes", "content": "..."},
			SideEffects:   []string{"storage"},
		}
	case KnowledgeQuery:
		return Descriptor{
			Name:          KnowledgeQuery,
			Description:   "Queries previously stored knowledge",
			ExampleParams: map[string]string{"query": "deployment checklist"},
		}
	case RepoSync:
		return Descriptor{
			Name:          RepoSync,
			Description:   "Synchronizes a git repository into the workspace",
			ExampleParams: map[string]string{"repository": "git@host:org/repo.git", "ref": "main"},
			SideEffects:   []string{"network", "storage"},
		}
	case ClusterProvision:
		return Descriptor{
			Name:          ClusterProvision,
			Description:   "Provisions or inspects compute clusters",
			ExampleParams: map[string]string{"action": "status", "cluster": "default"},
			SideEffects:   []string{"infrastructure"},
		}
	default:
		return Descriptor{Name: id}
	}
}
