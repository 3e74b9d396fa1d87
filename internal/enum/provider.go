package enum

// Provider identifies a model gateway backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderXAI       Provider = "xai"
	ProviderMeta      Provider = "meta"
	ProviderDeepSeek  Provider = "deepseek"
)

// Values returns all recognized providers.
func (Provider) Values() []string {
	return []string{
		string(ProviderOpenAI),
		string(ProviderAnthropic),
		string(ProviderGoogle),
		string(ProviderXAI),
		string(ProviderMeta),
		string(ProviderDeepSeek),
	}
}

// Valid reports whether p is a recognized provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle, ProviderXAI, ProviderMeta, ProviderDeepSeek:
		return true
	default:
		return false
	}
}
