package provider

import "fmt"

// New builds a provider for the given type name. Recognized types are
// github, gitlab, bitbucket, bitbucket_server, and azure_devops.
func New(providerType string, opts Options) (Provider, error) {
	switch providerType {
	case "github":
		return NewGitHub(opts)
	case "gitlab":
		return NewGitLab(opts)
	case "bitbucket":
		return NewBitbucketCloud(opts)
	case "bitbucket_server":
		return NewBitbucketServer(opts)
	case "azure_devops":
		return NewAzureDevOps(opts)
	default:
		return nil, fmt.Errorf("unknown provider type %q", providerType)
	}
}
