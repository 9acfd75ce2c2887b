package listener

import (
	"fmt"
	"strings"

	dErrors "usagetrail/pkg/domain-errors"
	"usagetrail/pkg/platform/routing"
)

// Binding ties one producing domain to a routing pattern and a queue
// identity. Listeners sharing a Queue compete for deliveries.
type Binding struct {
	Domain  string `yaml:"domain"`
	Pattern string `yaml:"pattern"`
	Queue   string `yaml:"queue"`
}

// Builtin domains and the queue identities their consumers join.
var builtinDomains = []struct{ domain, queue string }{
	{"category", "CategoryEvent"},
	{"video", "VideoEvent"},
	{"showcase", "ShowcaseEvent"},
	{"product", "ProductEvent"},
	{"account", "AccountEvent"},
	{"organization", "OrganizationEvent"},
	{"file", "FileEvent"},
}

// DefaultBindings returns one "<domain>.*" binding per builtin domain.
func DefaultBindings() []Binding {
	out := make([]Binding, 0, len(builtinDomains))
	for _, d := range builtinDomains {
		out = append(out, Binding{
			Domain:  d.domain,
			Pattern: d.domain + routing.Separator + routing.SingleWild,
			Queue:   d.queue,
		})
	}
	return out
}

// Validate checks the binding before anything is subscribed.
func (b Binding) Validate() error {
	if strings.TrimSpace(b.Domain) == "" {
		return dErrors.New(dErrors.CodeMisconfigured, "listener binding needs a domain")
	}
	if strings.TrimSpace(b.Queue) == "" {
		return dErrors.New(dErrors.CodeMisconfigured, fmt.Sprintf("listener %q needs a queue identity", b.Domain))
	}
	if _, err := routing.ParsePattern(b.Pattern); err != nil {
		return dErrors.Wrap(err, dErrors.CodeMisconfigured, fmt.Sprintf("listener %q", b.Domain))
	}
	return nil
}

// withDefaults fills the pattern from the domain when left empty.
func (b Binding) withDefaults() Binding {
	if b.Pattern == "" {
		b.Pattern = b.Domain + routing.Separator + routing.SingleWild
	}
	return b
}
