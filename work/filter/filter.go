package filter

import (
	"strings"
	"sync"

	"stepzz-proxy/work/config"
	"stepzz-proxy/work/logger"
	"stepzz-proxy/work/types"

	"github.com/grafana/regexp"
)

// CompiledFilter holds the compiled name patterns of one listing source.
type CompiledFilter struct {
	Include *regexp.Regexp
	Exclude *regexp.Regexp
}

// FilterManager caches compiled filters per source so a refresh does not
// recompile every pattern.
type FilterManager struct {
	filters map[string]*CompiledFilter
	mu      sync.RWMutex
}

// NewFilterManager creates a new filter manager
func NewFilterManager() *FilterManager {
	return &FilterManager{
		filters: make(map[string]*CompiledFilter),
	}
}

// filterKey identifies a source by name and patterns, so an edited pattern
// never reuses a stale compilation.
func filterKey(source *config.SourceConfig) string {
	return source.Name + "\x00" + source.IncludeRegex + "\x00" + source.ExcludeRegex
}

// GetOrCreateFilter gets or creates a compiled filter for a source. Invalid
// patterns are logged and treated as absent.
func (fm *FilterManager) GetOrCreateFilter(source *config.SourceConfig) *CompiledFilter {
	key := filterKey(source)

	fm.mu.RLock()
	if f, ok := fm.filters[key]; ok {
		fm.mu.RUnlock()
		return f
	}
	fm.mu.RUnlock()

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if f, ok := fm.filters[key]; ok {
		return f
	}

	f := &CompiledFilter{
		Include: compile(source.Name, "include", source.IncludeRegex),
		Exclude: compile(source.Name, "exclude", source.ExcludeRegex),
	}
	fm.filters[key] = f
	return f
}

func compile(sourceName, kind, pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		logger.Error("{filter/filter - compile} Invalid %s pattern %q for source %s: %v", kind, pattern, sourceName, err)
		return nil
	}
	logger.Debug("{filter/filter - compile} Compiled %s pattern %q for source %s", kind, pattern, sourceName)
	return re
}

// FilterChannels keeps the channels whose name passes the source's include
// pattern (when set) and does not match its exclude pattern. Order is kept.
func (fm *FilterManager) FilterChannels(channels []types.Channel, source *config.SourceConfig) []types.Channel {
	if source.IncludeRegex == "" && source.ExcludeRegex == "" {
		return channels
	}

	f := fm.GetOrCreateFilter(source)
	filtered := make([]types.Channel, 0, len(channels))
	for _, ch := range channels {
		if f.Allows(ch.Name) {
			filtered = append(filtered, ch)
		}
	}

	logger.Debug("{filter/filter - FilterChannels} Filtered %d -> %d channels for source %s", len(channels), len(filtered), source.Name)
	return filtered
}

// Allows reports whether a channel name passes the filter.
func (f *CompiledFilter) Allows(name string) bool {
	name = strings.TrimSpace(name)
	if f.Include != nil && !f.Include.MatchString(name) {
		return false
	}
	if f.Exclude != nil && f.Exclude.MatchString(name) {
		return false
	}
	return true
}
