package native

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

type serverWhitelistConfig struct {
	AllowedServers      []string `json:"allowed_servers"`
	DetectTyposquats    bool     `json:"detect_typosquats"`
	SimilarityThreshold float64  `json:"similarity_threshold"`
}

// serverWhitelist only lets traffic through for listed upstream servers and
// flags names that imitate a listed one.
type serverWhitelist struct {
	allowed    map[string]struct{}
	names      []string
	typosquats bool
	threshold  float64
}

func newServerWhitelist(spec *guard.Spec, _ Deps) (Guard, error) {
	cfg := serverWhitelistConfig{DetectTyposquats: true, SimilarityThreshold: 0.85}
	if err := decodeConfig(spec, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.AllowedServers) == 0 {
		return nil, guard.ConfigErrorf(spec.ID, "allowed_servers must not be empty")
	}
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		return nil, guard.ConfigErrorf(spec.ID, "similarity_threshold must be in (0, 1], got %v", cfg.SimilarityThreshold)
	}
	g := &serverWhitelist{
		allowed:    make(map[string]struct{}, len(cfg.AllowedServers)),
		names:      cfg.AllowedServers,
		typosquats: cfg.DetectTyposquats,
		threshold:  cfg.SimilarityThreshold,
	}
	for _, s := range cfg.AllowedServers {
		g.allowed[s] = struct{}{}
	}
	return g, nil
}

func (g *serverWhitelist) EvaluateToolsList(_ context.Context, _ []guard.Tool, gctx guard.GuardContext) (guard.Decision, error) {
	return g.check(gctx.ServerName), nil
}

func (g *serverWhitelist) EvaluateToolInvoke(_ context.Context, _ guard.Payload, gctx guard.GuardContext) (guard.Decision, error) {
	return g.check(gctx.ServerName), nil
}

func (g *serverWhitelist) EvaluateToolResponse(_ context.Context, _ guard.Payload, gctx guard.GuardContext) (guard.Decision, error) {
	return g.check(gctx.ServerName), nil
}

func (g *serverWhitelist) check(server string) guard.Decision {
	if _, ok := g.allowed[server]; ok {
		return guard.Allow()
	}
	if g.typosquats {
		best, score := "", 0.0
		for _, name := range g.names {
			if s := similarity(strings.ToLower(server), strings.ToLower(name)); s > score {
				best, score = name, s
			}
		}
		if score >= g.threshold {
			return deny("server_typosquat_detected",
				fmt.Sprintf("Server %q imitates allowed server %q", server, best),
				map[string]any{"server": server, "similar_to": best, "similarity": score},
			)
		}
	}
	return deny("server_not_allowed",
		fmt.Sprintf("Server %q is not in the allowed server list", server),
		map[string]any{"server": server},
	)
}

// similarity is 1 minus the Levenshtein distance normalised by the longer
// string's rune count. Identical strings score 1.
func similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}
