package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/klioai/klio/internal/db"
)

// recentWindow bounds what counts as recent learning.
const recentWindow = 7 * 24 * time.Hour

// Node is one topic of the knowledge graph.
type Node struct {
	Topic      string          `json:"topic"`
	Category   string          `json:"category"`
	Engagement int             `json:"engagement"`
	LastSeen   time.Time       `json:"last_seen"`
	Details    db.TopicDetails `json:"details"`
}

// Graph is the read model used for prompts and parent views.
type Graph struct {
	MainInterests  []string          `json:"main_interests"`
	RecentLearning []db.KnowledgeBit `json:"recent_learning"`
	KnowledgeGraph []Node            `json:"knowledge_graph"` // engagement desc, then recency desc
}

func emptyGraph() Graph {
	return Graph{MainInterests: []string{}, RecentLearning: []db.KnowledgeBit{}, KnowledgeGraph: []Node{}}
}

// Graph returns the child's knowledge graph. Storage errors are logged and
// yield an empty graph.
func (c *Consolidator) Graph(ctx context.Context, childID int64) Graph {
	topics, err := c.db.ListTopicsRanked(ctx, childID)
	if err != nil {
		c.logger.Error("load memory graph", "child_id", childID, "error", err)
		return emptyGraph()
	}

	g := emptyGraph()
	cutoff := c.now().Add(-recentWindow)
	for _, t := range topics {
		if t.EngagementCount > 3 {
			g.MainInterests = append(g.MainInterests, t.Label)
		}
		if t.LastSeen.After(cutoff) && len(t.Details.KnowledgeBits) > 0 {
			g.RecentLearning = append(g.RecentLearning, t.Details.KnowledgeBits[len(t.Details.KnowledgeBits)-1])
		}
		g.KnowledgeGraph = append(g.KnowledgeGraph, Node{
			Topic:      t.Label,
			Category:   t.Category,
			Engagement: t.EngagementCount,
			LastSeen:   t.LastSeen,
			Details:    t.Details,
		})
	}
	return g
}

// Patterns is a parent-facing reading of the graph.
type Patterns struct {
	Strengths   []string `json:"strengths"`
	Interests   []string `json:"interests"`
	Engagement  []string `json:"engagement"`
	GrowthAreas []string `json:"growth_areas"`
}

// LearningPatterns derives strengths, interests, sustained engagement and
// growth areas from the child's graph.
func (c *Consolidator) LearningPatterns(ctx context.Context, childID int64) Patterns {
	return AnalyzePatterns(c.Graph(ctx, childID))
}

// AnalyzePatterns reads patterns off a graph.
func AnalyzePatterns(g Graph) Patterns {
	p := Patterns{Strengths: []string{}, Interests: []string{}, Engagement: []string{}, GrowthAreas: []string{}}
	for _, topic := range g.MainInterests {
		p.Interests = append(p.Interests, fmt.Sprintf("Shows strong interest in %s", topic))
	}
	for _, n := range g.KnowledgeGraph {
		if n.Engagement > 5 {
			p.Strengths = append(p.Strengths, fmt.Sprintf("Demonstrates deep understanding of %s", n.Topic))
		}
		if len(n.Details.KnowledgeBits) > 3 {
			p.Engagement = append(p.Engagement, fmt.Sprintf("Shows consistent engagement with %s", n.Topic))
		}
		if n.Engagement < 3 && len(n.Details.SubTopics) > 0 {
			p.GrowthAreas = append(p.GrowthAreas, fmt.Sprintf("Could explore more aspects of %s", n.Topic))
		}
	}
	return p
}
