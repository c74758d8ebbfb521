package semantic

import "time"

// EntityType classifies what an entity refers to.
type EntityType string

const (
	EntityPerson     EntityType = "person"
	EntityOrg        EntityType = "org"
	EntityTool       EntityType = "tool"
	EntityLocation   EntityType = "location"
	EntityProject    EntityType = "project"
	EntityConcept    EntityType = "concept"
	EntityPreference EntityType = "preference"
)

// Entity is a resolved reference to a real-world thing. Once a mention has
// been resolved to an entity it is never duplicated; later updates mutate
// the attribute map in place (last write wins per key).
type Entity struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        EntityType             `json:"type"`
	Description string                 `json:"description,omitempty"`
	Embedding   []float32              `json:"embedding,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Relationship is a directed, typed edge between two entities. At most one
// row exists per (from, relation, to) triple; re-observation upserts
// confidence and last_updated.
type Relationship struct {
	ID          string    `json:"id"`
	FromEntity  string    `json:"from_entity"`
	Relation    string    `json:"relation"`
	ToEntity    string    `json:"to_entity"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
}

// Knowledge is one rendered fact from the graph, e.g.
// "Chinmay works_at Acme" with the edge's confidence.
type Knowledge struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}
