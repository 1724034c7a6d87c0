// Package catalog provides the static schema catalog describing the analytic
// store: tables, columns, allowed join paths, metric definitions, and known
// business entities. The catalog is loaded once at startup from an embedded
// YAML document and is immutable afterwards, so it can be shared read-only
// across concurrent pipeline runs.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jinzhu/inflection"
	"gopkg.in/yaml.v3"
)

//go:embed schema.yaml
var schemaYAML []byte

// Column describes one column of a catalog table.
type Column struct {
	Type string `yaml:"type"`
}

// Table describes one table available to generated SQL.
type Table struct {
	Description string            `yaml:"description"`
	Columns     map[string]Column `yaml:"columns"`
}

// Join is one allowed join edge, expressed as qualified column references.
type Join struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Metric is a named business metric with its aggregation expression.
type Metric struct {
	Aggregation string `yaml:"aggregation"`
	Description string `yaml:"description"`
}

// KnownEntities lists business entity values the grounding stage can match
// against user input without a database lookup.
type KnownEntities struct {
	Products         []string `yaml:"products"`
	TherapeuticAreas []string `yaml:"therapeutic_areas"`
	Regions          []string `yaml:"regions"`
}

// EntityKind classifies a matched known entity.
type EntityKind string

const (
	EntityProduct         EntityKind = "product"
	EntityTherapeuticArea EntityKind = "therapeutic_area"
	EntityRegion          EntityKind = "region"
)

// Entity is a known business entity resolved from user input.
type Entity struct {
	Kind  EntityKind
	Value string
}

// Catalog is the full schema catalog. Immutable after Load.
type Catalog struct {
	Version       int               `yaml:"version"`
	Tables        map[string]Table  `yaml:"tables"`
	Joins         []Join            `yaml:"joins"`
	Metrics       map[string]Metric `yaml:"metrics"`
	KnownEntities KnownEntities     `yaml:"known_entities"`
	DataNotes     []string          `yaml:"data_notes"`

	// Derived lookup structures, built once during Load.
	columnSet map[string]bool
	joinSet   map[string]bool
	entityIdx map[string]Entity
}

// Load parses the embedded schema catalog and builds lookup indexes.
func Load() (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(schemaYAML, &c); err != nil {
		return nil, fmt.Errorf("failed to parse schema catalog: %w", err)
	}
	if len(c.Tables) == 0 {
		return nil, fmt.Errorf("schema catalog has no tables")
	}

	c.columnSet = make(map[string]bool)
	for _, t := range c.Tables {
		for col := range t.Columns {
			c.columnSet[strings.ToLower(col)] = true
		}
	}

	c.joinSet = make(map[string]bool)
	for _, j := range c.Joins {
		from := tablePart(j.From)
		to := tablePart(j.To)
		c.joinSet[from+"|"+to] = true
		c.joinSet[to+"|"+from] = true
	}

	c.entityIdx = make(map[string]Entity)
	for _, p := range c.KnownEntities.Products {
		c.indexEntity(p, EntityProduct)
	}
	for _, a := range c.KnownEntities.TherapeuticAreas {
		c.indexEntity(a, EntityTherapeuticArea)
	}
	for _, r := range c.KnownEntities.Regions {
		c.indexEntity(r, EntityRegion)
	}

	return &c, nil
}

func (c *Catalog) indexEntity(value string, kind EntityKind) {
	key := strings.ToLower(value)
	e := Entity{Kind: kind, Value: value}
	c.entityIdx[key] = e
	// Index the singular form too so "therapies" style plurals resolve.
	if s := strings.ToLower(inflection.Singular(value)); s != key {
		c.entityIdx[s] = e
	}
}

func tablePart(qualified string) string {
	if i := strings.IndexByte(qualified, '.'); i >= 0 {
		return strings.ToLower(qualified[:i])
	}
	return strings.ToLower(qualified)
}

// HasTable reports whether the named table exists in the catalog.
func (c *Catalog) HasTable(name string) bool {
	_, ok := c.Tables[strings.ToLower(name)]
	return ok
}

// HasColumn reports whether the named column exists on any catalog table.
// Column allowlisting is global since generated SQL may alias tables freely.
func (c *Catalog) HasColumn(name string) bool {
	return c.columnSet[strings.ToLower(name)]
}

// HasMetric reports whether the named metric is defined.
func (c *Catalog) HasMetric(name string) bool {
	_, ok := c.Metrics[strings.ToLower(name)]
	return ok
}

// JoinAllowed reports whether a direct join edge exists between two tables,
// in either direction.
func (c *Catalog) JoinAllowed(a, b string) bool {
	return c.joinSet[strings.ToLower(a)+"|"+strings.ToLower(b)]
}

// MatchEntity resolves a single word or phrase against the known entities,
// normalizing case and plural forms. Returns false when nothing matches.
func (c *Catalog) MatchEntity(word string) (Entity, bool) {
	key := strings.ToLower(strings.TrimSpace(word))
	if e, ok := c.entityIdx[key]; ok {
		return e, true
	}
	if s := strings.ToLower(inflection.Singular(key)); s != key {
		if e, ok := c.entityIdx[s]; ok {
			return e, true
		}
	}
	return Entity{}, false
}

// TableNames returns the table names in sorted order.
func (c *Catalog) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PromptSummary builds a compact textual description of the catalog for
// LLM system prompts: tables with columns, join edges, metrics, known
// entities, and data notes.
func (c *Catalog) PromptSummary() string {
	var b strings.Builder

	for _, tname := range c.TableNames() {
		t := c.Tables[tname]
		cols := make([]string, 0, len(t.Columns))
		for cname := range t.Columns {
			cols = append(cols, cname)
		}
		sort.Strings(cols)
		for i, cname := range cols {
			cols[i] = fmt.Sprintf("%s (%s)", cname, t.Columns[cname].Type)
		}
		fmt.Fprintf(&b, "- %s: %s\n  Columns: %s\n", tname, t.Description, strings.Join(cols, ", "))
	}

	edges := make([]string, 0, len(c.Joins))
	for _, j := range c.Joins {
		edges = append(edges, fmt.Sprintf("%s = %s", j.From, j.To))
	}
	fmt.Fprintf(&b, "\nJoins: %s\n", strings.Join(edges, "; "))

	metricNames := make([]string, 0, len(c.Metrics))
	for name := range c.Metrics {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)
	metrics := make([]string, 0, len(metricNames))
	for _, name := range metricNames {
		metrics = append(metrics, fmt.Sprintf("%s: %s", name, c.Metrics[name].Aggregation))
	}
	fmt.Fprintf(&b, "Metrics: %s\n", strings.Join(metrics, "; "))

	if len(c.KnownEntities.Products) > 0 {
		fmt.Fprintf(&b, "\nKnown products: %s\n", strings.Join(c.KnownEntities.Products, ", "))
	}
	if len(c.KnownEntities.TherapeuticAreas) > 0 {
		fmt.Fprintf(&b, "Therapeutic areas: %s\n", strings.Join(c.KnownEntities.TherapeuticAreas, ", "))
	}
	if len(c.KnownEntities.Regions) > 0 {
		fmt.Fprintf(&b, "Regions: %s\n", strings.Join(c.KnownEntities.Regions, ", "))
	}

	if len(c.DataNotes) > 0 {
		b.WriteString("\nData notes:\n")
		for _, n := range c.DataNotes {
			fmt.Fprintf(&b, "  - %s\n", n)
		}
	}

	return b.String()
}

// PolicySummary returns a short statement of the SQL safety policy for
// inclusion in generation and repair prompts.
func (c *Catalog) PolicySummary() string {
	return fmt.Sprintf(
		"Allowed tables: %s. Only SELECT statements are permitted. "+
			"No DDL, DML, or multiple statements. Always include a LIMIT clause.",
		strings.Join(c.TableNames(), ", "))
}
