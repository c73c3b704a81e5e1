// Package fixture provides test-only stand-ins for the engine's external
// collaborators (spec.md §6): a YAML-described replicated schema plus
// seed rows, and an in-memory Snapshotter that replays a scripted
// sequence of diffs. Nothing here is wired into a real replication feed;
// production callers supply their own schema.Database and
// pipeline.Snapshotter.
package fixture

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/canonica-labs/zoql/internal/schema"
	"github.com/canonica-labs/zoql/internal/tablesource"
)

type yamlColumn struct {
	Type     string `yaml:"type"`
	Nullable bool   `yaml:"nullable"`
}

type yamlTable struct {
	Columns       map[string]yamlColumn `yaml:"columns"`
	PrimaryKey    []string              `yaml:"primary_key"`
	UniqueIndexes [][]string            `yaml:"unique_indexes"`
	Rows          []map[string]any      `yaml:"rows"`
}

type yamlDoc struct {
	Tables map[string]yamlTable `yaml:"tables"`
}

// Database is a loaded fixture: the replicated schema plus each table's
// seed rows, in the shape LoadSchema read them from YAML.
type Database struct {
	Schema schema.Database
	Seeds  map[string][]tablesource.Row
}

// LoadSchema parses a fixture document of the form:
//
//	tables:
//	  users:
//	    columns:
//	      id: {type: number}
//	      name: {type: string, nullable: true}
//	    primary_key: [id]
//	    unique_indexes:
//	      - [name]
//	    rows:
//	      - {id: 1, name: alice}
func LoadSchema(data []byte) (*Database, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("fixture: parse schema: %w", err)
	}

	db := schema.Database{}
	seeds := make(map[string][]tablesource.Row, len(doc.Tables))

	for name, yt := range doc.Tables {
		if len(yt.PrimaryKey) == 0 {
			return nil, fmt.Errorf("fixture: table %q missing primary_key", name)
		}
		columns := make(map[string]schema.Column, len(yt.Columns))
		for col, yc := range yt.Columns {
			vt, err := parseValueType(yc.Type)
			if err != nil {
				return nil, fmt.Errorf("fixture: table %q column %q: %w", name, col, err)
			}
			columns[col] = schema.Column{Type: vt, Nullable: yc.Nullable}
		}
		db[name] = schema.Table{
			Columns:       columns,
			PrimaryKey:    yt.PrimaryKey,
			UniqueIndexes: yt.UniqueIndexes,
		}

		rows := make([]tablesource.Row, 0, len(yt.Rows))
		for _, r := range yt.Rows {
			rows = append(rows, tablesource.Row(r))
		}
		seeds[name] = rows
	}

	return &Database{Schema: db, Seeds: seeds}, nil
}

func parseValueType(s string) (schema.ValueType, error) {
	switch schema.ValueType(s) {
	case schema.TypeString, schema.TypeNumber, schema.TypeBoolean, schema.TypeJSON, schema.TypeNull:
		return schema.ValueType(s), nil
	default:
		return "", fmt.Errorf("unknown column type %q", s)
	}
}

// BuildSources constructs one tablesource.MemorySource per table in db,
// pre-loaded with its seed rows via Seed (bypassing conflict checking,
// appropriate for fixture setup).
func BuildSources(db *Database) map[string]tablesource.Source {
	sources := make(map[string]tablesource.Source, len(db.Schema))
	for name, tbl := range db.Schema {
		src := tablesource.NewMemorySource(name, tbl.PrimaryKey)
		src.Seed(db.Seeds[name]...)
		sources[name] = src
	}
	return sources
}

// SourceFactory adapts a pre-built source map to pipeline.SourceFactory's
// signature, for callers that want every table eagerly materialised
// instead of lazily constructed.
func SourceFactory(sources map[string]tablesource.Source) func(table string) (tablesource.Source, error) {
	return func(table string) (tablesource.Source, error) {
		src, ok := sources[table]
		if !ok {
			return nil, fmt.Errorf("fixture: no source for table %q", table)
		}
		return src, nil
	}
}
