package edb

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/munindb/pkg/rules"
)

// SourceConf declares one extensional relation in the sources file.
type SourceConf struct {
	// Predicate is the relation name used in rules.
	Predicate string `yaml:"predicate"`
	// Arity is the number of argument positions.
	Arity int `yaml:"arity"`
	// Backend selects the table implementation: "memory" (default) or
	// "badger".
	Backend string `yaml:"backend"`
	// File points at a tab- or comma-separated facts file, one fact per
	// line. Values that parse as unsigned integers are taken as raw term
	// ids; everything else goes through the dictionary.
	File string `yaml:"file"`
}

// Conf is the YAML document describing the extensional database.
//
//	data_dir: ./data
//	sources:
//	  - predicate: edge
//	    arity: 2
//	    backend: memory
//	    file: edges.tsv
type Conf struct {
	// DataDir hosts the badger store when any source uses the badger
	// backend. Relative facts files resolve against the config location.
	DataDir string       `yaml:"data_dir"`
	Sources []SourceConf `yaml:"sources"`

	// baseDir is the config file location; relative paths resolve here.
	baseDir string
}

// ParseConf decodes a sources document.
func ParseConf(data []byte) (*Conf, error) {
	var c Conf
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse edb config: %w", err)
	}
	for i, src := range c.Sources {
		if src.Predicate == "" {
			return nil, fmt.Errorf("source %d: missing predicate name", i)
		}
		if src.Arity <= 0 {
			return nil, fmt.Errorf("source %s: arity must be positive", src.Predicate)
		}
		switch src.Backend {
		case "", "memory", "badger":
		default:
			return nil, fmt.Errorf("source %s: unknown backend %q", src.Predicate, src.Backend)
		}
	}
	return &c, nil
}

// LoadConfFile reads and decodes a sources file.
func LoadConfFile(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read edb config: %w", err)
	}
	c, err := ParseConf(data)
	if err != nil {
		return nil, err
	}
	if c.baseDir == "" {
		c.baseDir = filepath.Dir(path)
	}
	return c, nil
}

// Build assembles a Layer from the configuration, registering every source
// as a predicate of program. A badger Store is opened lazily when any source
// asks for it; the returned closer releases it (nil-safe).
func (c *Conf) Build(program *rules.Program) (*Layer, func() error, error) {
	var store *Store
	closer := func() error {
		if store != nil {
			return store.Close()
		}
		return nil
	}

	layer := NewLayer()
	for _, src := range c.Sources {
		if src.Backend == "badger" && store == nil {
			s, err := OpenStore(StoreOptions{DataDir: filepath.Join(c.dir(), c.DataDir)})
			if err != nil {
				return nil, closer, err
			}
			store = s
			layer = NewLayerWithDictionary(s.Dictionary())
		}
	}

	for _, src := range c.Sources {
		pred, err := program.AddPredicate(src.Predicate, src.Arity, true)
		if err != nil {
			return nil, closer, err
		}
		table, err := c.buildTable(src, store, layer)
		if err != nil {
			return nil, closer, fmt.Errorf("source %s: %w", src.Predicate, err)
		}
		layer.AddTable(pred, table)
	}
	return layer, closer, nil
}

func (c *Conf) buildTable(src SourceConf, store *Store, layer *Layer) (Table, error) {
	facts, err := c.readFacts(src, layer)
	if err != nil {
		return nil, err
	}
	if src.Backend == "badger" {
		if err := store.AppendFacts(src.Predicate, src.Arity, facts); err != nil {
			return nil, err
		}
		return store.Table(src.Predicate, src.Arity)
	}
	table := NewMemoryTable(src.Arity)
	for _, row := range facts {
		table.AddRow(row)
	}
	table.Freeze()
	return table, nil
}

func (c *Conf) readFacts(src SourceConf, layer *Layer) ([][]rules.Term, error) {
	if src.File == "" {
		return nil, nil
	}
	path := src.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir(), path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open facts file: %w", err)
	}
	defer f.Close()

	var out [][]rules.Term
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == '\t' || r == ',' })
		if len(fields) != src.Arity {
			return nil, fmt.Errorf("%s:%d: got %d fields, want %d", path, lineNo, len(fields), src.Arity)
		}
		row := make([]rules.Term, src.Arity)
		for i, field := range fields {
			field = strings.TrimSpace(field)
			if n, err := strconv.ParseUint(field, 10, 64); err == nil {
				row[i] = rules.Term(n)
			} else {
				row[i] = layer.GetOrAddDictNumber(field)
			}
		}
		out = append(out, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read facts file: %w", err)
	}
	return out, nil
}

func (c *Conf) dir() string {
	if c.baseDir != "" {
		return c.baseDir
	}
	return "."
}
