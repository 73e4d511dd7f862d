// Package chainmap ties the chains of one multi-chain input to the local
// directories that hold their MSAs. The map is written next to those
// directories as chain_id_map.json so a later process can recover which
// directory belongs to which sequence.
package chainmap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/colinrgodsey/msacache/pkg/fasta"
)

const (
	FileName = "chain_id_map.json"

	// ChainIDs is the PDB chain alphabet, in assignment order.
	ChainIDs  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	MaxChains = len(ChainIDs)
)

var (
	ErrInvalidMap    = errors.New("chainmap: invalid chain id map")
	ErrTooManyChains = fmt.Errorf("chainmap: more than %d chains", MaxChains)
)

var json = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Chain is one polymer of the input. Fields are declared in key order so
// the persisted form is sorted at every level.
type Chain struct {
	Description string `json:"description"`
	Sequence    string `json:"sequence"`
}

// Map is keyed by chain id.
type Map map[string]Chain

// IDs returns the chain ids in assignment order: position in ChainIDs
// first, anything else lexically after.
func (m Map) IDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := rank(ids[i]), rank(ids[j])
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func rank(id string) int {
	if len(id) == 1 {
		if i := strings.IndexByte(ChainIDs, id[0]); i >= 0 {
			return i
		}
	}
	return MaxChains
}

// FromRecords assigns chain ids A, B, C... to the records in order.
func FromRecords(records []fasta.Record) (Map, error) {
	if len(records) > MaxChains {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyChains, len(records))
	}
	m := make(Map, len(records))
	for i, r := range records {
		m[ChainIDs[i:i+1]] = Chain{Description: r.Description, Sequence: r.Sequence}
	}
	return m, nil
}

// Path returns the location of the map file inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Marshal renders m with sorted keys and four-space indentation. Equal maps
// always render to identical bytes.
func Marshal(m Map) ([]byte, error) {
	if m == nil {
		m = Map{}
	}
	return json.MarshalIndent(m, "", "    ")
}

// Write persists m to dir/chain_id_map.json, creating dir if needed.
func Write(dir string, m Map) error {
	data, err := Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode chain id map: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	path := Path(dir)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write chain id map: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename chain id map: %w", err)
	}
	return nil
}

// record is the on-disk shape. Pointers distinguish absent fields from
// empty ones.
type record struct {
	Sequence    *string `json:"sequence"`
	Description *string `json:"description"`
}

// Unmarshal decodes and validates a persisted map. Every entry must carry a
// sequence; description defaults to empty. Unknown fields are ignored.
func Unmarshal(data []byte) (Map, error) {
	var raw map[string]*record
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMap, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidMap)
	}

	m := make(Map, len(raw))
	for id, r := range raw {
		if id == "" {
			return nil, fmt.Errorf("%w: empty chain id", ErrInvalidMap)
		}
		if r == nil || r.Sequence == nil {
			return nil, fmt.Errorf("%w: chain %q has no sequence", ErrInvalidMap, id)
		}
		c := Chain{Sequence: *r.Sequence}
		if r.Description != nil {
			c.Description = *r.Description
		}
		m[id] = c
	}
	return m, nil
}

// Read loads dir/chain_id_map.json.
func Read(dir string) (Map, error) {
	data, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
