package entity

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// FileDefinition is the YAML shape of a custom entity.
//
//	entities:
//	  - name: referrals
//	    idField: id
//	    markerField: createdAt
//	    query: |
//	      query referrals($limit: Int!, $offset: Int!) {
//	        referrals(limit: $limit, offset: $offset) { id createdAt }
//	      }
type FileDefinition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Aliases     []string `yaml:"aliases"`
	Query       string   `yaml:"query"`
	IDField     string   `yaml:"idField"`
	MarkerField string   `yaml:"markerField"`
}

type definitionsFile struct {
	Entities []FileDefinition `yaml:"entities"`
}

// LoadFile reads custom definitions from a YAML file into r.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open entities file: %w", err)
	}
	defer f.Close()
	return r.Load(f)
}

// Load reads custom definitions from YAML into r. A definition named like a
// built-in replaces it.
func (r *Registry) Load(src io.Reader) error {
	var file definitionsFile
	dec := yaml.NewDecoder(src)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return fmt.Errorf("decode entities file: %w", err)
	}

	for i, fd := range file.Entities {
		idField := fd.IDField
		if idField == "" {
			idField = "id"
		}
		d := &Definition{
			Name:        fd.Name,
			Description: fd.Description,
			Query:       fd.Query,
			MarkerField: fd.MarkerField,
			decode:      genericDecoder(idField, fd.MarkerField),
			kind:        KindGeneric,
		}
		if err := r.Register(d, fd.Aliases...); err != nil {
			return fmt.Errorf("entities[%d]: %w", i, err)
		}
	}
	return nil
}
