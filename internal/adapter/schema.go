package adapter

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed record.schema.json
var recordSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func recordSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("record.schema.json", strings.NewReader(recordSchemaJSON)); err != nil {
			schemaErr = eris.Wrap(err, "adapter: add record schema")
			return
		}
		schema, schemaErr = compiler.Compile("record.schema.json")
	})
	return schema, schemaErr
}

// ValidateRecord checks one raw record against the record schema.
// Adapters emit structs, so the record round-trips through JSON for
// validation; the schema is the contract external adapters are held to.
func ValidateRecord(rec RawRecord) error {
	s, err := recordSchema()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "adapter: marshal record")
	}
	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return eris.Wrap(err, "adapter: decode record")
	}
	if err := s.Validate(value); err != nil {
		return eris.Wrap(err, "adapter: record schema validation")
	}
	return nil
}
