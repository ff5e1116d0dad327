package protocol

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaFiles maps message types to their schema file stem. Types without a
// schema pass validation untouched.
var schemaFiles = map[string]string{
	TypeIdentify:          "identify",
	TypeTransferBegin:     "transfer_begin",
	TypeChunk:             "chunk",
	TypePlayerUpdate:      "player_update",
	TypeRegenerationStart: "regeneration_start",
	TypePlayerReset:       "player_reset",
}

// Validator checks inbound messages against the JSON schemas shipped next to
// the server binary. A nil Validator accepts everything.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// LoadValidator compiles every known schema from dir. Fails hard on a missing
// or broken schema file; a partially validated protocol is worse than none.
func LoadValidator(dir string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for msgType, stem := range schemaFiles {
		path := filepath.Join(dir, stem+".schema.json")
		sch, err := jsonschema.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", path, err)
		}
		v.schemas[msgType] = sch
	}
	return v, nil
}

// Validate checks one raw message of the given type.
func (v *Validator) Validate(msgType string, raw []byte) error {
	if v == nil {
		return nil
	}
	sch := v.schemas[msgType]
	if sch == nil {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return sch.Validate(doc)
}
